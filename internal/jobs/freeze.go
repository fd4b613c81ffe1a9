package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shaiso/Statflow/internal/domain"
)

// PlanRelPath — путь замороженного плана относительно директории job.
const PlanRelPath = "artifacts/plan.json"

// freezeInput — всё, от чего зависит plan_id.
type freezeInput struct {
	Requirement       string         `json:"requirement"`
	InputsFingerprint string         `json:"inputs_fingerprint"`
	Confirmation      map[string]any `json:"confirmation"`
	Steps             []domain.Step  `json:"steps"`
}

// PlanID вычисляет детерминированный идентификатор плана: первые 16
// hex-символов sha256 канонического JSON входов заморозки.
//
// encoding/json сортирует ключи map, поэтому одинаковые входы дают
// одинаковые байты.
func PlanID(job *domain.Job, confirmation map[string]any, steps []domain.Step) (string, error) {
	in := freezeInput{
		Requirement:  job.Requirement,
		Confirmation: confirmation,
		Steps:        steps,
	}
	if in.Confirmation == nil {
		in.Confirmation = map[string]any{}
	}
	if job.Inputs != nil {
		in.InputsFingerprint = job.Inputs.Fingerprint
	}

	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode freeze input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}
