package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/engine"
	"github.com/shaiso/Statflow/internal/jobs"
)

// NewPlanCmd создаёт группу команд для работы с планами.
func NewPlanCmd(envFn EnvFunc, outputFn OutputFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Work with composition plans",
	}

	cmd.AddCommand(newPlanValidateCmd(envFn, outputFn))

	return cmd
}

// planReport — результат валидации для вывода.
type planReport struct {
	Valid  bool          `json:"valid"`
	Mode   string        `json:"composition_mode,omitempty"`
	Order  []string      `json:"order,omitempty"`
	Code   string        `json:"error_code,omitempty"`
	Issues []issueReport `json:"issues,omitempty"`
}

type issueReport struct {
	StepID  string `json:"step_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func newPlanValidateCmd(envFn EnvFunc, outputFn OutputFunc) *cobra.Command {
	var (
		jobID  string
		inputs []string
	)

	cmd := &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Validate a plan file (YAML or JSON)",
		Example: `  statflow plan validate plan.yaml --input main --input extra
  statflow plan validate plan.json --job job_3f2a...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			plan, err := engine.LoadPlanFile(args[0])
			if err != nil {
				return err
			}

			known := make(map[string]struct{}, len(inputs))
			for _, key := range inputs {
				known[key] = struct{}{}
			}

			if jobID != "" {
				env, err := envFn(cmd)
				if err != nil {
					return err
				}
				job, err := env.Service.Get(cmd.Context(), env.Tenant, jobID)
				if err != nil {
					return err
				}
				dir, err := env.Service.JobDir(env.Tenant, jobID)
				if err != nil {
					return err
				}
				manifest, err := jobs.ReadManifest(dir, job.Inputs)
				if err != nil {
					return err
				}
				for key := range manifest.Keys() {
					known[key] = struct{}{}
				}
			}

			analysis, err := engine.Validate(plan, known)
			report := newPlanReport(analysis, err)

			if out.jsonMode {
				out.JSON(report)
			} else if report.Valid {
				out.Line("Mode:  %s", report.Mode)
				out.Line("Order: %s", strings.Join(report.Order, " -> "))
			} else {
				rows := make([][]string, len(report.Issues))
				for i, is := range report.Issues {
					rows[i] = []string{is.StepID, is.Field, is.Message}
				}
				out.Table([]string{"STEP", "FIELD", "MESSAGE"}, rows)
			}

			if err != nil {
				return fmt.Errorf("plan is invalid (%s)", report.Code)
			}
			out.Success("Plan is valid")
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Take known input keys from this job's manifest")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "Known input key (repeatable)")

	return cmd
}

func newPlanReport(analysis *engine.Analysis, err error) planReport {
	if err == nil {
		return planReport{
			Valid: true,
			Mode:  string(analysis.Mode),
			Order: analysis.DAG.OrderIDs(),
		}
	}

	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		return planReport{Code: string(domain.ErrorPlanInvalid), Issues: []issueReport{{Message: err.Error()}}}
	}

	report := planReport{Code: string(verr.Code())}
	for _, is := range verr.Issues {
		report.Issues = append(report.Issues, issueReport{StepID: is.StepID, Field: is.Field, Message: is.Message})
	}
	return report
}
