package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/repo"
)

func shell() *Subprocess {
	return NewSubprocess(SubprocessConfig{Command: []string{"sh"}, KillGrace: 100 * time.Millisecond})
}

func kinds(refs []domain.ArtifactRef) map[domain.ArtifactKind]int {
	out := make(map[domain.ArtifactKind]int)
	for _, r := range refs {
		out[r.Kind]++
	}
	return out
}

func TestSubprocess_Success(t *testing.T) {
	jobDir := t.TempDir()
	script := "echo hello\necho 'id,b' > \"$STATFLOW_EXPORTS_DIR/table.csv\"\n"

	res, err := shell().Run(context.Background(), Request{
		JobID:  "job_1",
		RunID:  "run_1__analysis",
		JobDir: jobDir,
		Script: script,
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 0, res.ExitCode)

	k := kinds(res.Artifacts)
	assert.Equal(t, 1, k[domain.ArtifactComputeScript])
	assert.Equal(t, 1, k[domain.ArtifactComputeExport])
	assert.Equal(t, 1, k[domain.ArtifactComputeMeta])

	out, err := os.ReadFile(filepath.Join(jobDir, "runs", "run_1__analysis", StdoutName))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	for _, ref := range res.Artifacts {
		if ref.Kind == domain.ArtifactComputeExport {
			assert.Equal(t, "runs/run_1__analysis/work/exports/table.csv", ref.RelPath)
			assert.Equal(t, "table.csv", ref.Meta["name"])
		}
	}
}

func TestSubprocess_ExitCode(t *testing.T) {
	res, err := shell().Run(context.Background(), Request{
		RunID:  "run_2",
		JobDir: t.TempDir(),
		Script: "exit 3\n",
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Contains(t, res.Error, "code 3")
}

func TestSubprocess_Timeout(t *testing.T) {
	res, err := shell().Run(context.Background(), Request{
		RunID:   "run_3",
		JobDir:  t.TempDir(),
		Script:  "sleep 5\n",
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.True(t, res.TimedOut)
}

func TestSubprocess_BatchLogError(t *testing.T) {
	res, err := shell().Run(context.Background(), Request{
		RunID:  "run_4",
		JobDir: t.TempDir(),
		Script: "printf '. use missing\\nfile missing not found\\nr(601);\\n' > main.log\n",
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 601, res.ExitCode)
	assert.Contains(t, res.Error, "r(601)")
}

func TestSubprocess_InvalidRequest(t *testing.T) {
	_, err := shell().Run(context.Background(), Request{RunID: "../x", JobDir: t.TempDir()})
	assert.ErrorIs(t, err, repo.ErrUnsafePath)

	_, err = shell().Run(context.Background(), Request{RunID: "r"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestFake_SequenceAndExports(t *testing.T) {
	jobDir := t.TempDir()
	fake := &Fake{
		Handle: func(n int, _ Request) (*Result, error) {
			if n == 1 {
				return &Result{ExitCode: 1, Error: "boom"}, nil
			}
			return &Result{OK: true}, nil
		},
		Exports: map[string][]byte{"flag.json": []byte(`{"significant": true}`)},
	}

	first, err := fake.Run(context.Background(), Request{RunID: "r1", JobDir: jobDir, Script: "x"})
	require.NoError(t, err)
	assert.False(t, first.OK)
	assert.Equal(t, 0, kinds(first.Artifacts)[domain.ArtifactComputeExport])

	second, err := fake.Run(context.Background(), Request{RunID: "r2", JobDir: jobDir, Script: "x"})
	require.NoError(t, err)
	assert.True(t, second.OK)
	assert.Equal(t, 1, kinds(second.Artifacts)[domain.ArtifactComputeExport])

	assert.Len(t, fake.Calls(), 2)
	_, err = os.Stat(filepath.Join(jobDir, "runs", "r2", "work", "exports", "flag.json"))
	assert.NoError(t, err)
}
