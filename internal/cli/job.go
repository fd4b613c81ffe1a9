package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/jobs"
)

var jobHeaders = []string{"ID", "STATUS", "VERSION", "ATTEMPTS", "UPDATED"}

func jobRow(j *domain.Job) []string {
	return []string{
		j.JobID,
		string(j.Status),
		strconv.Itoa(j.Version),
		strconv.Itoa(j.AttemptCount()),
		j.UpdatedAt.Format(time.RFC3339),
	}
}

func printJob(out *Output, j *domain.Job) {
	out.Print(jobHeaders, [][]string{jobRow(j)}, j)
}

// NewJobCmd создаёт группу команд для управления job.
func NewJobCmd(envFn EnvFunc, outputFn OutputFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
	}

	cmd.AddCommand(
		newJobCreateCmd(envFn, outputFn),
		newJobDraftCmd(envFn, outputFn),
		newJobConfirmCmd(envFn, outputFn),
		newJobEnqueueCmd(envFn, outputFn),
		newJobRetryCmd(envFn, outputFn),
		newJobShowCmd(envFn, outputFn),
		newJobListCmd(envFn, outputFn),
	)

	return cmd
}

func newJobCreateCmd(envFn EnvFunc, outputFn OutputFunc) *cobra.Command {
	var (
		requirement string
		datasets    []string
		roles       []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job from a requirement and datasets",
		Example: `  statflow job create --requirement "regress y on x" --dataset main=survey.csv
  statflow job create -r "join panels" --dataset a=a.csv --dataset b=b.csv --role a=primary`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(cmd)
			if err != nil {
				return err
			}
			out := outputFn()

			roleByKey, err := parsePairs(roles)
			if err != nil {
				return fmt.Errorf("--role: %w", err)
			}
			uploads, files, err := openUploads(datasets, roleByKey)
			if err != nil {
				return err
			}
			defer func() {
				for _, f := range files {
					f.Close()
				}
			}()

			job, err := env.Service.Create(cmd.Context(), env.Tenant, requirement, uploads)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Job created: %s", job.JobID))
			printJob(out, job)
			return nil
		},
	}

	cmd.Flags().StringVarP(&requirement, "requirement", "r", "", "Analysis requirement in natural language (required)")
	cmd.Flags().StringArrayVar(&datasets, "dataset", nil, "Dataset as key=path (repeatable)")
	cmd.Flags().StringArrayVar(&roles, "role", nil, "Dataset role as key=role (repeatable)")
	cmd.MarkFlagRequired("requirement")

	return cmd
}

func newJobDraftCmd(envFn EnvFunc, outputFn OutputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "draft <job-id>",
		Short: "Request a draft plan from the planner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(cmd)
			if err != nil {
				return err
			}
			out := outputFn()

			job, err := env.Service.Draft(cmd.Context(), env.Tenant, args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Draft ready: %d steps", len(job.Draft.Steps)))
			if out.jsonMode {
				out.JSON(job.Draft)
				return nil
			}
			out.Table(stepHeaders, stepRows(job.Draft.Steps))
			return nil
		},
	}
}

func newJobConfirmCmd(envFn EnvFunc, outputFn OutputFunc) *cobra.Command {
	var (
		params   []string
		andQueue bool
	)

	cmd := &cobra.Command{
		Use:   "confirm <job-id>",
		Short: "Freeze the draft plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(cmd)
			if err != nil {
				return err
			}
			out := outputFn()

			confirmation, err := parseParams(params)
			if err != nil {
				return fmt.Errorf("--param: %w", err)
			}

			job, err := env.Service.Confirm(cmd.Context(), env.Tenant, args[0], confirmation)
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Plan frozen: %s", job.Plan.PlanID))

			if andQueue {
				job, err = env.Service.Enqueue(cmd.Context(), env.Tenant, job.JobID)
				if err != nil {
					return err
				}
				out.Success("Job queued")
			}

			printJob(out, job)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "Confirmation parameter as key=value; JSON values are decoded (repeatable)")
	cmd.Flags().BoolVar(&andQueue, "enqueue", false, "Enqueue the job after confirmation")

	return cmd
}

func newJobEnqueueCmd(envFn EnvFunc, outputFn OutputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <job-id>",
		Short: "Put a confirmed job into the work queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(cmd)
			if err != nil {
				return err
			}
			out := outputFn()

			job, err := env.Service.Enqueue(cmd.Context(), env.Tenant, args[0])
			if err != nil {
				return err
			}

			out.Success("Job queued")
			printJob(out, job)
			return nil
		},
	}
}

func newJobRetryCmd(envFn EnvFunc, outputFn OutputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-queue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(cmd)
			if err != nil {
				return err
			}
			out := outputFn()

			job, err := env.Service.Retry(cmd.Context(), env.Tenant, args[0])
			if err != nil {
				return err
			}

			out.Success("Job re-queued")
			printJob(out, job)
			return nil
		},
	}
}

func newJobShowCmd(envFn EnvFunc, outputFn OutputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show job details and run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(cmd)
			if err != nil {
				return err
			}
			out := outputFn()

			job, err := env.Service.Get(cmd.Context(), env.Tenant, args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(job)
				return nil
			}

			out.Table(jobHeaders, [][]string{jobRow(job)})
			if job.Plan != nil {
				fmt.Fprintln(out.w)
				out.Line("Plan %s", job.Plan.PlanID)
				out.Table(stepHeaders, stepRows(job.Plan.Steps))
			}
			if len(job.Runs) > 0 {
				fmt.Fprintln(out.w)
				out.Table(runHeaders, runRows(job.Runs))
			}
			return nil
		},
	}
}

func newJobListCmd(envFn EnvFunc, outputFn OutputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs of the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(cmd)
			if err != nil {
				return err
			}
			out := outputFn()

			list, err := env.Service.List(cmd.Context(), env.Tenant)
			if err != nil {
				return err
			}

			rows := make([][]string, len(list))
			for i, j := range list {
				rows[i] = jobRow(j)
			}

			out.Print(jobHeaders, rows, list)
			return nil
		},
	}
}

var stepHeaders = []string{"STEP", "TYPE", "TEMPLATE", "DEPENDS ON"}

func stepRows(steps []domain.Step) [][]string {
	rows := make([][]string, len(steps))
	for i := range steps {
		s := &steps[i]
		template := ""
		if c := s.Common(); c != nil {
			template = c.TemplateID
		}
		rows[i] = []string{s.ID, string(s.Type), template, strings.Join(s.DependsOn, ",")}
	}
	return rows
}

var runHeaders = []string{"ATTEMPT", "RUN", "STATUS", "ERROR CODE", "STARTED"}

func runRows(runs []domain.RunAttempt) [][]string {
	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{
			strconv.Itoa(r.Attempt),
			r.RunID,
			string(r.Status),
			string(r.ErrorCode),
			r.StartedAt.Format(time.RFC3339),
		}
	}
	return rows
}

// openUploads открывает файлы датасетов. Вызывающий закрывает files.
func openUploads(specs []string, roles map[string]string) (uploads []jobs.Upload, files []*os.File, err error) {
	pairs, err := parsePairList(specs)
	if err != nil {
		return nil, nil, fmt.Errorf("--dataset: %w", err)
	}

	for _, p := range pairs {
		f, err := os.Open(p.value)
		if err != nil {
			for _, opened := range files {
				opened.Close()
			}
			return nil, nil, fmt.Errorf("open dataset %s: %w", p.key, err)
		}
		files = append(files, f)
		uploads = append(uploads, jobs.Upload{
			Key:      p.key,
			Role:     roles[p.key],
			FileName: filepath.Base(p.value),
			Data:     f,
		})
	}
	return uploads, files, nil
}

type pair struct {
	key   string
	value string
}

func parsePairList(items []string) ([]pair, error) {
	pairs := make([]pair, 0, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", item)
		}
		pairs = append(pairs, pair{key: k, value: v})
	}
	return pairs, nil
}

func parsePairs(items []string) (map[string]string, error) {
	pairs, err := parsePairList(items)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.key] = p.value
	}
	return m, nil
}

// parseParams разбирает параметры подтверждения.
// Значение, которое читается как JSON, декодируется; иначе остаётся строкой.
func parseParams(items []string) (map[string]any, error) {
	pairs, err := parsePairList(items)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		var v any
		if err := json.Unmarshal([]byte(p.value), &v); err != nil {
			v = p.value
		}
		params[p.key] = v
	}
	return params, nil
}
