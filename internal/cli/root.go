package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Statflow/internal/config"
	"github.com/shaiso/Statflow/internal/planner"
)

// EnvFunc возвращает зависимости команды. Первый вызов открывает Env.
type EnvFunc func(cmd *cobra.Command) (*Env, error)

// OutputFunc возвращает форматтер вывода.
type OutputFunc func() *Output

// RootOptions — параметры корневой команды.
type RootOptions struct {
	Version string

	// Planner заменяет планировщик из конфигурации.
	Planner planner.Planner

	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// NewRootCmd собирает дерево команд statflow.
func NewRootCmd(opts RootOptions) *cobra.Command {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(opts.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}

	var (
		envFile    string
		tenant     string
		jsonOutput bool
		env        *Env
	)

	rootCmd := &cobra.Command{
		Use:           "statflow",
		Short:         "Statflow CLI — statistical job orchestration",
		Version:       opts.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			env.Close()
		},
	}
	rootCmd.SetOut(opts.Stdout)
	rootCmd.SetErr(opts.Stderr)

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to .env file")
	rootCmd.PersistentFlags().StringVar(&tenant, "tenant", config.String("STATFLOW_TENANT", "default"), "Tenant ID")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	envFn := func(cmd *cobra.Command) (*Env, error) {
		if env != nil {
			return env, nil
		}
		e, err := OpenEnv(cmd.Context(), EnvOptions{
			EnvFile: envFile,
			Tenant:  tenant,
			Planner: opts.Planner,
			Logger:  opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		env = e
		return env, nil
	}
	outputFn := func() *Output { return NewOutput(jsonOutput, opts.Stdout, opts.Stderr) }

	rootCmd.AddCommand(
		NewJobCmd(envFn, outputFn),
		NewPlanCmd(envFn, outputFn),
		NewQueueCmd(envFn, outputFn),
		NewEventsCmd(envFn, outputFn, opts.Logger),
	)

	return rootCmd
}
