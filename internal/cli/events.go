package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Statflow/internal/mq"
)

// NewEventsCmd создаёт группу команд для событий job.
func NewEventsCmd(envFn EnvFunc, outputFn OutputFunc, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Observe job events",
	}

	cmd.AddCommand(newEventsWatchCmd(envFn, outputFn, logger))

	return cmd
}

func newEventsWatchCmd(envFn EnvFunc, outputFn OutputFunc, logger *slog.Logger) *cobra.Command {
	var allTenants bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream job events from RabbitMQ until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(cmd)
			if err != nil {
				return err
			}
			out := outputFn()
			if env.Config.RabbitMQURL == "" {
				return errors.New("RABBITMQ_URL is not set")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conn, err := mq.NewConnection(env.Config.RabbitMQURL, "statflow-cli", logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := mq.SetupTopology(ctx, conn); err != nil {
				return err
			}
			queueName, err := mq.DeclareTapQueue(ctx, conn)
			if err != nil {
				return err
			}

			consumer := mq.NewConsumer(conn, logger, mq.ConsumerConfig{
				Queue:   string(queueName),
				Handler: mq.JobEventHandler(eventPrinter(out, env.Tenant, allTenants)),
			})

			out.Success("Watching job events, Ctrl+C to stop")
			err = consumer.Start(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&allTenants, "all-tenants", false, "Show events of every tenant")

	return cmd
}

// eventPrinter выводит событие строкой таблицы или JSON-объектом.
func eventPrinter(out *Output, tenant string, allTenants bool) func(context.Context, mq.JobEvent) error {
	return func(_ context.Context, ev mq.JobEvent) error {
		if !allTenants && ev.TenantID != tenant {
			return nil
		}

		if out.jsonMode {
			out.JSON(struct {
				Type string `json:"type"`
				mq.JobEvent
			}{Type: string(ev.Type), JobEvent: ev})
			return nil
		}

		line := fmt.Sprintf("%s %s attempt=%d status=%s", ev.Type, ev.JobID, ev.Attempt, ev.Status)
		if ev.ErrorCode != "" {
			line += " code=" + ev.ErrorCode
		}
		if ev.RetryIn > 0 {
			line += " retry_in=" + ev.RetryIn.Round(time.Millisecond).String()
		}
		out.Line("%s", line)
		return nil
	}
}
