package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/model"
)

var (
	dlqStatus     string
	dlqSource     string
	dlqLimit      int
	dlqRetryLimit int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and retry the dead letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f := model.DLQFilter{Status: model.DLQStatus(dlqStatus), Limit: dlqLimit}
		if dlqSource != "" {
			src, err := model.ParseSource(dlqSource)
			if err != nil {
				return err
			}
			f.Source = src
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListDLQ(ctx, f)
		if err != nil {
			return eris.Wrap(err, "list dlq")
		}
		formatDLQ(os.Stdout, entries)
		return nil
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Reset an abandoned or pending entry so the next retry pass picks it up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.RequeueDLQ(ctx, args[0], time.Now()); err != nil {
			return eris.Wrapf(err, "requeue %s", args[0])
		}
		zap.L().Info("dlq entry requeued", zap.String("id", args[0]))
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry due dead letter entries now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, "dlq")
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Retrier.RetryPending(ctx, dlqRetryLimit)
		if err != nil {
			return eris.Wrap(err, "retry dlq")
		}
		zap.L().Info("dlq retry complete", zap.Any("stats", stats))
		return nil
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqStatus, "status", "", "filter by status (pending, retrying, resolved, abandoned)")
	dlqListCmd.Flags().StringVar(&dlqSource, "source", "", "filter by source")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 100, "maximum entries")
	dlqRetryCmd.Flags().IntVar(&dlqRetryLimit, "limit", 0, "maximum entries to claim (default from config)")

	dlqCmd.AddCommand(dlqListCmd, dlqRequeueCmd, dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}
