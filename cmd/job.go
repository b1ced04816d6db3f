package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/enrich"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/store"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Run and control enrichment jobs",
}

var jobRunCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run one enrichment job in the foreground until its cycle completes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, "job")
		if err != nil {
			return err
		}
		defer env.Close()

		job, ok := env.Jobs[args[0]]
		if !ok {
			return eris.Errorf("unknown or disabled job %q", args[0])
		}
		if _, err := env.Store.EnsureCheckpoint(ctx, args[0]); err != nil {
			return eris.Wrap(err, "ensure checkpoint")
		}
		if err := env.Store.SetControlSignal(ctx, args[0], model.SignalRun); err != nil {
			return eris.Wrap(err, "set run signal")
		}

		err = job.Run(ctx)
		if errors.Is(err, enrich.ErrJobRunning) {
			zap.L().Warn("job is already running elsewhere", zap.String("job", args[0]))
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "run %s", args[0])
		}

		cp, err := env.Store.GetCheckpoint(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "read checkpoint")
		}
		formatCheckpoints(os.Stdout, []model.Checkpoint{*cp})
		return nil
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "status [job]",
	Short: "Show job checkpoints",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var cps []model.Checkpoint
		if len(args) == 1 {
			cp, err := st.GetCheckpoint(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				return eris.Errorf("job %q has no checkpoint yet", args[0])
			}
			if err != nil {
				return eris.Wrap(err, "read checkpoint")
			}
			cps = append(cps, *cp)
		} else if cps, err = st.ListCheckpoints(ctx); err != nil {
			return eris.Wrap(err, "list checkpoints")
		}
		if len(cps) == 0 {
			zap.L().Info("no checkpoints yet, run 'job run <job>' or 'serve' first")
			return nil
		}
		formatCheckpoints(os.Stdout, cps)
		return nil
	},
}

var jobSignalCmd = &cobra.Command{
	Use:   "signal <job> <run|pause|stop>",
	Short: "Set a job's control signal; a running job observes it between batches",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sig, err := parseSignal(args[1])
		if err != nil {
			return err
		}
		if _, ok := cfg.Jobs[args[0]]; !ok {
			return eris.Errorf("unknown job %q", args[0])
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if _, err := st.EnsureCheckpoint(ctx, args[0]); err != nil {
			return eris.Wrap(err, "ensure checkpoint")
		}
		if err := st.SetControlSignal(ctx, args[0], sig); err != nil {
			return eris.Wrap(err, "set signal")
		}
		zap.L().Info("signal set", zap.String("job", args[0]), zap.String("signal", string(sig)))
		return nil
	},
}

func parseSignal(s string) (model.ControlSignal, error) {
	switch sig := model.ControlSignal(s); sig {
	case model.SignalRun, model.SignalPause, model.SignalStop:
		return sig, nil
	default:
		return "", eris.Errorf("signal must be run, pause or stop, got %q", s)
	}
}

func init() {
	jobCmd.AddCommand(jobRunCmd, jobStatusCmd, jobSignalCmd)
	rootCmd.AddCommand(jobCmd)
}
