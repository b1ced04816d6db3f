package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/api"
	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, control API and alert checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initEnv(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		root, err := buildSupervisor(env, cfg)
		if err != nil {
			return err
		}

		zap.L().Info("starting services",
			zap.Int("port", cfg.Server.Port),
			zap.Strings("jobs", env.jobNames()),
		)
		if err := root.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return eris.Wrap(err, "serve")
		}
		zap.L().Info("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildSupervisor assembles the service tree: the scheduler and alert
// checker in one layer, the HTTP API in another, so a crashing API does not
// restart running jobs.
func buildSupervisor(env *enrichEnv, c *config.Config) (*suture.Supervisor, error) {
	sched, err := env.newScheduler(c)
	if err != nil {
		return nil, err
	}

	spec := suture.Spec{
		EventHook:        supervisorHook(zap.L().With(zap.String("component", "supervisor"))),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          time.Duration(c.Scheduler.StopGracePeriodSecs)*time.Second + 10*time.Second,
	}
	root := suture.New("catalog-enricher", spec)
	jobs := suture.New("jobs-layer", suture.Spec{Timeout: spec.Timeout})
	web := suture.New("api-layer", suture.Spec{Timeout: 15 * time.Second})
	root.Add(jobs)
	root.Add(web)

	jobs.Add(sched)
	if c.Monitoring.Enabled {
		collector := monitoring.NewCollector(env.Store, env.Breakers)
		jobs.Add(monitoring.NewChecker(collector, monitoring.NewAlerter(c.Monitoring), c.Monitoring))
	}

	srv := api.NewServer(c.Server, api.Deps{
		Scheduler: sched,
		Store:     env.Store,
		Quota:     env.Quota,
		Breakers:  env.Breakers,
		Sources:   env.Sources,
		Cleaner:   env.Cleaner,
	})
	web.Add(api.NewService(c.Server.Port, srv.Handler()))

	return root, nil
}

// supervisorHook logs suture events through zap.
func supervisorHook(log *zap.Logger) suture.EventHook {
	return func(ev suture.Event) {
		fields := make([]zap.Field, 0, 4)
		for k, v := range ev.Map() {
			fields = append(fields, zap.Any(k, v))
		}
		switch ev.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			log.Error(ev.String(), fields...)
		default:
			log.Warn(ev.String(), fields...)
		}
	}
}
