package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/enrich"
	"github.com/sells-group/catalog-enricher/internal/model"
)

var (
	quarantineStatus string
	quarantineReason string
	quarantineLimit  int
	resolveValue     string
	resolveBy        string
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Review values held back by the merge step",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantine entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListQuarantine(ctx, model.QuarantineFilter{
			Status: model.QuarantineStatus(quarantineStatus),
			Reason: model.QuarantineReason(quarantineReason),
			Limit:  quarantineLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list quarantine")
		}
		formatQuarantine(os.Stdout, entries)
		return nil
	},
}

var quarantineResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Accept a value for a pending entry and write it to the entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if resolveValue == "" || resolveBy == "" {
			return eris.New("--value and --by are required")
		}
		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entry, err := enrich.NewCleaner(st, cfg.Merge).Resolve(ctx, args[0], resolveValue, resolveBy)
		if err != nil {
			return eris.Wrapf(err, "resolve %s", args[0])
		}
		zap.L().Info("quarantine entry resolved",
			zap.String("id", entry.ID),
			zap.String("field", string(entry.Field)),
			zap.String("value", entry.ChosenValue),
		)
		return nil
	},
}

var quarantineAutoResolveCmd = &cobra.Command{
	Use:   "auto-resolve",
	Short: "Close aged entries whose score clears the bulk approval bar",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := enrich.NewCleaner(st, cfg.Merge).AutoResolve(ctx)
		if err != nil {
			return eris.Wrap(err, "auto-resolve")
		}
		zap.L().Info("auto-resolve complete",
			zap.Int("scanned", stats.Scanned),
			zap.Int("resolved", stats.Resolved),
			zap.Int("linked", stats.Linked),
		)
		return nil
	},
}

func init() {
	quarantineListCmd.Flags().StringVar(&quarantineStatus, "status", string(model.QuarantinePending), "filter by status")
	quarantineListCmd.Flags().StringVar(&quarantineReason, "reason", "", "filter by reason")
	quarantineListCmd.Flags().IntVar(&quarantineLimit, "limit", 100, "maximum entries")
	quarantineResolveCmd.Flags().StringVar(&resolveValue, "value", "", "value to accept (external id for match reviews)")
	quarantineResolveCmd.Flags().StringVar(&resolveBy, "by", "", "reviewer name")

	quarantineCmd.AddCommand(quarantineListCmd, quarantineResolveCmd, quarantineAutoResolveCmd)
	rootCmd.AddCommand(quarantineCmd)
}
