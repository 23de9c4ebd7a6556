package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nodeimage/internal/models"
	"nodeimage/internal/notify"
)

func init() {
	alertsCmd.Flags().String("group", "operators", "consumer group name")
	alertsCmd.Flags().String("consumer", "", "consumer name (defaults to the hostname)")
	alertsCmd.Flags().Duration("claim-interval", 30*time.Second, "reclaim alerts pending longer than this")

	rootCmd.AddCommand(alertsCmd)
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Follow flagged content alerts until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		group, _ := cmd.Flags().GetString("group")
		consumer, _ := cmd.Flags().GetString("consumer")
		claim, _ := cmd.Flags().GetDuration("claim-interval")
		if consumer == "" {
			host, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("resolve hostname: %w", err)
			}
			consumer = host
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := openEnv(ctx, false, true)
		if err != nil {
			return err
		}
		defer e.Close()

		out := cmd.OutOrStdout()
		c := notify.NewConsumer(e.redis, notify.ConsumerConfig{
			Stream:        e.cfg.Notify.Stream,
			Group:         group,
			Consumer:      consumer,
			ClaimInterval: claim,
		}, func(_ context.Context, id string, alert models.FlagAlert) error {
			return writeAlert(out, id, alert)
		}, e.log)

		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func writeAlert(out io.Writer, id string, alert models.FlagAlert) error {
	action := "notified"
	if alert.Blacklisted {
		action = "blacklisted"
	}
	_, err := fmt.Fprintf(out, "%s  %s  subject=%s client=%s score=%.3f %s (%s)\n",
		alert.FlaggedAt.UTC().Format(time.RFC3339),
		alert.TaskID,
		alert.SubjectID,
		alert.ClientKey,
		alert.Verdict.Score,
		action,
		id,
	)
	return err
}
