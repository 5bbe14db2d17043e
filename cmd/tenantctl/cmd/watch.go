package cmd

import (
	"fmt"
	"time"

	"github.com/Dicklesworthstone/tenantctl/internal/daemon"
	"github.com/Dicklesworthstone/tenantctl/internal/session"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the session and keep it alive",
	Long: `Prints every session state change until interrupted. Sign-ins, sign-outs
and renewals made by other tenantctl processes are picked up from the store
(unless watch.enabled is false).

With --keep-alive the access token is renewed before it expires, so other
processes sharing the store never see an expired token.

Examples:
  tenantctl watch
  tenantctl watch --keep-alive --threshold 5m`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Bool("keep-alive", false, "renew the access token before it expires")
	watchCmd.Flags().Duration("interval", daemon.DefaultCheckInterval, "how often to check the token expiry")
	watchCmd.Flags().Duration("threshold", 0, "renew when the token expires within this window (default 10m)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	keepAlive, _ := cmd.Flags().GetBool("keep-alive")
	interval, _ := cmd.Flags().GetDuration("interval")
	threshold, _ := cmd.Flags().GetDuration("threshold")

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "%s  %s\n", time.Now().Format(time.TimeOnly), c.Session().State())
	unsub := c.Session().Subscribe(func(ch session.Change) {
		fmt.Fprintf(out, "%s  %s -> %s (%s)\n", time.Now().Format(time.TimeOnly), ch.From, ch.To, ch.Reason)
	})
	defer unsub()

	if cfg.Watch.Enabled {
		if err := c.WatchStore(ctx, nil); err != nil {
			logger.Warn("not following store changes", "error", err)
		}
	}

	if !keepAlive {
		<-ctx.Done()
		return nil
	}
	d := daemon.New(c.Store(), c.Renewals(), daemon.Config{
		CheckInterval:    interval,
		RefreshThreshold: threshold,
		Logger:           logger,
	})
	return d.Run(ctx)
}
