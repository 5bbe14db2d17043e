package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Dicklesworthstone/tenantctl/internal/db"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent session activity",
	Long: `Show recent sign-ins, renewals and organization switches from the local
activity log.

Examples:
  tenantctl history                    # Show last 20 events
  tenantctl history --limit 50         # Show last 50 events
  tenantctl history --type refresh_failed --since 24h`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "maximum number of events to show")
	historyCmd.Flags().String("type", "", "only show events of this type")
	historyCmd.Flags().Duration("since", 0, "only show events newer than this, e.g. 24h")
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	eventType, _ := cmd.Flags().GetString("type")
	window, _ := cmd.Flags().GetDuration("since")

	var since time.Time
	if window > 0 {
		since = time.Now().Add(-window)
	}

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	events, err := c.History(eventType, since, limit)
	if err != nil {
		return fmt.Errorf("get events: %w", err)
	}

	return emit(cmd, events, func(w io.Writer) error {
		if len(events) == 0 {
			_, err := fmt.Fprintln(w, "No events recorded.")
			return err
		}
		return renderEventList(w, events)
	})
}

func renderEventList(w io.Writer, events []db.Event) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIMESTAMP\tTYPE\tSUBJECT\tORGANIZATION")
	for _, ev := range events {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
			ev.Type,
			orDash(ev.Subject),
			orDash(ev.OrganizationID),
		)
	}
	return tw.Flush()
}
