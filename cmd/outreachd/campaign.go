package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"outreachd/internal/config"
	"outreachd/internal/models"
	"outreachd/internal/store"
)

var campaignMessagesStatus string

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign inspection commands",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:     "show <campaign_id>",
	Aliases: []string{"stats"},
	Short:   "Show campaign details and counters",
	Args:    cobra.ExactArgs(1),
	RunE:    runCampaignShow,
}

var campaignMessagesCmd = &cobra.Command{
	Use:   "messages <campaign_id>",
	Short: "List a campaign's messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignMessages,
}

func init() {
	campaignMessagesCmd.Flags().StringVar(&campaignMessagesStatus, "status", "", "Filter by status (pending, sent, failed, replied)")

	campaignCmd.AddCommand(campaignListCmd, campaignShowCmd, campaignMessagesCmd)
	rootCmd.AddCommand(campaignCmd)
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	st, err := store.Open(cfg.Storage.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return st, nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	campaigns, err := st.ListCampaigns(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(campaigns) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTOTAL\tPENDING\tSENT\tFAILED\tREPLIED\tCREATED")
	fmt.Fprintln(w, "--\t----\t------\t-----\t-------\t----\t------\t-------\t-------")

	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			truncateID(c.ID),
			c.Name,
			c.Status,
			c.Counters.Total,
			c.Counters.Pending,
			c.Counters.Sent,
			c.Counters.Failed,
			c.Counters.Replied,
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d campaigns\n", len(campaigns))

	return nil
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	c, err := st.GetCampaign(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}

	fmt.Printf("Campaign: %s\n\n", c.ID)
	fmt.Printf("Name:        %s\n", c.Name)
	fmt.Printf("Status:      %s\n", c.Status)
	fmt.Printf("Created:     %s\n", c.CreatedAt.Format(time.RFC3339))
	if c.StartedAt != nil {
		fmt.Printf("Started:     %s\n", c.StartedAt.Format(time.RFC3339))
	}
	if c.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", c.CompletedAt.Format(time.RFC3339))
	}
	fmt.Printf("Rate:        %d msg/hour, jitter %d-%ds\n",
		c.RateLimit.MessagesPerHour, c.RateLimit.DelayMinSeconds, c.RateLimit.DelayMaxSeconds)
	if c.RateLimit.PauseAfter > 0 {
		fmt.Printf("Batch pause: %s after every %d messages\n",
			c.RateLimit.PauseDuration(), c.RateLimit.PauseAfter)
	}
	if c.RateLimit.NightModeEnabled {
		fmt.Printf("Night mode:  %02d:00-%02d:00\n", c.RateLimit.NightStartHour, c.RateLimit.NightEndHour)
	}
	fmt.Printf("\nMessages:    %d total, %d pending, %d sent, %d failed, %d replied\n",
		c.Counters.Total, c.Counters.Pending, c.Counters.Sent, c.Counters.Failed, c.Counters.Replied)

	return nil
}

func runCampaignMessages(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	msgs, err := st.ListMessages(context.Background(), args[0], models.MessageStatus(campaignMessagesStatus))
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(msgs) == 0 {
		fmt.Println("No messages")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRECIPIENT\tSTATUS\tRETRIES\tERROR\tSENT")
	fmt.Fprintln(w, "--\t---------\t------\t-------\t-----\t----")

	for _, m := range msgs {
		sent := "-"
		if m.SentAt != nil {
			sent = m.SentAt.Format("2006-01-02 15:04")
		}
		errType := m.ErrorType
		if errType == "" {
			errType = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(m.ID),
			m.Recipient,
			m.Status,
			m.RetryCount,
			errType,
			sent,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d messages\n", len(msgs))

	return nil
}

// truncateID shortens a uuid for table output
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
