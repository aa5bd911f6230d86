package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/herald/internal/campaign"
)

var (
	campaignListStatus  string
	campaignListAccount string
	campaignListLimit   int
	campaignCountAcct   string
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Inspect stored campaigns",
	Long: `Inspect stored campaigns. These commands open the database directly,
so they only work while the server is stopped.`,
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign details",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count campaigns per status",
	RunE:  runCampaignCount,
}

func init() {
	campaignListCmd.Flags().StringVar(&campaignListStatus, "status", "", "Filter by status (draft, scheduled, running, paused, completed, failed)")
	campaignListCmd.Flags().StringVar(&campaignListAccount, "account", "", "Filter by account")
	campaignListCmd.Flags().IntVar(&campaignListLimit, "limit", 50, "Maximum number of campaigns to show")
	campaignCountCmd.Flags().StringVar(&campaignCountAcct, "account", "", "Only count campaigns of this account")

	campaignCmd.AddCommand(campaignListCmd, campaignShowCmd, campaignCountCmd)
	rootCmd.AddCommand(campaignCmd)
}

func openCampaignStorage() (*campaign.BoltStorage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := campaign.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open campaign storage: %w", err)
	}
	return storage, nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	filter := campaign.ListFilter{
		Status:    campaign.Status(campaignListStatus),
		AccountID: campaignListAccount,
		Limit:     campaignListLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("unknown status %q", campaignListStatus)
	}

	storage, err := openCampaignStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	campaigns, err := storage.List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(campaigns) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACCOUNT\tSTATUS\tMODE\tSENT\tFAILED\tCREATED")
	fmt.Fprintln(w, "--\t----\t-------\t------\t----\t----\t------\t-------")

	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			truncateID(c.ID),
			truncate(c.Name, 30),
			c.AccountID,
			c.Status,
			c.Strategy.Mode,
			c.Metrics.Sent,
			c.AudienceSize,
			c.Metrics.Failed,
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d campaigns\n", len(campaigns))
	return nil
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	storage, err := openCampaignStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	c, err := storage.Get(context.Background(), args[0])
	if errors.Is(err, campaign.ErrNotFound) {
		return fmt.Errorf("campaign not found: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}

	fmt.Printf("Campaign: %s\n\n", c.ID)
	fmt.Printf("Name:      %s\n", c.Name)
	fmt.Printf("Account:   %s\n", c.AccountID)
	fmt.Printf("Owner:     %s\n", c.Owner)
	fmt.Printf("Status:    %s\n", c.Status)
	fmt.Printf("Mode:      %s\n", c.Strategy.Mode)
	fmt.Printf("Priority:  %s\n", c.Priority)
	fmt.Printf("Created:   %s\n", c.CreatedAt.Format(time.RFC3339))
	if c.StartsAt != nil {
		fmt.Printf("Starts:    %s\n", c.StartsAt.Format(time.RFC3339))
	}
	if c.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", c.CompletedAt.Format(time.RFC3339))
	}
	if c.LastError != "" {
		fmt.Printf("\nLast Error:\n  %s\n", c.LastError)
	}

	if e := c.Experiment; e != nil {
		fmt.Println("\nExperiment:")
		fmt.Printf("  Phase:       %s\n", e.Phase)
		fmt.Printf("  Sample size: %d\n", e.SampleSize)
		if e.Suggested != "" {
			fmt.Printf("  Suggested:   %s\n", e.Suggested)
		}
		if e.Winner != "" {
			fmt.Printf("  Winner:      %s\n", e.Winner)
		}
		if len(c.Holdout) > 0 {
			fmt.Printf("  Holdout:     %d\n", len(c.Holdout))
		}
	}
	if c.Rejected > 0 {
		fmt.Printf("\nRejected numbers: %d of %d\n", c.Rejected, c.AudienceSize)
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tTYPE\tRECIPIENTS\tSENT\tDELIVERED\tREAD\tFAILED\tSKIPPED")
	fmt.Fprintln(w, "-------\t----\t----------\t----\t---------\t----\t------\t-------")
	for _, v := range c.Variants {
		m := v.Metrics
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			v.Name, v.Type, len(v.Recipients), m.Sent, m.Delivered, m.Read, m.Failed, m.Skipped)
	}
	m := c.Metrics
	fmt.Fprintf(w, "TOTAL\t\t%d\t%d\t%d\t%d\t%d\t%d\n",
		m.TotalRecipients, m.Sent, m.Delivered, m.Read, m.Failed, m.Skipped)
	w.Flush()

	return nil
}

func runCampaignCount(cmd *cobra.Command, args []string) error {
	storage, err := openCampaignStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	counts, err := storage.Counts(context.Background(), campaignCountAcct)
	if err != nil {
		return fmt.Errorf("failed to count campaigns: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	fmt.Fprintln(w, "------\t-----")
	fmt.Fprintf(w, "draft\t%d\n", counts.Draft)
	fmt.Fprintf(w, "scheduled\t%d\n", counts.Scheduled)
	fmt.Fprintf(w, "running\t%d\n", counts.Running)
	fmt.Fprintf(w, "paused\t%d\n", counts.Paused)
	fmt.Fprintf(w, "completed\t%d\n", counts.Completed)
	fmt.Fprintf(w, "failed\t%d\n", counts.Failed)
	fmt.Fprintf(w, "total\t%d\n", counts.Total)
	w.Flush()

	return nil
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
