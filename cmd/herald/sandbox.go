package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/herald/internal/sandbox"
)

var (
	sandboxAccount   string
	sandboxTo        string
	sandboxLimit     int
	sandboxShowJSON  bool
	sandboxOlderThan time.Duration
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect messages captured by sandbox accounts",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages",
	RunE:  runSandboxList,
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show a captured message",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxShow,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear captured messages",
	RunE:  runSandboxClear,
}

var sandboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sandbox statistics",
	RunE:  runSandboxStats,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxAccount, "account", "", "Filter by account")
	sandboxListCmd.Flags().StringVar(&sandboxTo, "to", "", "Filter by recipient phone")
	sandboxListCmd.Flags().IntVar(&sandboxLimit, "limit", 50, "Maximum number of messages")

	sandboxShowCmd.Flags().BoolVar(&sandboxShowJSON, "json", false, "Print the raw JSON record")

	sandboxClearCmd.Flags().StringVar(&sandboxAccount, "account", "", "Clear only this account")
	sandboxClearCmd.Flags().DurationVar(&sandboxOlderThan, "older-than", 0, "Clear only messages older than this (e.g. 72h)")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxShowCmd, sandboxClearCmd, sandboxStatsCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func openSandboxStorage() (*sandbox.Storage, *bolt.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := bolt.Open(cfg.Storage.Path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage, err := sandbox.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create sandbox storage: %w", err)
	}

	return storage, db, nil
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	messages, err := storage.List(context.Background(), sandbox.ListFilter{
		AccountID: sandboxAccount,
		To:        sandboxTo,
		Limit:     sandboxLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("No messages in sandbox")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tACCOUNT\tTO\tTYPE\tCAPTURED\tRESULT")
	fmt.Fprintln(w, "---\t-------\t--\t----\t--------\t------")

	for _, msg := range messages {
		result := msg.ProviderMessageID
		if msg.SimulatedErr != "" {
			result = "error: " + truncate(msg.SimulatedErr, 40)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(msg.ID),
			msg.AccountID,
			msg.To,
			msg.Type,
			msg.CapturedAt.Format("2006-01-02 15:04:05"),
			result,
		)
	}

	w.Flush()
	fmt.Printf("\nShowing: %d messages\n", len(messages))
	return nil
}

func runSandboxShow(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	msg, err := storage.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("message not found: %s", args[0])
	}

	if sandboxShowJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(msg)
	}

	fmt.Printf("Job:       %s\n", msg.ID)
	fmt.Printf("Account:   %s\n", msg.AccountID)
	fmt.Printf("To:        %s\n", msg.To)
	fmt.Printf("Type:      %s\n", msg.Type)
	fmt.Printf("Captured:  %s\n", msg.CapturedAt.Format(time.RFC3339))
	if msg.ProviderMessageID != "" {
		fmt.Printf("Provider:  %s\n", msg.ProviderMessageID)
	}
	if msg.SimulatedErr != "" {
		fmt.Printf("Error:     %s\n", msg.SimulatedErr)
	}

	c := msg.Content
	fmt.Println("\nContent:")
	if c.Text != "" {
		fmt.Printf("  Text:     %s\n", c.Text)
	}
	if c.MediaURL != "" {
		fmt.Printf("  Media:    %s (%s)\n", c.MediaURL, c.MimeType)
	}
	if c.Caption != "" {
		fmt.Printf("  Caption:  %s\n", c.Caption)
	}
	if c.TemplateName != "" {
		fmt.Printf("  Template: %s %v\n", c.TemplateName, c.TemplateParams)
	}

	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := storage.Clear(context.Background(), sandboxAccount, sandboxOlderThan)
	if err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	fmt.Printf("Deleted %d messages\n", n)
	return nil
}

func runSandboxStats(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := storage.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Println("Sandbox Statistics")
	fmt.Println("==================")
	fmt.Printf("Total:  %d\n", stats.Total)
	fmt.Printf("Failed: %d\n", stats.Failed)
	if stats.Total > 0 {
		fmt.Printf("Oldest: %s\n", stats.OldestAt.Format(time.RFC3339))
		fmt.Printf("Newest: %s\n", stats.NewestAt.Format(time.RFC3339))
	}

	if len(stats.ByAccount) > 0 {
		fmt.Println("\nBy account:")
		for _, k := range sortedKeys(stats.ByAccount) {
			fmt.Printf("  %-20s %d\n", k, stats.ByAccount[k])
		}
	}
	if len(stats.ByType) > 0 {
		fmt.Println("\nBy type:")
		for _, k := range sortedKeys(stats.ByType) {
			fmt.Printf("  %-20s %d\n", k, stats.ByType[k])
		}
	}

	return nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
