package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/ratelimit"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Rate limit management commands",
}

var ratelimitShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show rate limit settings and the current window of every account",
	RunE:  runRatelimitShow,
}

var ratelimitResetCmd = &cobra.Command{
	Use:   "reset <account>",
	Short: "Clear the send window of an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runRatelimitReset,
}

func init() {
	ratelimitCmd.AddCommand(ratelimitShowCmd, ratelimitResetCmd)
	rootCmd.AddCommand(ratelimitCmd)
}

func runRatelimitShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rl := cfg.RateLimit

	fmt.Println("Rate Limiting Configuration")
	fmt.Println("===========================")
	if rl.MessagesPerMinute > 0 {
		fmt.Printf("Default budget: %d messages per %s\n", rl.MessagesPerMinute, rl.Window)
	} else {
		fmt.Println("Default budget: unlimited (campaigns may still set one)")
	}
	fmt.Printf("Random spacing: %s to %s\n\n", rl.JitterMin, rl.JitterMax)

	storage, err := campaign.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer storage.Close()

	limiter, err := ratelimit.NewLimiter(storage.DB(), &rl)
	if err != nil {
		return fmt.Errorf("failed to open rate limiter: %w", err)
	}
	defer limiter.Stop()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tIN WINDOW\tOLDEST\tNEXT FREE")
	fmt.Fprintln(w, "-------\t---------\t------\t---------")
	for _, acc := range cfg.Accounts {
		s := limiter.GetStats(context.Background(), acc.ID)
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.AccountID, s.InWindow, formatTime(s.Oldest), formatTime(s.NextFree))
	}
	w.Flush()

	return nil
}

func runRatelimitReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, ok := cfg.Account(args[0]); !ok {
		return fmt.Errorf("unknown account: %s", args[0])
	}

	storage, err := campaign.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer storage.Close()

	limiter, err := ratelimit.NewLimiter(storage.DB(), &cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("failed to open rate limiter: %w", err)
	}
	defer limiter.Stop()

	if err := limiter.Reset(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to reset: %w", err)
	}

	fmt.Printf("Rate limit window cleared for %s\n", args[0])
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
