package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/herald/internal/api"
	"github.com/foxzi/herald/internal/app"
	"github.com/foxzi/herald/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "herald",
	Short: "Herald - campaign delivery engine",
	Long: `Herald delivers outbound messaging campaigns through paired
messaging accounts, with per-account pacing, priority queues and A/B tests.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the delivery engine",
	Long:  `Start the dispatchers, the HTTP API and, when enabled, the metrics server.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file and list its accounts",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("herald version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	api.Version = version

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration is valid")
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Hostname:\t%s\n", cfg.Server.Hostname)
	fmt.Fprintf(w, "API:\t%s\n", cfg.API.ListenAddr)
	fmt.Fprintf(w, "Storage:\t%s\n", cfg.Storage.Path)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "Metrics:\t%s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}
	w.Flush()

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tMODE\tREGION\tAUTO START")
	for _, acc := range cfg.Accounts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", acc.ID, acc.Provider.Mode, acc.DefaultRegion, acc.AutoStart)
	}
	return w.Flush()
}
