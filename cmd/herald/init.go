package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/foxzi/herald/internal/config"
)

var (
	initHostname    string
	initOutput      string
	initAPIKey      string
	initHashKey     bool
	initDataDir     string
	initAccount     string
	initRegion      string
	initMode        string
	initProviderURL string
	initForce       bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Herald configuration",
	Long: `Interactive wizard to create a Herald configuration file.

Examples:
  # Interactive mode - prompts for missing values
  herald init

  # Account backed by a messaging gateway
  herald init --account main --mode http --provider-url http://gateway:3000

  # Quick setup for testing, messages are captured instead of sent
  herald init --account test --mode sandbox -o test.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initHostname, "hostname", "", "Server hostname (default: os hostname)")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().BoolVar(&initHashKey, "hash-key", false, "Store a bcrypt hash of the API key instead of the key")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/herald", "Data directory for the database")
	initCmd.Flags().StringVar(&initAccount, "account", "", "First account id")
	initCmd.Flags().StringVar(&initRegion, "region", "US", "Default region for numbers without a country code")
	initCmd.Flags().StringVar(&initMode, "mode", "", "Provider mode: http, sandbox")
	initCmd.Flags().StringVar(&initProviderURL, "provider-url", "", "Gateway base URL for http mode")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Herald Configuration Wizard")
	fmt.Println("===========================")
	fmt.Println()

	if initHostname == "" {
		hostname, _ := os.Hostname()
		initHostname = prompt(reader, "Server hostname", hostname)
	}

	initDataDir = prompt(reader, "Data directory", initDataDir)

	if initAccount == "" {
		initAccount = prompt(reader, "Account id", "main")
	}

	if initMode == "" {
		initMode = prompt(reader, "Provider mode (http, sandbox)", config.ProviderSandbox)
	}
	if initMode != config.ProviderHTTP && initMode != config.ProviderSandbox {
		return fmt.Errorf("invalid mode %q (must be http or sandbox)", initMode)
	}

	if initMode == config.ProviderHTTP && initProviderURL == "" {
		initProviderURL = prompt(reader, "Gateway base URL", "http://127.0.0.1:3000")
	}

	if initAPIKey == "" && term.IsTerminal(int(syscall.Stdin)) {
		fmt.Print("API key (leave empty to generate): ")
		keyBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("failed to read API key: %w", err)
		}
		fmt.Println()
		initAPIKey = strings.TrimSpace(string(keyBytes))
	}
	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	keyLine := fmt.Sprintf("api_key: %q", initAPIKey)
	if initHashKey {
		hash, err := bcrypt.GenerateFromPassword([]byte(initAPIKey), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash API key: %w", err)
		}
		keyLine = fmt.Sprintf("api_key_hash: %q", string(hash))
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig(keyLine)), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	printNextSteps()
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// generateConfig renders the config file; keyLine is the api_key or api_key_hash entry
func generateConfig(keyLine string) string {
	var provider string
	if initMode == config.ProviderHTTP {
		provider = fmt.Sprintf(`      mode: http
      base_url: %q
      # api_key: ""
      timeout: 30s`, initProviderURL)
	} else {
		provider = `      mode: sandbox
      sandbox:
        auto_pair: true
        pair_delay: 1s
        auto_receipts: true
        receipt_delay: 2s
        error_probability: 0`
	}

	return fmt.Sprintf(`# Herald configuration
server:
  hostname: %q
  shutdown_timeout: 30s

api:
  listen_addr: ":8080"
  %s
  rate_limit:
    enabled: true
    requests_per_second: 10
    burst: 20
  # callback:
  #   secret: ""

storage:
  path: %q
  retention:
    schedule: "@every 1h"
    completed_max_age: 720h

logging:
  level: info
  format: json

metrics:
  enabled: false
  listen_addr: ":9090"
  path: /metrics
  allowed_ips:
    - 127.0.0.1

session:
  pairing_timeout: 120s

dispatcher:
  retry_interval: 30s
  max_retries: 3

rate_limit:
  messages_per_minute: 20
  window: 1m
  jitter_min: 2s
  jitter_max: 8s

presence:
  enabled: true
  online_window: 30s

campaigns:
  evaluation_window_minutes: 60

accounts:
  - id: %q
    default_region: %q
    auto_start: true
    provider:
%s
`, initHostname, keyLine, filepath.Join(initDataDir, "herald.db"), initAccount, strings.ToUpper(initRegion), provider)
}

func printNextSteps() {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Validate the configuration:")
	fmt.Printf("   herald config validate -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("2. Start the server:")
	fmt.Printf("   herald serve -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("3. Pair the account:")
	fmt.Printf("   herald session start %s -c %s\n", initAccount, initOutput)
	fmt.Println()
	fmt.Println("4. Submit a campaign:")
	fmt.Println("   curl -X POST http://localhost:8080/api/v1/campaigns/create \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\" \\\n", initAPIKey)
	fmt.Println("     -H \"Content-Type: application/json\" \\")
	fmt.Printf("     -d '{\"name\": \"hello\", \"account_id\": \"%s\", \"message_variants\": [{\"variant_name\": \"A\", \"type\": \"text\", \"content\": {\"text\": \"Hello!\"}}], \"audience\": {\"contacts\": [{\"phone\": \"+15551234567\"}]}}'\n", initAccount)
	fmt.Println()
	fmt.Println("Credentials")
	fmt.Println("-----------")
	fmt.Printf("API Key: %s\n", initAPIKey)
	fmt.Println()
}
