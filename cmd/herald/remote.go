package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/client"
	"github.com/foxzi/herald/internal/session"
)

var (
	apiURL      string
	apiKey      string
	submitFile  string
	submitDraft bool
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage account sessions on a running server",
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show dispatcher queues of a running server",
	RunE:  runQueue,
}

var campaignSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a campaign from a JSON file to a running server",
	RunE:  runCampaignSubmit,
}

var campaignEvaluateCmd = &cobra.Command{
	Use:   "evaluate <campaign_id>",
	Short: "Evaluate the experiment of a campaign now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remoteClient()
		if err != nil {
			return err
		}
		d, err := c.Evaluate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Phase: %s  suggested: %s  winner: %s  promoted: %d\n", d.Phase, orDash(d.Suggested), orDash(d.Winner), d.Promoted)
		return nil
	},
}

var campaignPromoteCmd = &cobra.Command{
	Use:   "promote <campaign_id> <variant>",
	Short: "Send a variant to the remaining audience",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remoteClient()
		if err != nil {
			return err
		}
		d, err := c.Promote(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Promoted %s to %d recipients\n", d.Winner, d.Promoted)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API base URL (default: derived from api.listen_addr)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default: api.api_key from config)")

	for _, op := range []string{"start", "stop", "status"} {
		sessionCmd.AddCommand(sessionOpCmd(op))
	}

	campaignSubmitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "campaign JSON file (- for stdin)")
	campaignSubmitCmd.Flags().BoolVar(&submitDraft, "draft", false, "store as draft without activating")
	campaignSubmitCmd.MarkFlagRequired("file")

	for _, action := range []string{client.ActionActivate, client.ActionPause, client.ActionResume, client.ActionCancel} {
		campaignCmd.AddCommand(campaignActionCmd(action))
	}
	campaignCmd.AddCommand(campaignSubmitCmd, campaignEvaluateCmd, campaignPromoteCmd)

	rootCmd.AddCommand(sessionCmd, queueCmd)
}

// remoteClient resolves the API address from flags, falling back to the config file
func remoteClient() (*client.Client, error) {
	url, key := apiURL, apiKey
	if url == "" || key == "" {
		if cfgFile != "" {
			cfg, err := loadConfig()
			if err != nil {
				return nil, err
			}
			if url == "" {
				url = baseURL(cfg.API.ListenAddr)
			}
			if key == "" {
				key = cfg.API.APIKey
			}
		}
	}
	if url == "" {
		return nil, fmt.Errorf("API address is required (use --api-url or -c)")
	}
	return client.New(url, key), nil
}

// baseURL turns a listen address such as ":8080" into a dialable URL
func baseURL(listenAddr string) string {
	host := listenAddr
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	host = strings.Replace(host, "0.0.0.0:", "127.0.0.1:", 1)
	return "http://" + host
}

func sessionOpCmd(op string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <account>",
		Short: strings.ToUpper(op[:1]) + op[1:] + " the session of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remoteClient()
			if err != nil {
				return err
			}
			st, err := c.Session(cmd.Context(), args[0], op)
			if err != nil {
				return err
			}
			printState(st)
			return nil
		},
	}
}

func printState(st *session.State) {
	fmt.Printf("Account: %s\n", st.AccountID)
	fmt.Printf("Status:  %s\n", st.Status)
	if st.QR != "" {
		fmt.Printf("Code:    %s\n", st.QR)
	}
	if st.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", st.ExpiresAt.Format(time.RFC3339))
	}
	if st.PhoneNumber != "" {
		fmt.Printf("Phone:   %s\n", st.PhoneNumber)
	}
	if st.Message != "" {
		fmt.Printf("Message: %s\n", st.Message)
	}
}

func campaignActionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <campaign_id>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a campaign on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remoteClient()
			if err != nil {
				return err
			}
			sum, err := c.Action(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			fmt.Printf("Campaign %s is %s\n", sum.ID, sum.Status)
			return nil
		},
	}
}

func runCampaignSubmit(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if submitFile == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(submitFile)
	}
	if err != nil {
		return fmt.Errorf("failed to read campaign: %w", err)
	}

	var camp campaign.Campaign
	if err := json.Unmarshal(data, &camp); err != nil {
		return fmt.Errorf("failed to parse campaign: %w", err)
	}

	c, err := remoteClient()
	if err != nil {
		return err
	}
	created, err := c.CreateCampaign(cmd.Context(), &camp, submitDraft)
	if err != nil {
		return err
	}

	fmt.Printf("Campaign created: %s\n", created.ID)
	fmt.Printf("  Status:     %s\n", created.Status)
	fmt.Printf("  Recipients: %d\n", created.AudienceSize)
	if created.Rejected > 0 {
		fmt.Printf("  Rejected:   %d\n", created.Rejected)
	}
	return nil
}

func runQueue(cmd *cobra.Command, args []string) error {
	c, err := remoteClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	resp, err := c.Queue(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tREADY\tWAITING\tPARKED\tTASKS\tIN FLIGHT")
	fmt.Fprintln(w, "-------\t-----\t-------\t------\t-----\t---------")
	for _, s := range resp.Accounts {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%v\n", s.AccountID, s.Ready, s.Waiting, s.Parked, s.Tasks, s.InFlight)
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
