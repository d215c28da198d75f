// MindFlora CLI - talk to a running daemon and connect Google accounts.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mindflora/mindflora/internal/agent"
	"github.com/mindflora/mindflora/internal/config"
	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/spaces"
	"github.com/mindflora/mindflora/internal/spaces/calendar"
	"github.com/mindflora/mindflora/internal/spaces/gmail"
)

var (
	serverURL  string
	userID     string
	configPath string
	timeout    time.Duration

	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mf",
		Short: "MindFlora - chat with your assistant from the terminal",
		Long: `mf talks to a running mindflora daemon.

Chat turns go through the same intent classification and action
dispatch as the web app: ask it to text you, email you, or book
something on your calendar.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("MINDFLORA_URL", "http://localhost:8080"), "daemon URL")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", os.Getenv("MINDFLORA_USER"), "user ID")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 90*time.Second, "request timeout")

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(testSMSCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(deliveriesCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func client() *Client {
	return NewClient(serverURL, timeout)
}

func requireUser() (core.UserID, error) {
	if userID == "" {
		return "", errors.New("--user is required (or set MINDFLORA_USER)")
	}
	return core.UserID(userID), nil
}

// chatCmd starts an interactive conversation
func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := requireUser()
			if err != nil {
				return err
			}
			session := agent.NewChatSession(client(), uid)
			return session.RunInteractive(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// sendCmd sends a single message
func sendCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := requireUser()
			if err != nil {
				return err
			}
			resp, err := agent.NewChatSession(client(), uid).SendMessage(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			fmt.Fprintln(out, resp.Response)
			agent.PrintOutcomes(out, resp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	return cmd
}

func testSMSCmd() *cobra.Command {
	var phone, message string
	cmd := &cobra.Command{
		Use:   "test-sms",
		Short: "Send a test SMS through the provider chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := requireUser()
			if err != nil {
				return err
			}
			res, err := client().TestSMS(cmd.Context(), agent.TestSMSRequest{
				UserID:  uid,
				Phone:   phone,
				Message: message,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case res.Simulated:
				fmt.Fprintln(out, "⚠️  No SMS provider configured - send was simulated")
			case res.Status == core.StatusSuccess:
				fmt.Fprintf(out, "✅ Sent via %s\n", res.ProviderUsed)
			default:
				fmt.Fprintf(out, "❌ %s: %s\n", res.Status, res.Error)
			}
			for _, a := range res.Attempts {
				line := fmt.Sprintf("   %s: %s", a.ProviderID, a.Outcome)
				if a.Error != "" {
					line += " (" + a.Error + ")"
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "destination (defaults to the stored number)")
	cmd.Flags().StringVar(&message, "message", "", "message text")
	return cmd
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show SMS providers and remaining quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, simulated, err := client().Providers(cmd.Context())
			if err != nil {
				return err
			}
			if simulated {
				fmt.Fprintln(cmd.OutOrStdout(), "No SMS provider configured; SMS results are simulated")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tCLASS\tREMAINING\tEXHAUSTED")
			for _, s := range statuses {
				remaining := "unlimited"
				if s.Quota.Limit > 0 {
					remaining = strconv.Itoa(s.Remaining)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", s.ID, s.Class, remaining, s.Quota.Exhausted)
			}
			return w.Flush()
		},
	}
}

func deliveriesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deliveries [request-id]",
		Short: "Show recorded SMS delivery attempts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var requestID string
			if len(args) == 1 {
				requestID = args[0]
			}
			records, err := client().Deliveries(cmd.Context(), requestID, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No delivery attempts recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tREQUEST\tUSER\tPROVIDER\tOUTCOME\tERROR")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.At.Local().Format("2006-01-02 15:04:05"), r.RequestID, r.UserID, r.ProviderID, r.Outcome, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max attempts when no request ID is given")
	return cmd
}

// profileCmd shows and edits the stored profile
func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show the stored profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := requireUser()
			if err != nil {
				return err
			}
			p, err := client().Profile(cmd.Context(), uid)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "👤 %s\n", uid)
			fmt.Fprintf(out, "   Name:    %s\n", orDash(p.FirstName))
			fmt.Fprintf(out, "   Phone:   %s\n", orDash(p.Phone))
			fmt.Fprintf(out, "   Email:   %s\n", orDash(p.Email))
			fmt.Fprintf(out, "   Carrier: %s\n", orDash(p.Carrier))
			for k, v := range p.Preferences {
				fmt.Fprintf(out, "   %s = %v\n", k, v)
			}
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set key=value...",
		Short: "Set preferences",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := requireUser()
			if err != nil {
				return err
			}
			prefs, err := parsePreferences(args)
			if err != nil {
				return err
			}
			updated, err := client().SetPreferences(cmd.Context(), uid, prefs)
			if err != nil {
				return err
			}
			if updated {
				fmt.Fprintln(cmd.OutOrStdout(), "✅ Preferences updated")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Preferences unchanged")
			}
			return nil
		},
	}

	cmd.AddCommand(setCmd)
	return cmd
}

// parsePreferences turns key=value pairs into a map. Values that parse as
// JSON scalars (true, 3, "x") keep their type; anything else is a string.
func parsePreferences(args []string) (map[string]any, error) {
	prefs := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		prefs[key] = v
	}
	return prefs, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// connectCmd runs the Google OAuth flow and saves the token where the
// daemon looks for it
func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "connect [calendar|gmail]",
		Short:     "Connect a Google account",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"calendar", "gmail"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			var scopes []string
			var tokenPath string
			switch args[0] {
			case "calendar":
				scopes, tokenPath = calendar.Scopes, cfg.CalendarTokenPath()
			case "gmail":
				scopes, tokenPath = gmail.Scopes, cfg.GmailTokenPath()
			default:
				return fmt.Errorf("unknown account %q (want calendar or gmail)", args[0])
			}

			clientID := cfg.Calendar.ClientID
			if clientID == "" {
				fmt.Print("Google OAuth client ID: ")
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil {
					return fmt.Errorf("read client ID: %w", err)
				}
				clientID = strings.TrimSpace(line)
			}
			clientSecret := cfg.Calendar.ClientSecret
			if clientSecret == "" {
				fmt.Print("Google OAuth client secret: ")
				secret, err := term.ReadPassword(int(os.Stdin.Fd()))
				if err != nil {
					return fmt.Errorf("read client secret: %w", err)
				}
				fmt.Println()
				clientSecret = strings.TrimSpace(string(secret))
			}

			oauth := spaces.NewOAuth(spaces.OAuthConfig{
				ClientID:     clientID,
				ClientSecret: clientSecret,
				Scopes:       scopes,
			})
			if !oauth.IsConfigured() {
				return errors.New("client ID and secret are required")
			}

			token, err := oauth.Authorize(cmd.Context(), cmd.OutOrStdout(), 5*time.Minute)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(tokenPath), 0700); err != nil {
				return err
			}
			if err := spaces.SaveToken(tokenPath, token); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s connected. Token saved to %s\n", args[0], tokenPath)
			fmt.Fprintln(cmd.OutOrStdout(), "   Restart the daemon to pick it up.")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "daemon config file (for client credentials and data dir)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show mf version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mf %s\n", version)
		},
	}
}
