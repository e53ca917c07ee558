// Command harvestctl is the operator CLI for a running harvestd: submit
// jobs, inspect runs, and resolve or cancel intervention tasks. It is a
// thin REST client over harvestd's operator API (cmd/harvestd/router.go),
// structured the way the pack's cobra CLIs are (one subcommand per
// operator action, a shared --addr flag bound through viper).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "harvestctl",
		Short: "Operator CLI for harvestd",
	}
	rootCmd.PersistentFlags().String("addr", "http://localhost:8080", "harvestd API base URL")
	_ = viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
	viper.SetEnvPrefix("HARVESTCTL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(
		newSubmitCmd(),
		newRunsCmd(),
		newInterventionCmd(),
		newDomainsCmd(),
		newSessionsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newSubmitCmd() *cobra.Command {
	var targetURL string
	var fields []string
	var engineMode string
	var crawl string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new scrape job",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"target_url":  targetURL,
				"fields":      fields,
				"engine_mode": engineMode,
				"crawl":       crawl,
			}
			return postJSON(cmd, "/api/v1/jobs", body)
		},
	}
	cmd.Flags().StringVar(&targetURL, "url", "", "target URL to scrape (required)")
	cmd.Flags().StringSliceVar(&fields, "field", nil, "field name to extract (repeatable)")
	cmd.Flags().StringVar(&engineMode, "engine", "auto", "auto, http, browser, or provider")
	cmd.Flags().StringVar(&crawl, "crawl", "single", "single or list")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "runs", Short: "Inspect runs"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <job-id> <run-id>",
		Short: "Show a run's current state and attempt history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, fmt.Sprintf("/api/v1/jobs/%s/runs/%s", args[0], args[1]))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "records <job-id> <run-id>",
		Short: "List records a run has extracted so far",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, fmt.Sprintf("/api/v1/jobs/%s/runs/%s/records", args[0], args[1]))
		},
	})
	return cmd
}

func newInterventionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "intervention", Short: "Manage paused runs awaiting human input"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <task-id>",
		Short: "Show an intervention task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, "/api/v1/intervention/tasks/"+args[0])
		},
	})

	var resolverIdentity, note, sessionFile string
	resolveCmd := &cobra.Command{
		Use:   "resolve <task-id>",
		Short: "Resolve a paused task and re-queue its run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"resolver_identity": resolverIdentity,
				"note":              note,
			}
			if sessionFile != "" {
				data, err := os.ReadFile(sessionFile)
				if err != nil {
					return fmt.Errorf("read session file: %w", err)
				}
				var session map[string]interface{}
				if err := json.Unmarshal(data, &session); err != nil {
					return fmt.Errorf("parse session file: %w", err)
				}
				body["captured_session"] = session
			}
			return postJSON(cmd, "/api/v1/intervention/tasks/"+args[0]+"/resolve", body)
		},
	}
	resolveCmd.Flags().StringVar(&resolverIdentity, "identity", "", "operator identity, hashed at rest")
	resolveCmd.Flags().StringVar(&note, "note", "", "resolution note")
	resolveCmd.Flags().StringVar(&sessionFile, "session-file", "", "captured browser session JSON, if this task needed one")
	_ = resolveCmd.MarkFlagRequired("identity")
	cmd.AddCommand(resolveCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending intervention task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(cmd, "/api/v1/intervention/tasks/"+args[0]+"/cancel", nil)
		},
	})
	return cmd
}

func newDomainsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "domains", Short: "Domain intelligence lookups"}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats <domain>",
		Short: "Show learned per-engine stats and classification for a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, "/api/v1/domains/"+args[0])
		},
	})
	return cmd
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Session pool inspection"}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show session pool aggregate stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, "/api/v1/sessions/stats")
		},
	})
	return cmd
}

var httpClient = &http.Client{Timeout: 15 * time.Second}

func getJSON(cmd *cobra.Command, path string) error {
	resp, err := httpClient.Get(viper.GetString("addr") + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(cmd, resp)
}

func postJSON(cmd *cobra.Command, path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	resp, err := httpClient.Post(viper.GetString("addr")+path, "application/json", reader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(cmd, resp)
}

func printResponse(cmd *cobra.Command, resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("harvestd returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if len(data) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	return nil
}
