package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var (
	submitAddr        string
	submitAutoApprove bool
)

var submitCmd = &cobra.Command{
	Use:   "submit [message]",
	Short: "Submit a workflow to a running daemon",
	Long: `Submit a natural-language request to a running cadre daemon and print
the created workflow as JSON.

The daemon classifies the request, picks a plan template, and starts
executing. Follow progress with the SSE stream or 'cadre plans' to see
which template will match.

Examples:
  # Submit against the configured address
  cadre submit "scan the staging subnet for open ports"

  # Pre-approve gated steps
  cadre submit --auto-approve "restart the ingest service"

  # Target another daemon
  cadre submit --addr localhost:8080 "summarize recent failures"

  # Parse the id with jq
  cadre submit "list files" | jq -r '.workflow_id'`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVar(&submitAddr, "addr", "", "Daemon address (overrides config)")
	submitCmd.Flags().BoolVar(&submitAutoApprove, "auto-approve", false, "Resolve gated steps without waiting")
}

func runSubmit(_ *cobra.Command, args []string) error {
	addr := submitAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	// A bare ":port" listen address needs a host to dial.
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	body, err := json.Marshal(map[string]any{
		"user_message": args[0],
		"auto_approve": submitAutoApprove,
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	resp, err := http.Post("http://"+addr+"/workflows", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("contacting daemon at %s: %w\nIs 'cadre daemon' running?", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(out)))
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, out, "", "  ") != nil {
		fmt.Println(strings.TrimSpace(string(out)))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
