// relayctl -- command line client for the relayd control endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	appversion "github.com/nettap/relayd/internal/version"
)

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// requestTimeout bounds every control endpoint call.
const requestTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var endpoint string

	rootCmd := &cobra.Command{
		Use:          "relayctl",
		Short:        "Client for the relayd control endpoint.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&endpoint, "endpoint", "e",
		"http://127.0.0.1:6000", "relayd control endpoint base URL")

	rootCmd.AddCommand(
		newPlayersCmd(&endpoint),
		newLoginCmd(&endpoint),
		newLogoutCmd(&endpoint),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		return exitCodeError
	}

	return exitCodeSuccess
}

// -------------------------------------------------------------------------
// Commands
// -------------------------------------------------------------------------

// player mirrors one entry of the GET /api/players response.
type player struct {
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

func newPlayersCmd(endpoint *string) *cobra.Command {
	return &cobra.Command{
		Use:   "players",
		Short: "List currently registered logins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			body, err := doRequest(ctx, http.MethodGet, *endpoint+"/api/players", "")
			if err != nil {
				return err
			}

			var players []player
			if err := json.Unmarshal(body, &players); err != nil {
				return fmt.Errorf("decode players response: %w", err)
			}

			printPlayers(players)
			return nil
		},
	}
}

func newLoginCmd(endpoint *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login <username> [timestamp-ms]",
		Short: "Declare a login for correlation with observed flows",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postIdentity(cmd, *endpoint+"/api/login", args)
		},
	}
}

func newLogoutCmd(endpoint *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logout <username> [timestamp-ms]",
		Short: "Declare a logout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postIdentity(cmd, *endpoint+"/api/logout", args)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("relayctl"))
		},
	}
}

// postIdentity sends a {timestamp, username} declaration. The
// timestamp defaults to now.
func postIdentity(cmd *cobra.Command, url string, args []string) error {
	ts := time.Now().UnixMilli()
	if len(args) == 2 {
		parsed, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", args[1], err)
		}
		ts = parsed
	}

	payload, err := json.Marshal(map[string]any{
		"username":  args[0],
		"timestamp": ts,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	body, err := doRequest(ctx, http.MethodPost, url, string(payload))
	if err != nil {
		return err
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// -------------------------------------------------------------------------
// HTTP Helpers
// -------------------------------------------------------------------------

func doRequest(ctx context.Context, method, url, body string) ([]byte, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	return raw, nil
}

// -------------------------------------------------------------------------
// Output
// -------------------------------------------------------------------------

func printPlayers(players []player) {
	if len(players) == 0 {
		fmt.Println("no registered logins")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader([]string{"Username", "Login Time"})

	for _, p := range players {
		table.Append([]string{
			p.Username,
			time.UnixMilli(p.Timestamp).Local().Format(time.RFC3339),
		})
	}

	table.Render()
}
