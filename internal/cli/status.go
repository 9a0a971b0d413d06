package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/harun/conduit/pkg/approval"
	"github.com/harun/conduit/pkg/gateway"
	"github.com/harun/conduit/pkg/session"
)

var statusTimeout time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Long: `Show whether the gateway started by conduit serve is running, with its
active sessions and pending tool approvals.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 3*time.Second, "timeout for gateway queries")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := pidFilePath(cfg.DataDir)
	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := readPIDFile(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()

	client := newRPCClient(gatewayURL(cfg.Gateway.Host, cfg.Gateway.Port))
	fmt.Fprintf(out, "Gateway: %s\n", client.baseURL)
	return printGatewayState(ctx, out, client)
}

func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	return t
}

func printGatewayState(ctx context.Context, out io.Writer, client *rpcClient) error {
	var sessions struct {
		Sessions []session.Info `json:"sessions"`
	}
	if err := client.Call(ctx, "sessions.list", nil, &sessions); err != nil {
		return fmt.Errorf("gateway not reachable: %w", err)
	}

	var approvals struct {
		Approvals []approval.PendingInfo `json:"approvals"`
	}
	if err := client.Call(ctx, "approvals.list", map[string]interface{}{}, &approvals); err != nil {
		return fmt.Errorf("failed to list approvals: %w", err)
	}

	fmt.Fprintf(out, "Active sessions: %d\n", len(sessions.Sessions))
	if len(sessions.Sessions) > 0 {
		t := newTable(out)
		t.AppendHeader(table.Row{"Session", "Provider", "Status", "Age"})
		for _, s := range sessions.Sessions {
			t.AppendRow(table.Row{s.ID, s.Provider, s.Status, formatDuration(time.Since(s.StartedAt))})
		}
		t.Render()
	}

	fmt.Fprintf(out, "Pending approvals: %d\n", len(approvals.Approvals))
	if len(approvals.Approvals) > 0 {
		t := newTable(out)
		t.AppendHeader(table.Row{"Request", "Tool", "Session", "Expires In"})
		for _, a := range approvals.Approvals {
			t.AppendRow(table.Row{a.RequestID, a.ToolName, a.SessionID, formatDuration(time.Until(a.ExpiresAt))})
		}
		t.Render()
	}
	return nil
}

func gatewayURL(host string, port int) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// rpcClient calls gateway methods over the /rpc endpoint.
type rpcClient struct {
	baseURL string
	http    *http.Client
	nextID  int
}

func newRPCClient(baseURL string) *rpcClient {
	return &rpcClient{baseURL: baseURL, http: &http.Client{}}
}

// Call invokes method and decodes its result into out.
func (c *rpcClient) Call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	c.nextID++
	body, err := json.Marshal(gateway.RPCRequest{
		ID:      "status-" + strconv.Itoa(c.nextID),
		Method:  method,
		Params:  params,
		JSONRPC: "2.0",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage   `json:"result"`
		Error  *gateway.RPCError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("invalid response (HTTP %d): %w", resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
