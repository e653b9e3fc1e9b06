package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/cellshot/internal/storage"
	"github.com/gateway-fm/cellshot/internal/transport"
)

var cursorOrder = []string{
	storage.CursorTip,
	storage.CursorChain,
	storage.CursorTurn,
	storage.CursorHarvested,
	storage.CursorHarvestChecked,
}

// RegisterTools registers the harness tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("shot_status",
		gomcp.WithDescription("Get harness status: send outcomes, in-flight sends, ledger cursors, unspent outputs, turn and recent-window throughput and latency, and the latest message of every worker."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, _, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Harness unreachable: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("shot_health",
		gomcp.WithDescription("Quick readiness check for the harness. Reports chain follower progress and node connectivity."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, _, err := client.Get(ctx, "/ready", http.StatusServiceUnavailable)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Harness unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func formatStatus(raw json.RawMessage) string {
	var st transport.Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	state := "READY"
	if !st.Ready {
		state = "SYNCING"
	}

	out := joinLines(
		section("Harness: "+state),
		kv("ID", st.ID),
		kv("Instance", st.Instance),
		kv("Endpoints", strings.Join(st.Endpoints, ", ")),
	)

	o := st.Sender.Outcomes
	out += "\n\n" + joinLines(
		section("Sender"),
		kv("Batch", st.Sender.Batch),
		kv("Sent", formatNumber(o.Sent)),
		kv("Passed", formatNumber(o.Passed)),
		kv("Failed", formatNumber(o.Failed)),
		kv("In Flight", fmt.Sprintf("%s (peak %s)", formatNumber(st.Sender.InFlight), formatNumber(st.Sender.PeakInFlight))),
		kv("Saturated", formatNumber(st.Sender.Saturated)),
		kv("Pending Writes", formatNumber(st.Sender.PendingWrites)),
	)
	if l := st.Sender.SendLatency; l != nil && l.Count > 0 {
		out += "\n" + kv("Send Latency", fmt.Sprintf("p50 %s, p90 %s, p99 %s, max %s",
			formatMs(l.P50), formatMs(l.P90), formatMs(l.P99), formatMs(l.Max)))
	}

	if r := st.Report; r != nil {
		lines := []string{section("Ledger")}
		for _, name := range cursorOrder {
			if h, ok := r.Cursors[name]; ok {
				lines = append(lines, kv(name, formatNumber(h)))
			}
		}
		lines = append(lines,
			kv("Submitted", formatNumber(r.Totals.Submitted)),
			kv("Confirmed (hash)", formatNumber(r.Totals.ConfirmedByHash)),
			kv("Confirmed (chain)", formatNumber(r.Totals.ConfirmedOnChain)),
			kv("Unspent", formatNumber(r.Unspent)),
			"\n"+section("Throughput"),
			kv(fmt.Sprintf("Turn (#%d)", r.Turn.From), r.Turn.String()),
			kv(fmt.Sprintf("Window (#%d)", r.Window.From), r.Window.String()),
		)
		out += "\n\n" + joinLines(lines...)
	}

	if len(st.Workers) > 0 {
		lines := []string{section("Workers")}
		for _, w := range st.Workers {
			lines = append(lines, kv(w.Worker, w.Message))
		}
		out += "\n\n" + joinLines(lines...)
	}

	return out
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("Harness Health: " + state)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			if check, ok := c.(map[string]any); ok {
				name := getStr(check, "name")
				status := getStr(check, "status")
				latencyMs := getNum(check, "latency_ms")
				errMsg := getStr(check, "error")
				line := fmt.Sprintf("  %-15s %s (%dms)", name, status, int64(latencyMs))
				if errMsg != "" {
					line += " - " + errMsg
				}
				lines += "\n" + line
			}
		}
	}

	return lines
}

func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}
