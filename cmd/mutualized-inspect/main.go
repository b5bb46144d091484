// Command mutualized-inspect exposes a running mutualized-server's debug
// snapshot (open documents, registrations) as MCP tools, so an agent can
// ask what the broker currently sees without speaking LSP itself.
//
// Grounded on the teacher's own purpose as an MCP↔LSP bridge
// (github.com/mark3labs/mcp-go/server.MCPServer, declared in
// bridge.MCPLSPBridge), repurposed here from "expose LSP features to an
// agent" to "expose broker state to an agent": the only component in this
// module exercising mcp-go.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/CodinGame/languageserver-mutualized/languageclient"
)

func main() {
	var brokerAddr string

	cmd := &cobra.Command{
		Use:   "mutualized-inspect",
		Short: "expose a running mutualized-server's debug snapshot as MCP tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(brokerAddr)
		},
	}
	cmd.Flags().StringVar(&brokerAddr, "broker-addr", "http://localhost:9424", "base URL of a mutualized-server instance's debug endpoint")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(brokerAddr string) error {
	s := server.NewMCPServer("mutualized-inspect", "1.0.0")
	client := &http.Client{Timeout: 5 * time.Second}

	s.AddTool(
		mcp.NewTool("list_open_documents",
			mcp.WithDescription("List every document currently open across all clients attached to the broker"),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			snap, err := fetchSnapshot(ctx, client, brokerAddr)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			body, err := json.MarshalIndent(snap.Documents, "", "  ")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(string(body)), nil
		},
	)

	s.AddTool(
		mcp.NewTool("list_registrations",
			mcp.WithDescription("List the upstream language server's currently active dynamic capability registrations"),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			snap, err := fetchSnapshot(ctx, client, brokerAddr)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			body, err := json.MarshalIndent(snap.Registrations, "", "  ")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(string(body)), nil
		},
	)

	s.AddTool(
		mcp.NewTool("broker_state",
			mcp.WithDescription("Report the shared language client's lifecycle state (idle, starting, ready, disposed)"),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			snap, err := fetchSnapshot(ctx, client, brokerAddr)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(snap.State), nil
		},
	)

	return server.ServeStdio(s)
}

func fetchSnapshot(ctx context.Context, client *http.Client, brokerAddr string) (*languageclient.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, brokerAddr+"/debug/snapshot", nil)
	if err != nil {
		return nil, fmt.Errorf("mutualized-inspect: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mutualized-inspect: fetch snapshot from %s: %w", brokerAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("mutualized-inspect: broker returned %s: %s", resp.Status, body)
	}

	var snap languageclient.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("mutualized-inspect: decode snapshot: %w", err)
	}
	return &snap, nil
}
