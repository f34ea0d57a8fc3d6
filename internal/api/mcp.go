package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/makshsn/mpk-b24-api-sub000/internal/ingest"
	"github.com/makshsn/mpk-b24-api-sub000/internal/pipeline"
	"github.com/makshsn/mpk-b24-api-sub000/internal/snapshot"
	"github.com/makshsn/mpk-b24-api-sub000/internal/storage"
)

// MCPReconciler runs one event to completion and returns its result.
type MCPReconciler interface {
	Do(ctx context.Context, ev pipeline.Event) pipeline.Result
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store      *storage.Store
	Snapshots  *snapshot.Store
	Reconciler MCPReconciler
	Entities   EntityLister
}

// NewMCPServer creates an MCP server exposing the reconciliation tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"b24sync",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("b24sync keeps Bitrix24 CRM items and their companion tasks in sync."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("reconcile_item",
			mcp.WithDescription("Run a forced reconciliation for one CRM item and return the result."),
			mcp.WithNumber("entity_type_id", mcp.Description("Smart-process entity type id"), mcp.Required()),
			mcp.WithNumber("item_id", mcp.Description("Item id"), mcp.Required()),
		),
		mcpReconcileItem(deps),
	)

	s.AddTool(
		mcp.NewTool("get_snapshot",
			mcp.WithDescription("Return the last normalized state the engine stored for an item."),
			mcp.WithNumber("entity_type_id", mcp.Description("Smart-process entity type id"), mcp.Required()),
			mcp.WithNumber("item_id", mcp.Description("Item id"), mcp.Required()),
		),
		mcpGetSnapshot(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_runs",
			mcp.WithDescription("List recent reconciliation runs, newest first."),
			mcp.WithNumber("entity_type_id", mcp.Description("Filter by entity type id")),
			mcp.WithNumber("item_id", mcp.Description("Filter by item id")),
			mcp.WithBoolean("failed_only", mcp.Description("Only runs that did not succeed")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
		),
		mcpRecentRuns(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"b24sync://entities",
			"Configured entities",
			mcp.WithResourceDescription("Entity type ids the engine reconciles"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceEntities(deps),
	)

	return s
}

func requireItem(req mcp.CallToolRequest) (int, int, error) {
	etid, err := req.RequireInt("entity_type_id")
	if err != nil || etid <= 0 {
		return 0, 0, fmt.Errorf("entity_type_id must be a positive integer")
	}
	itemID, err := req.RequireInt("item_id")
	if err != nil || itemID <= 0 {
		return 0, 0, fmt.Errorf("item_id must be a positive integer")
	}
	return etid, itemID, nil
}

func mcpReconcileItem(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		etid, itemID, err := requireItem(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		res := deps.Reconciler.Do(ctx, pipeline.Event{
			Event:        pipeline.EventManual,
			EntityTypeID: etid,
			ItemID:       itemID,
		})
		if deps.Store != nil {
			if err := deps.Store.SaveRun(ingest.RunFromResult("", res)); err != nil {
				return mcpError(fmt.Sprintf("reconciled but failed to journal run: %v", err)), nil
			}
		}

		b, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		if !res.OK {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetSnapshot(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		etid, itemID, err := requireItem(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		snap, err := deps.Snapshots.Read(etid, itemID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read snapshot: %v", err)), nil
		}
		if snap == nil {
			return mcpText(fmt.Sprintf("No snapshot stored for %d:%d.", etid, itemID)), nil
		}

		b, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal snapshot: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecentRuns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 || limit > 200 {
			limit = 20
		}
		runs, err := deps.Store.RecentRuns(storage.RunFilter{
			EntityTypeID: req.GetInt("entity_type_id", 0),
			ItemID:       req.GetInt("item_id", 0),
			FailedOnly:   req.GetBool("failed_only", false),
			Limit:        limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list runs: %v", err)), nil
		}
		if len(runs) == 0 {
			return mcpText("No runs recorded."), nil
		}

		b, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal runs: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceEntities(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		types := []int{}
		if deps.Entities != nil {
			types = append(types, deps.Entities.EntityTypes()...)
		}
		b, err := json.Marshal(map[string]any{"entity_types": types})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entities: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
