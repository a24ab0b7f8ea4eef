// Package mcp exposes the deck as Model Context Protocol tools over stdio.
package mcp

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/conorfennell/knolsync/internal/deck"
)

type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

var toolRegistry = map[string]toolEntry{
	"deck_add": {
		def: mcp.NewTool("deck_add",
			mcp.WithDescription("Add a phrase to the deck as a new review item due now. Re-adding a known phrase keeps its progress."),
			mcp.WithString("content", mcp.Required(), mcp.Description("Phrase to learn")),
			mcp.WithString("translation", mcp.Description("Meaning shown on the back")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAdd },
	},
	"deck_import": {
		def: mcp.NewTool("deck_import",
			mcp.WithDescription("Import phrases written as 'P: phrase' / 'T: translation' blocks separated by '---' lines."),
			mcp.WithString("text", mcp.Required(), mcp.Description("Phrase deck text")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleImport },
	},
	"deck_item": {
		def: mcp.NewTool("deck_item",
			mcp.WithDescription("Fetch one review item by id."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Item id")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleItem },
	},
	"deck_review": {
		def: mcp.NewTool("deck_review",
			mcp.WithDescription("Record a review. Ratings: again (0), hard (1), good (2), easy (3)."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Item id")),
			mcp.WithString("rating", mcp.Required(), mcp.Description("again, hard, good or easy (or 0-3)"),
				mcp.Enum("again", "hard", "good", "easy", "0", "1", "2", "3")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleReview },
	},
	"deck_due": {
		def: mcp.NewTool("deck_due",
			mcp.WithDescription("List items due for review now."),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleDue },
	},
	"deck_upcoming": {
		def: mcp.NewTool("deck_upcoming",
			mcp.WithDescription("List items coming due within the next days, soonest first."),
			mcp.WithNumber("days", mcp.Description("Horizon in days; defaults to the configured value")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleUpcoming },
	},
	"deck_stats": {
		def: mcp.NewTool("deck_stats",
			mcp.WithDescription("Retention statistics for the deck."),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStats },
	},
	"deck_sync": {
		def: mcp.NewTool("deck_sync",
			mcp.WithDescription("Sync this device with the remote deck. Failures are reported in the result, never raised."),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSync },
	},
	"deck_status": {
		def: mcp.NewTool("deck_status",
			mcp.WithDescription("Last sync time, item count and whether changes are waiting to sync."),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStatus },
	},
	"deck_hydrate": {
		def: mcp.NewTool("deck_hydrate",
			mcp.WithDescription("Pull the remote deck onto this device."),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleHydrate },
	},
}

// AllToolNames returns the registered tool names in sorted order.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewServer creates an MCP server with every deck tool registered.
func NewServer(d *deck.Service, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"knolsync",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(d)
	for _, entry := range toolRegistry {
		s.AddTool(entry.def, entry.handler(h))
	}
	return s
}

// Run serves the deck tools on stdio until the client disconnects.
func Run(d *deck.Service, version string) error {
	return server.ServeStdio(NewServer(d, version))
}
