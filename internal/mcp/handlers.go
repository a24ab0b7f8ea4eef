package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/conorfennell/knolsync/internal/deck"
	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/localstore"
	"github.com/conorfennell/knolsync/internal/parser"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	deck *deck.Service
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d *deck.Service) *Handlers {
	return &Handlers{deck: d}
}

// AddRequest represents the arguments for deck_add.
type AddRequest struct {
	Content     string `json:"content"`
	Translation string `json:"translation,omitempty"`
}

// ImportRequest represents the arguments for deck_import.
type ImportRequest struct {
	Text string `json:"text"`
}

// ItemRequest represents the arguments for deck_item.
type ItemRequest struct {
	ID string `json:"id"`
}

// ReviewRequest represents the arguments for deck_review. Rating may arrive
// as a name or as a number.
type ReviewRequest struct {
	ID     string          `json:"id"`
	Rating json.RawMessage `json:"rating"`
}

// UpcomingRequest represents the arguments for deck_upcoming.
type UpcomingRequest struct {
	Days int `json:"days,omitempty"`
}

type addOutput struct {
	Item   domain.ReviewItem `json:"item"`
	Result deck.ImportResult `json:"result"`
}

type itemsOutput struct {
	Items []domain.ReviewItem `json:"items"`
	Count int                 `json:"count"`
}

func itemsResult(items []domain.ReviewItem) (*mcp.CallToolResult, error) {
	if items == nil {
		items = []domain.ReviewItem{}
	}
	return successResult(itemsOutput{Items: items, Count: len(items)})
}

func (h *Handlers) HandleAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AddRequest](req)
	if err != nil {
		return invalidRequest(err.Error()), nil
	}
	item, res, err := h.deck.AddPhrase(ctx, domain.Phrase{Content: input.Content, Translation: input.Translation})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(addOutput{Item: item, Result: res})
}

func (h *Handlers) HandleImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ImportRequest](req)
	if err != nil {
		return invalidRequest(err.Error()), nil
	}
	phrases, err := parser.Parse(strings.NewReader(input.Text))
	if err != nil {
		return invalidRequest(err.Error()), nil
	}
	res, err := h.deck.Import(ctx, phrases)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(res)
}

func (h *Handlers) HandleItem(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ItemRequest](req)
	if err != nil {
		return invalidRequest(err.Error()), nil
	}
	item, err := h.deck.Item(ctx, input.ID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(item)
}

func (h *Handlers) HandleReview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ReviewRequest](req)
	if err != nil {
		return invalidRequest(err.Error()), nil
	}
	rating, err := domain.ParseRating(strings.Trim(string(input.Rating), `"`))
	if err != nil {
		return errorResult(err), nil
	}
	item, err := h.deck.Review(ctx, input.ID, rating)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(item)
}

func (h *Handlers) HandleDue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := h.deck.Due(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return itemsResult(items)
}

func (h *Handlers) HandleUpcoming(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[UpcomingRequest](req)
	if err != nil {
		return invalidRequest(err.Error()), nil
	}
	if input.Days < 0 {
		return invalidRequest("days must not be negative"), nil
	}
	items, err := h.deck.Upcoming(ctx, input.Days)
	if err != nil {
		return errorResult(err), nil
	}
	return itemsResult(items)
}

func (h *Handlers) HandleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := h.deck.Stats(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(stats)
}

func (h *Handlers) HandleSync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(h.deck.SyncNow(ctx))
}

func (h *Handlers) HandleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(h.deck.Status(ctx))
}

func (h *Handlers) HandleHydrate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n, err := h.deck.Hydrate(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]int{"applied": n})
}

func invalidRequest(msg string) *mcp.CallToolResult {
	return errorPayload("INVALID_REQUEST", msg, 400)
}

// errorResult maps a deck error to an MCP error result. Internal errors are
// reported without detail.
func errorResult(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, deck.ErrItemNotFound):
		return errorPayload("NOT_FOUND", err.Error(), 404)
	case errors.Is(err, deck.ErrEmptyPhrase),
		errors.Is(err, domain.ErrInvalidRating),
		errors.Is(err, localstore.ErrInvalidItem):
		return errorPayload("INVALID_REQUEST", err.Error(), 400)
	default:
		return errorPayload("INTERNAL", "an internal error occurred", 500)
	}
}

func errorPayload(code, message string, status int) *mcp.CallToolResult {
	content, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"status":  status,
		},
	})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
