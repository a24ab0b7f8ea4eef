package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/conorfennell/knolsync/internal/clock"
	"github.com/conorfennell/knolsync/internal/deck"
	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/kv"
	"github.com/conorfennell/knolsync/internal/localstore"
	"github.com/conorfennell/knolsync/internal/sync"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// testSetup builds a deck over in-memory stores.
func testSetup(t *testing.T) (*Handlers, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := localstore.New(kv.NewMemory(), clk, logger)
	engine := sync.NewEngine(kv.NewMemory(), sync.Options{Clock: clk, Logger: logger})
	svc := deck.New(store, engine, deck.Options{UserID: "u1", DeviceID: "dev", Clock: clk, Logger: logger})
	return NewHandlers(svc), clk
}

// makeRequest creates a CallToolRequest with the given arguments.
func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatal("empty result")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", result.Content[0])
	}
	return text.Text
}

func decodeResult[T any](t *testing.T, result *mcp.CallToolResult) T {
	t.Helper()
	if result.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, result))
	}
	var v T
	if err := json.Unmarshal([]byte(resultText(t, result)), &v); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	return v
}

func errorCode(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if !result.IsError {
		t.Fatalf("expected error result, got %s", resultText(t, result))
	}
	var payload struct {
		Error struct {
			Code   string `json:"code"`
			Status int    `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &payload); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	return payload.Error.Code
}

func addPhrase(t *testing.T, h *Handlers, content, translation string) domain.ReviewItem {
	t.Helper()
	result, err := h.HandleAdd(context.Background(), makeRequest(map[string]any{
		"content":     content,
		"translation": translation,
	}))
	if err != nil {
		t.Fatalf("HandleAdd failed: %v", err)
	}
	return decodeResult[addOutput](t, result).Item
}

func TestNewServer_RegistersAllTools(t *testing.T) {
	h, _ := testSetup(t)
	s := NewServer(h.deck, "test")

	tools := s.ListTools()
	for _, name := range AllToolNames() {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
	if len(tools) != len(toolRegistry) {
		t.Errorf("registered %d tools, want %d", len(tools), len(toolRegistry))
	}
}

func TestHandleAdd(t *testing.T) {
	h, _ := testSetup(t)
	ctx := context.Background()

	item := addPhrase(t, h, "el gato", "the cat")
	if item.ID == "" {
		t.Fatal("expected an item id")
	}
	if !item.NextReview.Equal(t0) {
		t.Errorf("NextReview = %v, want %v", item.NextReview, t0)
	}

	result, err := h.HandleAdd(ctx, makeRequest(map[string]any{"content": "  "}))
	if err != nil {
		t.Fatalf("HandleAdd failed: %v", err)
	}
	if code := errorCode(t, result); code != "INVALID_REQUEST" {
		t.Errorf("code = %q, want INVALID_REQUEST", code)
	}
}

func TestHandleImport(t *testing.T) {
	h, _ := testSetup(t)
	ctx := context.Background()

	text := "P: el gato\nT: the cat\n---\nP: el perro\nT: the dog\n"
	result, err := h.HandleImport(ctx, makeRequest(map[string]any{"text": text}))
	if err != nil {
		t.Fatalf("HandleImport failed: %v", err)
	}
	res := decodeResult[deck.ImportResult](t, result)
	if res.Added != 2 {
		t.Errorf("Added = %d, want 2", res.Added)
	}

	result, err = h.HandleImport(ctx, makeRequest(map[string]any{"text": text}))
	if err != nil {
		t.Fatalf("HandleImport failed: %v", err)
	}
	res = decodeResult[deck.ImportResult](t, result)
	if res.Unchanged != 2 || res.Added != 0 {
		t.Errorf("second import = %+v, want 2 unchanged", res)
	}
}

func TestHandleReview(t *testing.T) {
	h, _ := testSetup(t)
	ctx := context.Background()
	item := addPhrase(t, h, "el gato", "the cat")

	tests := []struct {
		name         string
		rating       any
		wantInterval int
		wantReps     int
	}{
		{"by name", "good", 1, 1},
		{"by number", 2, 6, 2},
		{"numeric string", "3", 17, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleReview(ctx, makeRequest(map[string]any{"id": item.ID, "rating": tt.rating}))
			if err != nil {
				t.Fatalf("HandleReview failed: %v", err)
			}
			got := decodeResult[domain.ReviewItem](t, result)
			if got.Interval != tt.wantInterval || got.Repetitions != tt.wantReps {
				t.Errorf("interval=%d reps=%d, want %d/%d", got.Interval, got.Repetitions, tt.wantInterval, tt.wantReps)
			}
		})
	}
}

func TestHandleReview_Errors(t *testing.T) {
	h, _ := testSetup(t)
	ctx := context.Background()
	item := addPhrase(t, h, "el gato", "the cat")

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"unknown item", map[string]any{"id": "missing", "rating": "good"}, "NOT_FOUND"},
		{"bad rating name", map[string]any{"id": item.ID, "rating": "perfect"}, "INVALID_REQUEST"},
		{"rating out of range", map[string]any{"id": item.ID, "rating": 7}, "INVALID_REQUEST"},
		{"id wrong type", map[string]any{"id": 12, "rating": "good"}, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleReview(ctx, makeRequest(tt.args))
			if err != nil {
				t.Fatalf("HandleReview failed: %v", err)
			}
			if code := errorCode(t, result); code != tt.want {
				t.Errorf("code = %q, want %q", code, tt.want)
			}
		})
	}
}

func TestHandleItem(t *testing.T) {
	h, _ := testSetup(t)
	ctx := context.Background()
	item := addPhrase(t, h, "la casa", "the house")

	result, err := h.HandleItem(ctx, makeRequest(map[string]any{"id": item.ID}))
	if err != nil {
		t.Fatalf("HandleItem failed: %v", err)
	}
	if got := decodeResult[domain.ReviewItem](t, result); got.Content != "la casa" {
		t.Errorf("Content = %q, want la casa", got.Content)
	}
}

func TestHandleDueAndUpcoming(t *testing.T) {
	h, clk := testSetup(t)
	ctx := context.Background()
	gato := addPhrase(t, h, "el gato", "the cat")
	addPhrase(t, h, "el perro", "the dog")

	if _, err := h.HandleReview(ctx, makeRequest(map[string]any{"id": gato.ID, "rating": "good"})); err != nil {
		t.Fatalf("HandleReview failed: %v", err)
	}

	result, err := h.HandleDue(ctx, makeRequest(nil))
	if err != nil {
		t.Fatalf("HandleDue failed: %v", err)
	}
	due := decodeResult[itemsOutput](t, result)
	if due.Count != 1 || due.Items[0].Content != "el perro" {
		t.Errorf("due = %+v, want only el perro", due)
	}

	result, err = h.HandleUpcoming(ctx, makeRequest(map[string]any{"days": 2}))
	if err != nil {
		t.Fatalf("HandleUpcoming failed: %v", err)
	}
	upcoming := decodeResult[itemsOutput](t, result)
	if upcoming.Count != 1 || upcoming.Items[0].ID != gato.ID {
		t.Errorf("upcoming = %+v, want el gato", upcoming)
	}

	clk.Advance(48 * time.Hour)
	result, err = h.HandleDue(ctx, makeRequest(nil))
	if err != nil {
		t.Fatalf("HandleDue failed: %v", err)
	}
	if got := decodeResult[itemsOutput](t, result).Count; got != 2 {
		t.Errorf("due after two days = %d, want 2", got)
	}

	result, err = h.HandleUpcoming(ctx, makeRequest(map[string]any{"days": -1}))
	if err != nil {
		t.Fatalf("HandleUpcoming failed: %v", err)
	}
	if code := errorCode(t, result); code != "INVALID_REQUEST" {
		t.Errorf("code = %q, want INVALID_REQUEST", code)
	}
}

func TestHandleStats_Empty(t *testing.T) {
	h, _ := testSetup(t)

	result, err := h.HandleStats(context.Background(), makeRequest(nil))
	if err != nil {
		t.Fatalf("HandleStats failed: %v", err)
	}
	stats := decodeResult[domain.RetentionStats](t, result)
	if stats != (domain.RetentionStats{}) {
		t.Errorf("stats = %+v, want zero", stats)
	}
}

func TestHandleSyncAndStatus(t *testing.T) {
	h, _ := testSetup(t)
	ctx := context.Background()
	addPhrase(t, h, "el gato", "the cat")

	result, err := h.HandleStatus(ctx, makeRequest(nil))
	if err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}
	if status := decodeResult[domain.SyncStatus](t, result); !status.PendingSync || status.LastSync != nil {
		t.Errorf("status before sync = %+v", status)
	}

	result, err = h.HandleSync(ctx, makeRequest(nil))
	if err != nil {
		t.Fatalf("HandleSync failed: %v", err)
	}
	res := decodeResult[domain.SyncResult](t, result)
	if !res.Success || res.SyncedItems != 1 {
		t.Errorf("sync = %+v, want success with 1 item", res)
	}

	result, err = h.HandleStatus(ctx, makeRequest(nil))
	if err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}
	status := decodeResult[domain.SyncStatus](t, result)
	if status.PendingSync || status.ItemCount != 1 || status.LastSync == nil {
		t.Errorf("status after sync = %+v", status)
	}

	result, err = h.HandleHydrate(ctx, makeRequest(nil))
	if err != nil {
		t.Fatalf("HandleHydrate failed: %v", err)
	}
	if got := decodeResult[map[string]int](t, result)["applied"]; got != 0 {
		t.Errorf("applied = %d, want 0 for an up to date device", got)
	}
}
