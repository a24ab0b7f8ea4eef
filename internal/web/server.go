package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/conorfennell/knolsync/internal/deck"
	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/localstore"
	"github.com/conorfennell/knolsync/internal/parser"
)

const (
	// maxImportBytes caps an uploaded phrase deck.
	maxImportBytes = 4 << 20
	// maxBodyBytes caps JSON and form request bodies.
	maxBodyBytes = 64 << 10
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	deck   *deck.Service
	router *http.ServeMux
	logger *slog.Logger
}

// NewServer creates and configures a new server.
func NewServer(d *deck.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deck:   d,
		router: http.NewServeMux(),
		logger: logger,
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth())

	s.router.HandleFunc("/api/items", s.handleItems())
	s.router.HandleFunc("/api/items/", s.handleItem())
	s.router.HandleFunc("/api/import", s.handleImport())

	s.router.HandleFunc("/api/review/next", s.handleNextReview())
	s.router.HandleFunc("/api/review/", s.handlePostReview())
	s.router.HandleFunc("/api/due", s.handleDue())
	s.router.HandleFunc("/api/upcoming", s.handleUpcoming())
	s.router.HandleFunc("/api/stats", s.handleStats())

	s.router.HandleFunc("/api/sync", s.handleSync())
	s.router.HandleFunc("/api/sync/status", s.handleSyncStatus())
	s.router.HandleFunc("/api/hydrate", s.handleHydrate())
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleItems lists, adds to, or clears the deck.
func (s *Server) handleItems() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			items, err := s.deck.Items(r.Context())
			if err != nil {
				s.serverError(w, "list items", err)
				return
			}
			s.writeJSON(w, http.StatusOK, nonNil(items))
		case http.MethodPost:
			s.handleAddPhrase(w, r)
		case http.MethodDelete:
			if err := s.deck.Clear(r.Context()); err != nil {
				s.serverError(w, "clear deck", err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w)
		}
	}
}

type phraseRequest struct {
	Content     string `json:"content"`
	Translation string `json:"translation"`
}

func (s *Server) handleAddPhrase(w http.ResponseWriter, r *http.Request) {
	var req phraseRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	item, res, err := s.deck.AddPhrase(r.Context(), domain.Phrase{Content: req.Content, Translation: req.Translation})
	if err != nil {
		s.writeDeckError(w, "add phrase", err)
		return
	}
	status := http.StatusOK
	if res.Added > 0 {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, item)
}

// handleItem returns one item.
func (s *Server) handleItem() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/items/")
		item, err := s.deck.Item(r.Context(), id)
		if err != nil {
			s.writeDeckError(w, "get item", err)
			return
		}
		s.writeJSON(w, http.StatusOK, item)
	}
}

// handleImport reads a P:/T: phrase deck from the request body.
func (s *Server) handleImport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		phrases, err := parser.Parse(http.MaxBytesReader(w, r.Body, maxImportBytes))
		if err != nil {
			http.Error(w, "Invalid phrase deck", http.StatusBadRequest)
			return
		}
		res, err := s.deck.Import(r.Context(), phrases)
		if err != nil {
			s.writeDeckError(w, "import", err)
			return
		}
		s.writeJSON(w, http.StatusOK, res)
	}
}

// handleNextReview returns the first due item, or 204 when nothing is due.
func (s *Server) handleNextReview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		due, err := s.deck.Due(r.Context())
		if err != nil {
			s.serverError(w, "next review", err)
			return
		}
		if len(due) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeJSON(w, http.StatusOK, due[0])
	}
}

type reviewRequest struct {
	Rating json.RawMessage `json:"rating"`
}

// handlePostReview rates one item. The rating is a name ("good") or a
// number (0-3), sent as JSON or as the "rating" form field.
func (s *Server) handlePostReview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/review/")
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		var raw string
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			var req reviewRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid JSON body", http.StatusBadRequest)
				return
			}
			raw = strings.Trim(string(req.Rating), `"`)
		} else {
			raw = r.PostFormValue("rating")
		}
		rating, err := domain.ParseRating(raw)
		if err != nil {
			http.Error(w, "Invalid rating", http.StatusBadRequest)
			return
		}

		item, err := s.deck.Review(r.Context(), id, rating)
		if err != nil {
			s.writeDeckError(w, "review", err)
			return
		}
		s.writeJSON(w, http.StatusOK, item)
	}
}

func (s *Server) handleDue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		items, err := s.deck.Due(r.Context())
		if err != nil {
			s.serverError(w, "due items", err)
			return
		}
		s.writeJSON(w, http.StatusOK, nonNil(items))
	}
}

func (s *Server) handleUpcoming() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		days := 0
		if v := r.URL.Query().Get("days"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				http.Error(w, "Invalid days", http.StatusBadRequest)
				return
			}
			days = n
		}
		items, err := s.deck.Upcoming(r.Context(), days)
		if err != nil {
			s.serverError(w, "upcoming items", err)
			return
		}
		s.writeJSON(w, http.StatusOK, nonNil(items))
	}
}

func (s *Server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		stats, err := s.deck.Stats(r.Context())
		if err != nil {
			s.serverError(w, "stats", err)
			return
		}
		s.writeJSON(w, http.StatusOK, stats)
	}
}

// handleSync runs a sync in the foreground. A failed sync is still a 200:
// the result carries success=false and the reason.
func (s *Server) handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.writeJSON(w, http.StatusOK, s.deck.SyncNow(r.Context()))
	}
}

func (s *Server) handleSyncStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.writeJSON(w, http.StatusOK, s.deck.Status(r.Context()))
	}
}

func (s *Server) handleHydrate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		n, err := s.deck.Hydrate(r.Context())
		if err != nil {
			s.serverError(w, "hydrate", err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]int{"applied": n})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeDeckError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, deck.ErrItemNotFound):
		http.Error(w, "Item not found", http.StatusNotFound)
	case errors.Is(err, deck.ErrEmptyPhrase),
		errors.Is(err, domain.ErrInvalidRating),
		errors.Is(err, localstore.ErrInvalidItem):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.serverError(w, op, err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", "op", op, "error", err)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

func nonNil(items []domain.ReviewItem) []domain.ReviewItem {
	if items == nil {
		return []domain.ReviewItem{}
	}
	return items
}
