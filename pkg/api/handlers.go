package api

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"buildmaps/pkg/connections"
	"buildmaps/pkg/database"
	"buildmaps/pkg/logger"
	"buildmaps/pkg/qrshare"
)

// =======================
// Public API entry points
// =======================

// Store is the slice of the persistence layer the handlers need. Accepting
// an interface keeps the HTTP surface testable against an in-memory stub
// while *database.Database satisfies it in production.
type Store interface {
	StreamLocations(ctx context.Context) (<-chan database.Location, <-chan error)
	InsertLocation(ctx context.Context, loc database.Location) (database.Location, error)
	CountLocations(ctx context.Context) (int64, error)
	GetOrCreateShareLink(ctx context.Context, target string) (string, error)
	ResolveShareLink(ctx context.Context, code string) (string, error)
}

// Handler wires the store, the per-IP limiter, and logging together so HTTP
// routes stay small and focused on translating requests into store calls.
type Handler struct {
	Store   Store
	Limiter *RateLimiter
	Logf    func(string, ...any)

	// Now stamps submission timestamps; replaceable in tests.
	Now func() time.Time
}

// NewHandler constructs a Handler with sane defaults.
// Limiter and Logf are optional; pass nil if not required.
func NewHandler(store Store, limiter *RateLimiter, logf func(string, ...any)) *Handler {
	return &Handler{Store: store, Limiter: limiter, Logf: logf, Now: time.Now}
}

// Register attaches API routes to the provided mux. We keep the method tiny
// and declarative: it simply wires URLs to helpers, avoiding clever routing
// that could obscure how pages are served.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api", h.handleOverview)
	mux.HandleFunc("/api/locations", h.handleLocations)
	mux.HandleFunc("/api/connections", h.handleConnections)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/share", h.handleShareCreate)
	mux.HandleFunc("/api/share/qr", h.handleShareQR)
	mux.HandleFunc("/s/", h.handleShareRedirect)
}

// handleOverview publishes machine-readable docs so developers understand
// which endpoints to call without reading source.
func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	total, err := h.Store.CountLocations(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch locations")
		h.logf("overview count error: %v", err)
		return
	}

	overview := struct {
		Endpoints      map[string]any `json:"endpoints"`
		TotalLocations int64          `json:"totalLocations"`
	}{
		TotalLocations: total,
		Endpoints: map[string]any{
			"listLocations": map[string]any{
				"method":      "GET",
				"path":        "/api/locations",
				"description": "Returns every stored location ordered newest first.",
			},
			"addLocation": map[string]any{
				"method":      "POST",
				"path":        "/api/locations",
				"body":        []string{"name", "lat", "lng"},
				"description": "Stores one submission. Missing name becomes Anonymous.",
			},
			"connections": map[string]any{
				"method":      "GET",
				"path":        "/api/connections",
				"description": "Derived polylines connecting submissions that share a normalized name.",
			},
			"stats": map[string]any{
				"method":      "GET",
				"path":        "/api/stats",
				"description": "Total locations and distinct contributor count.",
			},
			"share": map[string]any{
				"method":      "POST",
				"path":        "/api/share",
				"body":        []string{"target"},
				"description": "Returns a stable short code for a map view URL. Resolve via /s/{code}, QR via /api/share/qr?code=.",
			},
		},
	}

	h.respondJSON(w, overview)
}

// handleLocations dispatches the two operations of the location collection.
func (h *Handler) handleLocations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listLocations(w, r)
	case http.MethodPost:
		h.createLocation(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// listLocations returns the full record array, newest first. Any store
// failure collapses into one fixed envelope; the cause goes to the log only.
func (h *Handler) listLocations(w http.ResponseWriter, r *http.Request) {
	permit, err := h.Limiter.Acquire(r.Context(), clientIP(r), RequestRead)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	locations, err := h.collectLocations(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch locations")
		h.logf("list locations error: %v", err)
		return
	}

	h.respondJSON(w, locations)
}

// locationRequest carries the raw submission body. Coordinates stay raw JSON
// so absent, numeric, and string forms all flow through the same coercion.
type locationRequest struct {
	Name string          `json:"name"`
	Lat  json.RawMessage `json:"lat"`
	Lng  json.RawMessage `json:"lng"`
}

// createLocation coerces the body into a record, stamps the server-side
// timestamp, and inserts. Non-numeric coordinates become NaN and are stored;
// boundary validation is a known gap kept for wire compatibility.
func (h *Handler) createLocation(w http.ResponseWriter, r *http.Request) {
	permit, err := h.Limiter.Acquire(r.Context(), clientIP(r), RequestWrite)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	reqID := newRequestID()
	logger.Begin(reqID)

	var body locationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, http.StatusInternalServerError, "Failed to save location")
		logger.FlushError(reqID, fmt.Errorf("decode body: %w", err))
		return
	}

	name := body.Name
	if name == "" {
		name = "Anonymous"
	}

	loc := database.Location{
		Name:      name,
		Lat:       database.ParseCoord(body.Lat),
		Lng:       database.ParseCoord(body.Lng),
		Timestamp: h.Now().UTC().Format(time.RFC3339),
	}
	logger.Append(reqID, fmt.Sprintf("[%-8s][submit] name=%q lat=%v lng=%v", reqID, loc.Name, loc.Lat, loc.Lng))

	stored, err := h.Store.InsertLocation(r.Context(), loc)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Failed to save location")
		logger.FlushError(reqID, fmt.Errorf("insert: %w", err))
		return
	}

	logger.Success(reqID, fmt.Sprintf("location %d by %q", stored.ID, stored.Name))
	h.respondJSON(w, stored)
}

// handleConnections serves the derived connection view: one polyline per
// normalized name with two or more submissions, recomputed on every call.
func (h *Handler) handleConnections(w http.ResponseWriter, r *http.Request) {
	permit, err := h.Limiter.Acquire(r.Context(), clientIP(r), RequestRead)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	locations, err := h.collectLocations(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch locations")
		h.logf("connections error: %v", err)
		return
	}

	h.respondJSON(w, connections.Build(locations))
}

// handleStats reports the totals shown on the map overlay.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	total, err := h.Store.CountLocations(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch locations")
		h.logf("stats count error: %v", err)
		return
	}

	locations, err := h.collectLocations(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch locations")
		h.logf("stats list error: %v", err)
		return
	}

	stats := struct {
		Locations int64 `json:"locations"`
		Active    int   `json:"active"`
	}{
		Locations: total,
		Active:    connections.CountContributors(locations),
	}
	h.respondJSON(w, stats)
}

// handleShareCreate hands out a stable short code for a map view URL.
// Only site-relative targets are accepted so the redirect can never leave
// this host.
func (h *Handler) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	target := strings.TrimSpace(body.Target)
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		http.Error(w, "target must be a site-relative path", http.StatusBadRequest)
		return
	}

	code, err := h.Store.GetOrCreateShareLink(r.Context(), target)
	if err != nil {
		http.Error(w, "share link error", http.StatusInternalServerError)
		h.logf("share create error: %v", err)
		return
	}

	h.respondJSON(w, struct {
		Code string `json:"code"`
		URL  string `json:"url"`
	}{Code: code, URL: "/s/" + code})
}

// handleShareRedirect resolves /s/{code} to its stored map view.
func (h *Handler) handleShareRedirect(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimPrefix(r.URL.Path, "/s/")
	target, err := h.Store.ResolveShareLink(r.Context(), code)
	if errors.Is(err, sql.ErrNoRows) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "share link error", http.StatusInternalServerError)
		h.logf("share resolve error: %v", err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleShareQR renders a PNG QR code pointing at the absolute short URL, so
// a view on one screen can be opened on a phone by pointing the camera at it.
func (h *Handler) handleShareQR(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if _, err := h.Store.ResolveShareLink(r.Context(), code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "share link error", http.StatusInternalServerError)
		h.logf("share qr error: %v", err)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	shortURL := fmt.Sprintf("%s://%s/s/%s", scheme, r.Host, code)

	w.Header().Set("Content-Type", "image/png")
	if err := qrshare.EncodePNG(w, []byte(shortURL), qrshare.Options{}); err != nil {
		h.logf("share qr encode error: %v", err)
	}
}

// =====================
// Utility helpers
// =====================

// collectLocations drains the store's stream into a slice. The slice starts
// non-nil so an empty collection encodes as [] rather than null.
func (h *Handler) collectLocations(ctx context.Context) ([]database.Location, error) {
	stream, errCh := h.Store.StreamLocations(ctx)

	locations := make([]database.Location, 0, 64)
	for loc := range stream {
		locations = append(locations, loc)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return locations, nil
}

func (h *Handler) respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError writes the uniform client-facing envelope. Causes never leak
// to the client; they are logged for operator visibility instead.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: message})
}

func (h *Handler) logf(format string, args ...any) {
	if h.Logf != nil {
		h.Logf(format, args...)
	}
}

// clientIP extracts the remote host for the per-IP limiter queue.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// newRequestID labels one submission in the buffered log.
func newRequestID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "submit"
	}
	return hex.EncodeToString(buf)
}
