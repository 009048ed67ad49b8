package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"buildmaps/pkg/database"
)

// stubStore is an in-memory Store so handler behaviour can be verified
// without registering any SQL driver.
type stubStore struct {
	locations []database.Location
	links     map[string]string // code -> target
	nextID    int64
	failList  bool
	failWrite bool
}

func newStubStore() *stubStore {
	return &stubStore{links: map[string]string{}, nextID: 1}
}

func (s *stubStore) StreamLocations(ctx context.Context) (<-chan database.Location, <-chan error) {
	out := make(chan database.Location)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		if s.failList {
			errs <- errors.New("boom")
			return
		}
		for _, loc := range s.locations {
			out <- loc
		}
		errs <- nil
	}()
	return out, errs
}

func (s *stubStore) InsertLocation(ctx context.Context, loc database.Location) (database.Location, error) {
	if s.failWrite {
		return database.Location{}, errors.New("boom")
	}
	loc.ID = s.nextID
	s.nextID++
	// Newest first, matching the store's read order.
	s.locations = append([]database.Location{loc}, s.locations...)
	return loc, nil
}

func (s *stubStore) CountLocations(ctx context.Context) (int64, error) {
	if s.failList {
		return 0, errors.New("boom")
	}
	return int64(len(s.locations)), nil
}

func (s *stubStore) GetOrCreateShareLink(ctx context.Context, target string) (string, error) {
	for code, t := range s.links {
		if t == target {
			return code, nil
		}
	}
	code := fmt.Sprintf("code%04d", len(s.links))
	s.links[code] = target
	return code, nil
}

func (s *stubStore) ResolveShareLink(ctx context.Context, code string) (string, error) {
	target, ok := s.links[code]
	if !ok {
		return "", sql.ErrNoRows
	}
	return target, nil
}

func newTestHandler(store Store) *http.ServeMux {
	h := NewHandler(store, nil, nil)
	h.Now = func() time.Time {
		return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// TestCreateLocationEchoesSubmission covers the string-coordinate coercion
// path: the stored record carries the parsed floats, an ID, and a timestamp.
func TestCreateLocationEchoesSubmission(t *testing.T) {
	mux := newTestHandler(newStubStore())

	rec := doJSON(t, mux, http.MethodPost, "/api/locations",
		`{"name":"Bo","lat":"12.5","lng":"77.6"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got database.Location
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Name != "Bo" {
		t.Errorf("name = %q, want Bo", got.Name)
	}
	if got.Lat != 12.5 || got.Lng != 77.6 {
		t.Errorf("coords = (%v,%v), want (12.5,77.6)", got.Lat, got.Lng)
	}
	if got.ID == 0 {
		t.Error("expected a generated id")
	}
	if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", got.Timestamp, err)
	}
}

// TestCreateLocationAnonymousDefault: a missing name becomes "Anonymous".
func TestCreateLocationAnonymousDefault(t *testing.T) {
	mux := newTestHandler(newStubStore())

	rec := doJSON(t, mux, http.MethodPost, "/api/locations", `{"lat":1,"lng":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got database.Location
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Name != "Anonymous" {
		t.Errorf("name = %q, want Anonymous", got.Name)
	}
}

// TestCreateLocationKeepsNonNumericCoordinates: garbage coordinates are
// accepted, stored as NaN, and encoded as null on the wire.
func TestCreateLocationKeepsNonNumericCoordinates(t *testing.T) {
	store := newStubStore()
	mux := newTestHandler(store)

	rec := doJSON(t, mux, http.MethodPost, "/api/locations",
		`{"name":"x","lat":"not-a-number","lng":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if len(store.locations) != 1 || !store.locations[0].Lat.NaN() {
		t.Fatalf("stored locations = %+v, want one record with NaN lat", store.locations)
	}

	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if raw["lat"] != nil {
		t.Errorf("response lat = %v, want null", raw["lat"])
	}
	if raw["lng"] != float64(2) {
		t.Errorf("response lng = %v, want 2", raw["lng"])
	}
}

// TestCreateLocationNullCoordinateIsNaN: an explicit JSON null coordinate
// must coerce to NaN like any other non-numeric input, never to a real
// coordinate 0 on the equator.
func TestCreateLocationNullCoordinateIsNaN(t *testing.T) {
	store := newStubStore()
	mux := newTestHandler(store)

	rec := doJSON(t, mux, http.MethodPost, "/api/locations",
		`{"name":"x","lat":null,"lng":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if len(store.locations) != 1 || !store.locations[0].Lat.NaN() {
		t.Fatalf("stored locations = %+v, want one record with NaN lat", store.locations)
	}

	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if raw["lat"] != nil {
		t.Errorf("response lat = %v, want null", raw["lat"])
	}
}

// TestListLocationsEmptyIsArray: an empty collection answers [] and not null,
// so naive clients can always iterate.
func TestListLocationsEmptyIsArray(t *testing.T) {
	mux := newTestHandler(newStubStore())

	rec := doJSON(t, mux, http.MethodGet, "/api/locations", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("body = %q, want []", body)
	}
}

// TestListLocationsFailureEnvelope: any store failure collapses into the one
// fixed envelope with status 500, regardless of its cause.
func TestListLocationsFailureEnvelope(t *testing.T) {
	store := newStubStore()
	store.failList = true
	mux := newTestHandler(store)

	rec := doJSON(t, mux, http.MethodGet, "/api/locations", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var envelope map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope["error"] != "Failed to fetch locations" {
		t.Errorf("error = %q, want %q", envelope["error"], "Failed to fetch locations")
	}
}

// TestCreateLocationFailureEnvelope mirrors the write-side envelope.
func TestCreateLocationFailureEnvelope(t *testing.T) {
	store := newStubStore()
	store.failWrite = true
	mux := newTestHandler(store)

	rec := doJSON(t, mux, http.MethodPost, "/api/locations", `{"lat":1,"lng":2}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var envelope map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope["error"] != "Failed to save location" {
		t.Errorf("error = %q, want %q", envelope["error"], "Failed to save location")
	}
}

// TestConnectionsView: two same-named records at different coordinates yield
// exactly one polyline through both points.
func TestConnectionsView(t *testing.T) {
	store := newStubStore()
	store.locations = []database.Location{
		{ID: 2, Name: "Cam", Lat: 3, Lng: 4, Timestamp: "2026-08-28T11:00:00Z"},
		{ID: 1, Name: "cam", Lat: 1, Lng: 2, Timestamp: "2026-08-28T10:00:00Z"},
		{ID: 3, Name: "Solo", Lat: 9, Lng: 9, Timestamp: "2026-08-28T09:00:00Z"},
	}
	mux := newTestHandler(store)

	rec := doJSON(t, mux, http.MethodGet, "/api/connections", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var view struct {
		Contributors int `json:"contributors"`
		Polylines    []struct {
			Name   string `json:"name"`
			Points []struct{ Lat, Lng float64 }
		} `json:"polylines"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Contributors != 2 {
		t.Errorf("contributors = %d, want 2", view.Contributors)
	}
	if len(view.Polylines) != 1 {
		t.Fatalf("polylines = %d, want 1", len(view.Polylines))
	}
	if view.Polylines[0].Name != "cam" || len(view.Polylines[0].Points) != 2 {
		t.Errorf("polyline = %+v, want cam with 2 points", view.Polylines[0])
	}
}

// TestStats checks the overlay numbers.
func TestStats(t *testing.T) {
	store := newStubStore()
	store.locations = []database.Location{
		{Name: "Ann", Lat: 1, Lng: 1},
		{Name: " ann ", Lat: 2, Lng: 2},
		{Name: "Ben", Lat: 3, Lng: 3},
	}
	mux := newTestHandler(store)

	rec := doJSON(t, mux, http.MethodGet, "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats struct {
		Locations int64 `json:"locations"`
		Active    int   `json:"active"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Locations != 3 || stats.Active != 2 {
		t.Errorf("stats = %+v, want locations=3 active=2", stats)
	}
}

// TestShareRoundTrip: creating a share link, following it, and probing an
// unknown code.
func TestShareRoundTrip(t *testing.T) {
	mux := newTestHandler(newStubStore())

	rec := doJSON(t, mux, http.MethodPost, "/api/share",
		`{"target":"/?lat=1.00000&lng=2.00000&zoom=13"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, want 200", rec.Code)
	}
	var link struct {
		Code string `json:"code"`
		URL  string `json:"url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &link); err != nil {
		t.Fatalf("decode link: %v", err)
	}
	if link.URL != "/s/"+link.Code {
		t.Errorf("url = %q, want /s/%s", link.URL, link.Code)
	}

	follow := doJSON(t, mux, http.MethodGet, link.URL, "")
	if follow.Code != http.StatusFound {
		t.Fatalf("redirect status = %d, want 302", follow.Code)
	}
	if loc := follow.Header().Get("Location"); loc != "/?lat=1.00000&lng=2.00000&zoom=13" {
		t.Errorf("redirect target = %q", loc)
	}

	missing := doJSON(t, mux, http.MethodGet, "/s/nope1234", "")
	if missing.Code != http.StatusNotFound {
		t.Errorf("unknown code status = %d, want 404", missing.Code)
	}
}

// TestShareRejectsAbsoluteTargets keeps the redirect on this host.
func TestShareRejectsAbsoluteTargets(t *testing.T) {
	mux := newTestHandler(newStubStore())

	for _, target := range []string{"https://evil.example/", "//evil.example/", "relative", ""} {
		rec := doJSON(t, mux, http.MethodPost, "/api/share",
			`{"target":"`+target+`"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("target %q: status = %d, want 400", target, rec.Code)
		}
	}
}

// TestLocationsMethodNotAllowed guards the collection against stray verbs.
func TestLocationsMethodNotAllowed(t *testing.T) {
	mux := newTestHandler(newStubStore())

	rec := doJSON(t, mux, http.MethodDelete, "/api/locations", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
