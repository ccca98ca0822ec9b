package app

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mrcode/nightscout-chart/internal/hover"
	"github.com/mrcode/nightscout-chart/internal/pipeline"
	"github.com/mrcode/nightscout-chart/internal/timeline"
)

//go:embed index.html
var indexHTML []byte

// Handler serves the chart window: the page, the rendered PNG, the raw
// snapshot and hover queries.
//
//	GET /chart.png?at=<time>  chart, with the hover cursor when at is given
//	GET /hover?at=<time>      nearest reading, basal sample and treatment group
//	GET /snapshot.json        the current snapshot
//
// Times are RFC 3339 strings or epoch milliseconds.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(indexHTML)
	})
	mux.HandleFunc("GET /chart.png", s.serveChart)
	mux.HandleFunc("GET /hover", s.serveHover)
	mux.HandleFunc("GET /snapshot.json", s.serveSnapshot)
	return mux
}

func (s *Service) current(w http.ResponseWriter) (*pipeline.Snapshot, bool) {
	snap := s.Current()
	if snap == nil {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return nil, false
	}
	return snap, true
}

// cursor reads the at parameter. Positions come from the snapshot itself, so
// they are already on its timeline.
func cursor(r *http.Request) (*time.Time, error) {
	raw := r.URL.Query().Get("at")
	if raw == "" {
		return nil, nil
	}
	t, err := ParseCursor(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ParseCursor reads a chart position given as epoch milliseconds or an
// RFC 3339 time on the chart's timeline
func ParseCursor(raw string) (time.Time, error) {
	var v any = raw
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		v = ms
	}
	return timeline.ParsePosition(v)
}

func (s *Service) serveChart(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.current(w)
	if !ok {
		return
	}
	at, err := cursor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.RLock()
	renderer := s.renderer
	s.mu.RUnlock()

	var buf bytes.Buffer
	if err := renderer.WritePNG(&buf, snap, at); err != nil {
		s.log.Error().Err(err).Msg("Failed to render chart")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func (s *Service) serveHover(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.current(w)
	if !ok {
		return
	}
	at, err := cursor(r)
	if err != nil || at == nil {
		http.Error(w, "at must be an RFC 3339 time or epoch milliseconds", http.StatusBadRequest)
		return
	}
	writeJSON(w, snap.Hover(*at))
}

func (s *Service) serveSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.current(w)
	if !ok {
		return
	}
	writeJSON(w, snap)
}

// Hover resolves a pointer position for the bound frontend
func (s *Service) Hover(at time.Time) hover.Match {
	return s.Current().Hover(at)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
