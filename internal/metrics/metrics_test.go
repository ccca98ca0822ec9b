package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Registry) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRegistry_RecordsFetchesAndRefreshes(t *testing.T) {
	m := New(zerolog.Nop())

	m.StartFetch("entries").Stop(nil)
	m.StartFetch("treatments").Stop(errors.New("boom"))
	m.RecordSkipped("profile")
	m.RecordMalformed("entries", 2)
	m.RecordMalformed("entries", 0)
	m.RecordRefresh("partial", 150*time.Millisecond)
	m.RecordReading(time.Unix(1709294400, 0), 3*time.Minute)
	m.RecordBreaker("/api/v1/entries.json", true)
	m.AxisGrowth.Inc()

	out := scrape(t, m)
	assert.Contains(t, out, `nschart_fetch_total{result="ok",source="entries"} 1`)
	assert.Contains(t, out, `nschart_fetch_total{result="failed",source="treatments"} 1`)
	assert.Contains(t, out, `nschart_fetch_total{result="skipped",source="profile"} 1`)
	assert.Contains(t, out, `nschart_malformed_records_total{source="entries"} 2`)
	assert.Contains(t, out, `nschart_refreshes_total{outcome="partial"} 1`)
	assert.Contains(t, out, `nschart_last_success_timestamp_seconds 1.7092944e+09`)
	assert.Contains(t, out, `nschart_reading_age_seconds 180`)
	assert.Contains(t, out, `nschart_breaker_open{endpoint="/api/v1/entries.json"} 1`)
	assert.Contains(t, out, `nschart_axis_headroom_grown_total 1`)
}

func TestRegistry_Independent(t *testing.T) {
	a, b := New(zerolog.Nop()), New(zerolog.Nop())
	a.RecordSkipped("entries")

	assert.NotContains(t, scrape(t, b), `source="entries"`)
}

func TestFetchTimer_NilSafe(t *testing.T) {
	var ft *FetchTimer
	assert.NotPanics(t, func() { ft.Stop(nil) })
}
