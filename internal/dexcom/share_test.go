package dexcom

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-chart/internal/config"
	"github.com/mrcode/nightscout-chart/internal/models"
)

const (
	testAccount = "11111111-2222-3333-4444-555555555555"
	testSession = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
)

type fakeShare struct {
	logins  atomic.Int32
	expired atomic.Bool
	session string
}

func (f *fakeShare) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pathAuthenticate, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "user", body["accountName"])
		assert.Equal(t, appIDDefault, body["applicationId"])
		_ = json.NewEncoder(w).Encode(testAccount)
	})
	mux.HandleFunc(pathLogin, func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, testAccount, body["accountId"])
		_ = json.NewEncoder(w).Encode(f.session)
	})
	mux.HandleFunc(pathReadings, func(w http.ResponseWriter, r *http.Request) {
		if f.expired.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"Code":"SessionIdNotFound"}`))
			return
		}
		assert.Equal(t, testSession, r.URL.Query().Get("sessionId"))
		_, _ = w.Write([]byte(`[
			{"WT":"Date(1709294400000)","ST":"Date(1709294400000)","DT":"Date(1709294400000+0100)","Value":126,"Trend":"FortyFiveUp"},
			{"WT":"Date(1709294100000)","ST":"Date(1709294100000)","DT":"Date(1709294100000+0100)","Value":120,"Trend":4},
			{"WT":"garbage","Value":1,"Trend":"Flat"}
		]`))
	})
	return mux
}

func newTestClient(url string) *Client {
	c := NewClient(config.DexcomSettings{Username: "user", Password: "pass"}, zerolog.Nop())
	c.hosts = map[string]string{"OUS": url, "US": url}
	return c
}

func TestSamples(t *testing.T) {
	fake := &fakeShare{session: testSession}
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	c := newTestClient(server.URL)
	samples, err := c.Samples(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 2)

	assert.Equal(t, time.UnixMilli(1709294100000).UTC(), samples[0].Time)
	assert.Equal(t, "Flat", samples[0].Trend)
	assert.Equal(t, "FortyFiveUp", samples[1].Trend)
	assert.InDelta(t, 7.0, samples[1].Value, 0.01)

	_, err = c.Samples(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.logins.Load(), "session is reused")
}

func TestSamples_RelogsInOnExpiredSession(t *testing.T) {
	fake := &fakeShare{session: testSession}
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Samples(context.Background())
	require.NoError(t, err)

	fake.expired.Store(true)
	samples, err := c.Samples(context.Background())
	require.NoError(t, err)
	assert.Len(t, samples, 2)
	assert.Equal(t, int32(2), fake.logins.Load())
}

func TestSamples_BadCredentials(t *testing.T) {
	fake := &fakeShare{session: "00000000-0000-0000-0000-000000000000"}
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	_, err := newTestClient(server.URL).Samples(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrFetchFailure))
	assert.Contains(t, err.Error(), "invalid credentials")
}

func TestParseShareDate(t *testing.T) {
	got, err := parseShareDate("Date(1709294400000+0100)")
	require.NoError(t, err)
	assert.Equal(t, int64(1709294400000), got.UnixMilli())

	_, err = parseShareDate("/Date()/")
	assert.ErrorIs(t, err, models.ErrMalformedRecord)
}

func TestNewClient_Regions(t *testing.T) {
	assert.Equal(t, []string{"OUS", "US"}, NewClient(config.DexcomSettings{}, zerolog.Nop()).regions)
	assert.Equal(t, []string{"JP"}, NewClient(config.DexcomSettings{Region: "jp"}, zerolog.Nop()).regions)
}
