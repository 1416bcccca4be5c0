package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickbridge/tickbridge/internal/archive"
	"github.com/tickbridge/tickbridge/internal/delta"
	"github.com/tickbridge/tickbridge/internal/registry"
)

type apiFixture struct {
	srv       *httptest.Server
	engine    *delta.Engine
	watcherOK bool
	reloadErr error
	reloads   int
}

func newFixture(t *testing.T) *apiFixture {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "ESU25.tick.csv"),
		[]byte("2025-09-10T14:30:00.000000Z,6512.25,6512.00,6512.50,3,18234\n"), 0o644))

	reader, err := archive.NewReader(root, 64)
	require.NoError(t, err)

	rollover, err := registry.ParseDate("2099-12-11")
	require.NoError(t, err)
	expiration, err := registry.ParseDate("2099-12-19")
	require.NoError(t, err)
	reg, err := registry.New([]registry.SymbolRecord{{
		Identifier: "ESU25",
		Role:       registry.RolePrimary,
		Rollover:   rollover,
		Expiration: expiration,
	}})
	require.NoError(t, err)

	fx := &apiFixture{
		engine:    delta.NewEngine(zerolog.Nop()),
		watcherOK: true,
	}

	api := New(Deps{
		Reader:          reader,
		Engine:          fx.engine,
		Registry:        reg,
		SubscriberCount: func() int64 { return 3 },
		WatcherHealthy:  func() bool { return fx.watcherOK },
		Reload: func() error {
			fx.reloads++
			return fx.reloadErr
		},
	}, zerolog.Nop())

	mux := http.NewServeMux()
	api.Register(mux)
	fx.srv = httptest.NewServer(mux)
	t.Cleanup(fx.srv.Close)
	return fx
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func seedState(t *testing.T, fx *apiFixture) {
	t.Helper()
	last := 6512.25
	require.NotNil(t, fx.engine.Apply(&delta.Snapshot{
		Symbol: "ESU25",
		TS:     time.Date(2025, 9, 10, 14, 30, 0, 0, time.UTC),
		Last:   &last,
		Source: delta.SourceTickFile,
	}))
}

func TestHealthOK(t *testing.T) {
	fx := newFixture(t)
	seedState(t, fx)

	var body healthResponse
	code := getJSON(t, fx.srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusOK, body.Status)
	assert.True(t, body.WatcherOK)
	assert.True(t, body.ArchiveOK)
	assert.Equal(t, int64(3), body.Subscriptions)
	assert.Equal(t, map[string]uint64{"ESU25": 1}, body.LastSeq)
	assert.Equal(t, []string{"ESU25"}, body.ActiveSymbols)
}

func TestHealthDegradedWhenWatcherDown(t *testing.T) {
	fx := newFixture(t)
	fx.watcherOK = false

	var body healthResponse
	code := getJSON(t, fx.srv.URL+"/health", &body)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusDegraded, body.Status)
	assert.NotEmpty(t, body.Warnings)
}

func TestListAndStat(t *testing.T) {
	fx := newFixture(t)

	var listing struct {
		Entries []archive.Entry `json:"entries"`
	}
	code := getJSON(t, fx.srv.URL+"/list?path=", &listing)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "ESU25.tick.csv", listing.Entries[0].Name)

	var entry archive.Entry
	code = getJSON(t, fx.srv.URL+"/stat?path=ESU25.tick.csv", &entry)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, entry.IsDir)
}

func TestReadRange(t *testing.T) {
	fx := newFixture(t)

	resp, err := http.Get(fx.srv.URL + "/read?path=ESU25.tick.csv&offset=0&length=27&mode=text")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestArchiveErrorMapping(t *testing.T) {
	fx := newFixture(t)

	cases := []struct {
		url  string
		code int
		kind string
	}{
		{"/read?path=../etc/passwd", http.StatusForbidden, "forbidden"},
		{"/stat?path=nope.csv", http.StatusNotFound, "not-found"},
		{"/read?path=ESU25.tick.csv&length=9999", http.StatusRequestEntityTooLarge, "too-large"},
		{"/read?path=ESU25.tick.csv&offset=abc", http.StatusBadRequest, "bad-request"},
		{"/read?path=ESU25.tick.csv&mode=octal", http.StatusBadRequest, "bad-request"},
	}
	for _, tc := range cases {
		var body map[string]string
		code := getJSON(t, fx.srv.URL+tc.url, &body)
		assert.Equal(t, tc.code, code, tc.url)
		assert.Equal(t, tc.kind, body["error"], tc.url)
		assert.NotEmpty(t, body["message"], tc.url)
	}
}

func TestLatest(t *testing.T) {
	fx := newFixture(t)

	var errBody map[string]string
	code := getJSON(t, fx.srv.URL+"/latest?symbol=ESU25", &errBody)
	assert.Equal(t, http.StatusNotFound, code, "nothing published yet")

	seedState(t, fx)

	var msg struct {
		Type   string                 `json:"type"`
		Symbol string                 `json:"symbol"`
		Seq    uint64                 `json:"seq"`
		Fields map[string]interface{} `json:"fields"`
	}
	code = getJSON(t, fx.srv.URL+"/latest?symbol=ESU25", &msg)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "snapshot", msg.Type)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Equal(t, 6512.25, msg.Fields["last"])

	code = getJSON(t, fx.srv.URL+"/latest", &errBody)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestReload(t *testing.T) {
	fx := newFixture(t)

	resp, err := http.Get(fx.srv.URL + "/reload")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, 0, fx.reloads)

	resp, err = http.Post(fx.srv.URL+"/reload", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, fx.reloads)

	fx.reloadErr = errors.New("config-invalid: duplicate identifier")
	resp, err = http.Post(fx.srv.URL+"/reload", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 2, fx.reloads)
}
