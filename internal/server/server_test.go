package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickbridge/tickbridge/internal/config"
	"github.com/tickbridge/tickbridge/internal/protocol"
	"github.com/tickbridge/tickbridge/internal/registry"
)

func testConfig(t *testing.T, archiveRoot string) *config.Config {
	t.Helper()
	rollover, err := registry.ParseDate("2099-12-11")
	require.NoError(t, err)
	expiration, err := registry.ParseDate("2099-12-19")
	require.NoError(t, err)

	doc := filepath.Join(t.TempDir(), "symbols.json")
	require.NoError(t, os.WriteFile(doc, []byte(`{
	  "archive_root": "`+archiveRoot+`",
	  "symbols": [{
	    "identifier": "ESU25",
	    "role": "primary",
	    "expiration": "2099-12-19",
	    "rollover": "2099-12-11"
	  }]
	}`), 0o644))

	return &config.Config{
		ConfigPath:       doc,
		Listen:           "127.0.0.1:0",
		ArchiveRoot:      archiveRoot,
		Debounce:         50 * time.Millisecond,
		QueueDepth:       16,
		Policy:           config.PolicyDropOldest,
		KeepaliveEvery:   time.Second,
		KeepaliveTimeout: 5 * time.Second,
		WriteTimeout:     time.Second,
		ReadMaxBytes:     4 << 20,
		ShutdownGrace:    2 * time.Second,
		LogLevel:         "info",
		LogFormat:        "json",
		Symbols: []registry.SymbolRecord{{
			Identifier: "ESU25",
			Role:       registry.RolePrimary,
			Rollover:   rollover,
			Expiration: expiration,
		}},
	}
}

func startBridge(t *testing.T, cfg *config.Config) *Bridge {
	t.Helper()
	b, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Shutdown)
	return b
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(line)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func waitForLatest(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/latest?symbol=ESU25")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond, "startup resync never primed the engine")
}

func readData(t *testing.T, conn net.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		data, err := wsutil.ReadServerText(conn)
		require.NoError(t, err)
		msg, err := protocol.DecodeMessage(data)
		require.NoError(t, err)
		if msg.Type != protocol.TypeKeepalive {
			return msg
		}
	}
}

func TestBridgeEndToEnd(t *testing.T) {
	root := t.TempDir()
	tickFile := filepath.Join(root, "ESU25.tick.csv")
	appendLine(t, tickFile, "2025-09-10T14:30:00.000000Z,6512.25,6512.00,6512.50,3,18234\n")

	b := startBridge(t, testConfig(t, root))
	waitForLatest(t, b.Addr())

	// Streaming handshake: subscribe, get the full state first.
	conn, _, _, err := ws.Dial(context.Background(), "ws://"+b.Addr()+"/ws")
	require.NoError(t, err)
	defer conn.Close()

	sub, err := (&protocol.ClientMessage{Type: protocol.TypeSubscribe, Symbols: []string{"ESU25"}}).Encode()
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, sub))

	snap := readData(t, conn)
	assert.Equal(t, protocol.TypeSnapshot, snap.Type)
	assert.Equal(t, "ESU25", snap.Symbol)
	assert.Equal(t, 6512.25, snap.Fields[protocol.FieldLast])

	// A file append surfaces as a delta carrying only the changes.
	appendLine(t, tickFile, "2025-09-10T14:30:01.000000Z,6513.00,6512.00,6512.50,2,18236\n")

	deltaMsg := readData(t, conn)
	assert.Equal(t, protocol.TypeDelta, deltaMsg.Type)
	assert.Equal(t, snap.Seq+1, deltaMsg.Seq)
	assert.Equal(t, 6513.00, deltaMsg.Fields[protocol.FieldLast])
	assert.NotContains(t, deltaMsg.Fields, protocol.FieldBid)
}

func TestBridgeHealthEndpoint(t *testing.T) {
	root := t.TempDir()
	b := startBridge(t, testConfig(t, root))

	resp, err := http.Get("http://" + b.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status    string `json:"status"`
		WatcherOK bool   `json:"watcher_ok"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.WatcherOK)
}

func TestBridgeReloadEndpoint(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	b := startBridge(t, cfg)

	resp, err := http.Post("http://"+b.Addr()+"/reload", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A broken document leaves the running registry untouched.
	require.NoError(t, os.WriteFile(cfg.ConfigPath, []byte("{broken"), 0o644))
	resp, err = http.Post("http://"+b.Addr()+"/reload", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRolloverRefreshesWatchSet(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)

	// A primary chain mid-life: ESU25 hands off to ESZ25 tomorrow.
	now := time.Now().UTC()
	handoff := registry.DateOf(now.Add(24 * time.Hour))
	far, err := registry.ParseDate("2099-12-11")
	require.NoError(t, err)
	expiration, err := registry.ParseDate("2099-12-19")
	require.NoError(t, err)
	cfg.Symbols = []registry.SymbolRecord{
		{Identifier: "ESU25", Role: registry.RolePrimary, Rollover: handoff, Expiration: expiration},
		{Identifier: "ESZ25", Role: registry.RolePrimary, Rollover: far, Expiration: expiration},
	}

	b := startBridge(t, cfg)

	// Before the handoff the successor is not in the watch set.
	succFile := filepath.Join(root, "ESZ25.tick.csv")
	appendLine(t, succFile, "2025-09-10T14:30:00.000000Z,6512.25,6512.00,6512.50,3,18234\n")
	time.Sleep(200 * time.Millisecond)
	resp, err := http.Get("http://" + b.Addr() + "/latest?symbol=ESZ25")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Two days on the date check fires and the chain has rolled over;
	// the successor's file updates must start flowing without a reload.
	b.checkRollover(now.Add(48 * time.Hour))

	appendLine(t, succFile, "2025-09-10T14:30:01.000000Z,6513.00,6512.00,6512.50,2,18236\n")
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + b.Addr() + "/latest?symbol=ESZ25")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond, "successor updates never reached the engine")
}

func TestBridgeWatcherStartFailureStopsGoroutines(t *testing.T) {
	base := t.TempDir()
	archiveDir := filepath.Join(base, "archive")
	require.NoError(t, os.Mkdir(archiveDir, 0o755))

	cfg := testConfig(t, archiveDir)
	b, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	// The root vanishes between assembly and startup.
	require.NoError(t, os.RemoveAll(archiveDir))

	err = b.Start(context.Background())
	require.ErrorIs(t, err, ErrArchiveRoot)

	// A failed startup must not leave the ingest goroutines behind.
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutines still running after failed startup")
	}
}

func TestBridgeArchiveRootMissing(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "absent"))
	_, err := New(cfg, zerolog.Nop())
	require.ErrorIs(t, err, ErrArchiveRoot)
}

func TestBridgeBindFailure(t *testing.T) {
	root := t.TempDir()

	// Occupy a port, then ask the bridge for it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig(t, root)
	cfg.Listen = l.Addr().String()

	b, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	err = b.Start(context.Background())
	require.ErrorIs(t, err, ErrBind)
}
