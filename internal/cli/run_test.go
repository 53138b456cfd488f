package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QYUbit/cosync/pkg/colog"
	"github.com/QYUbit/cosync/pkg/config"
	"github.com/QYUbit/cosync/pkg/entity"
	"github.com/QYUbit/cosync/pkg/transport"
	websockets "github.com/QYUbit/cosync/pkg/transport/websocket"
)

func testPeer(t *testing.T) *peer {
	t.Helper()
	cfg := config.Default()
	cfg.NetworkID = 11
	cfg.Components = append(cfg.Components, config.ComponentConfig{ID: 2, Kind: config.ComponentRaw})

	p, err := newPeer(cfg, colog.Nop)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.node.Close()
		_ = p.replica.Close()
	})
	return p
}

func TestPeer_RegistersComponents(t *testing.T) {
	p := testPeer(t)
	assert.Equal(t, []entity.ComponentID{1, 2}, p.world.ComponentIDs())
}

func TestPeer_StatsEndpoint(t *testing.T) {
	p := testPeer(t)
	srv := httptest.NewServer(p.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(11), body["network"])
	assert.Equal(t, "peer", body["role"])
	assert.Equal(t, float64(0), body["peers"])
	assert.Contains(t, body, "ticks")

	post, err := http.Post(srv.URL+"/debug/stats", "text/plain", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestPeer_WebSocketPeersAreAttached(t *testing.T) {
	p := testPeer(t)
	srv := httptest.NewServer(p.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	c, err := websockets.Dial(ctx, url, nil, transport.LinkConfig{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.node.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return p.node.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestNewLogger_Backends(t *testing.T) {
	for _, backend := range []string{"slog", "zerolog", "logrus"} {
		for _, format := range []string{"text", "json"} {
			t.Run(backend+"/"+format, func(t *testing.T) {
				var out bytes.Buffer
				log, err := newLogger(config.LogConfig{Level: "info", Format: format, Backend: backend}, false, &out)
				require.NoError(t, err)

				log.Debug("hidden", "k", 1)
				log.Info("peer connected", "transport", "ws:1")
				assert.Contains(t, out.String(), "peer connected")
				assert.Contains(t, out.String(), "ws:1")
				assert.NotContains(t, out.String(), "hidden")
			})
		}
	}
}

func TestNewLogger_VerboseAndBadLevel(t *testing.T) {
	var out bytes.Buffer
	log, err := newLogger(config.LogConfig{Level: "error", Format: "text", Backend: "slog"}, true, &out)
	require.NoError(t, err)
	log.Debug("shown")
	assert.Contains(t, out.String(), "shown")

	for _, backend := range []string{"slog", "zerolog", "logrus"} {
		_, err := newLogger(config.LogConfig{Level: "loud", Format: "text", Backend: backend}, false, &out)
		assert.Error(t, err, backend)
	}
}
