package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/config"
	"marketflow/internal/aggregation"
	"marketflow/internal/metrics"
	"marketflow/internal/session"
	"marketflow/models"
	"marketflow/reader/binance"
)

var errClosed = errors.New("closed")

// scriptConn replays frames once, then blocks until closed.
type scriptConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *scriptConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errClosed
	}
}

func (c *scriptConn) WriteMessage([]byte) error { return nil }
func (c *scriptConn) SetReadDeadline(time.Time) error { return nil }

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type scriptConnector struct {
	frames []string
}

func (s scriptConnector) Connect(context.Context, string) (session.Conn, error) {
	c := &scriptConn{frames: make(chan []byte, len(s.frames)), closed: make(chan struct{})}
	for _, f := range s.frames {
		c.frames <- []byte(f)
	}
	return c, nil
}

var tradeFrames = []string{
	`{"e":"aggTrade","E":1,"s":"BTCUSDT","a":1,"p":"100.4","q":"1.5","T":60500,"m":false}`,
	`{"e":"aggTrade","E":1,"s":"BTCUSDT","a":2,"p":"95","q":"2","T":60600,"m":true}`,
	`{"e":"aggTrade","E":1,"s":"BTCUSDT","a":3,"p":"101","q":"1","T":120100,"m":false}`,
}

func startServer(t *testing.T) *Server {
	t.Helper()

	step, err := models.ParsePriceStep("10")
	require.NoError(t, err)

	s, err := session.New(session.Config{
		Key:           session.NewStreamKey("binance", "BTCUSDT"),
		Endpoint:      "ws://test",
		FlushInterval: 10 * time.Millisecond,
		Step:          step,
		Basis:         aggregation.TimeBasis(time.Minute),
	}, scriptConnector{frames: tradeFrames}, binance.NewDecoder("BTCUSDT"))
	require.NoError(t, err)

	mgr := session.NewManager()
	require.NoError(t, mgr.Add(s))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		views, err := mgr.LatestBuckets(s.Key(), 10)
		return err == nil && len(views) == 2
	}, 2*time.Second, 10*time.Millisecond)

	srv := NewServer(
		config.APIConfig{Enabled: true, Listen: ":0"},
		config.PrometheusConfig{Enabled: true, Path: "/metrics"},
		mgr,
		metrics.NewCollectors(),
	)
	require.NotNil(t, srv)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestNewServerDisabled(t *testing.T) {
	assert.Nil(t, NewServer(config.APIConfig{}, config.PrometheusConfig{}, session.NewManager(), nil))
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                     "0.0.0.0:8080",
		" :9090 ":              "0.0.0.0:9090",
		"localhost":            "localhost:8080",
		"127.0.0.1:80":         "127.0.0.1:80",
		"*:8081":               "0.0.0.0:8081",
		"http://10.0.0.1:7070": "10.0.0.1:7070",
		"::1":                  "[::1]:8080",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeAddress(in), in)
	}
}

func TestListStreams(t *testing.T) {
	srv := startServer(t)

	code, body := do(t, srv, http.MethodGet, "/api/v1/streams", "")
	require.Equal(t, http.StatusOK, code)
	streams := body["streams"].([]interface{})
	require.Len(t, streams, 1)
	entry := streams[0].(map[string]interface{})
	assert.Equal(t, "connected", entry["state"])
	assert.Equal(t, "BTCUSDT", entry["stream"].(map[string]interface{})["symbol"])

	code, body = do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestBucketQueries(t *testing.T) {
	srv := startServer(t)

	code, body := do(t, srv, http.MethodGet, "/api/v1/streams/binance/btcusdt/buckets?n=5", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["buckets"], 2)

	code, body = do(t, srv, http.MethodGet, "/api/v1/streams/binance/BTCUSDT/buckets/60000", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3.5, body["volume"])
	assert.Len(t, body["levels"], 2)
	poc := body["poc"].(map[string]interface{})
	assert.Equal(t, "100", poc["price"])

	code, body = do(t, srv, http.MethodGet, "/api/v1/streams/binance/BTCUSDT/buckets/60000/max?metric=total", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, body["value"])

	code, body = do(t, srv, http.MethodGet, "/api/v1/streams/binance/BTCUSDT/buckets/60000/imbalances?ratio=0.5", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["imbalances"], 2)

	code, body = do(t, srv, http.MethodGet, "/api/v1/streams/binance/BTCUSDT/poc?lookback=5", "")
	require.Equal(t, http.StatusOK, code)
	pocs := body["points_of_control"].([]interface{})
	require.Len(t, pocs, 2)
	assert.Equal(t, "naked", pocs[0].(map[string]interface{})["status"])
	assert.Equal(t, "none", pocs[1].(map[string]interface{})["status"])
}

func TestBookQuery(t *testing.T) {
	srv := startServer(t)

	code, body := do(t, srv, http.MethodGet, "/api/v1/streams/binance/BTCUSDT/book", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, body["bid_levels"])
}

func TestQueryErrors(t *testing.T) {
	srv := startServer(t)

	cases := []struct {
		path string
		code int
	}{
		{"/api/v1/streams/bybit/BTCUSDT/book", http.StatusNotFound},
		{"/api/v1/streams/binance/BTCUSDT/buckets/999", http.StatusNotFound},
		{"/api/v1/streams/binance/BTCUSDT/buckets/abc", http.StatusBadRequest},
		{"/api/v1/streams/binance/BTCUSDT/buckets/60000/max?metric=median", http.StatusBadRequest},
		{"/api/v1/streams/binance/BTCUSDT/buckets/60000/imbalances?ratio=-1", http.StatusBadRequest},
		{"/api/v1/streams/binance/BTCUSDT/buckets?n=0", http.StatusBadRequest},
		{"/api/v1/streams/binance/BTCUSDT/poc?lookback=-2", http.StatusBadRequest},
	}
	for _, tc := range cases {
		code, body := do(t, srv, http.MethodGet, tc.path, "")
		assert.Equal(t, tc.code, code, tc.path)
		assert.NotEmpty(t, body["error"], tc.path)
	}
}

func TestBackfillErrors(t *testing.T) {
	srv := startServer(t)
	path := "/api/v1/streams/binance/BTCUSDT/backfill"

	code, _ := do(t, srv, http.MethodPost, path, `{"kind":"trades","from":0,"to":60000}`)
	assert.Equal(t, http.StatusNotImplemented, code)

	code, _ = do(t, srv, http.MethodPost, path, `{"kind":"depth","from":0,"to":60000}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, srv, http.MethodPost, path, `{"kind":"trades","from":10,"to":5}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, srv, http.MethodPost, path, `{"kind":`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMetricsEndpoints(t *testing.T) {
	srv := startServer(t)

	metrics.EmitDropMetric(nil, metrics.DropMetricSubscriber, "binance", "BTCUSDT", "subscriber")

	code, body := do(t, srv, http.MethodGet, "/api/v1/metrics/recent", "")
	require.Equal(t, http.StatusOK, code)
	found := false
	for _, m := range body["metrics"].([]interface{}) {
		if m.(map[string]interface{})["name"] == string(metrics.DropMetricSubscriber) {
			found = true
		}
	}
	assert.True(t, found)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricStoreKeepsNewest(t *testing.T) {
	store := newMetricStore(2)
	for _, name := range []string{"a", "b", "c"} {
		store.handle(metrics.Metric{Name: name})
	}
	snap := store.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].Name)
	assert.Equal(t, "c", snap[1].Name)
}
