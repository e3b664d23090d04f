package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluesky-social/ozone/internal/testutil"
	"github.com/bluesky-social/ozone/labels"
	"github.com/bluesky-social/ozone/signing"
)

const serviceDID = "did:plc:ozoneservice"

type serverEnv struct {
	srv   *Server
	store *labels.Store
	seq   *labels.Sequencer
	http  *httptest.Server
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	db := testutil.TestDB(t)
	key, err := signing.GeneratePrivateKey()
	require.NoError(t, err)
	notifier := labels.NewLocalNotifier()
	store, err := labels.NewStore(serviceDID, key, notifier, nil)
	require.NoError(t, err)
	seq := labels.NewSequencer(db, store, notifier, labels.SequencerOptions{})

	srv := NewServer(db, seq, ServerConfig{OutboxBuffer: 10, Registerer: prometheus.NewRegistry()})
	hs := httptest.NewServer(srv.echo)
	t.Cleanup(hs.Close)
	return &serverEnv{srv: srv, store: store, seq: seq, http: hs}
}

func (env *serverEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/xrpc/com.atproto.label.subscribeLabels" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	mt, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	return msg
}

func TestHealthCheck(t *testing.T) {
	env := newServerEnv(t)
	resp, err := http.Get(env.http.URL + "/_health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubscribeLabelsBadCursor(t *testing.T) {
	env := newServerEnv(t)
	resp, err := http.Get(env.http.URL + "/xrpc/com.atproto.label.subscribeLabels?cursor=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscribeLabelsFutureCursor(t *testing.T) {
	env := newServerEnv(t)
	require.NoError(t, env.seq.Start(context.Background()))

	conn := env.dial(t, "?cursor=100")
	msg := readFrame(t, conn)
	assert.True(t, bytes.Contains(msg, []byte("FutureCursor")))
}

func TestSubscribeLabelsOutdatedCursor(t *testing.T) {
	ctx := context.Background()
	env := newServerEnv(t)

	// rewriting the same label replaces its row, so the oldest remaining id
	// moves forward
	for range 3 {
		_, err := env.store.CreateLabels(ctx, env.srv.db, []labels.Label{{URI: "did:plc:alice", Val: "spam"}})
		require.NoError(t, err)
	}
	require.NoError(t, env.seq.Start(ctx))

	conn := env.dial(t, "?cursor=0")
	info := readFrame(t, conn)
	assert.True(t, bytes.Contains(info, []byte(labels.InfoOutdatedCursor)))

	evt := readFrame(t, conn)
	assert.True(t, bytes.Contains(evt, []byte("#labels")))
	assert.True(t, bytes.Contains(evt, []byte("did:plc:alice")))
}

func TestServerRequestMetrics(t *testing.T) {
	db := testutil.TestDB(t)
	key, err := signing.GeneratePrivateKey()
	require.NoError(t, err)
	notifier := labels.NewLocalNotifier()
	store, err := labels.NewStore(serviceDID, key, notifier, nil)
	require.NoError(t, err)
	seq := labels.NewSequencer(db, store, notifier, labels.SequencerOptions{})

	// each server owns its registry, so several can live in one process
	var regs []*prometheus.Registry
	for range 2 {
		reg := prometheus.NewRegistry()
		regs = append(regs, reg)
		srv := NewServer(db, seq, ServerConfig{Registerer: reg})
		hs := httptest.NewServer(srv.echo)
		t.Cleanup(hs.Close)

		resp, err := http.Get(hs.URL + "/_health")
		require.NoError(t, err)
		resp.Body.Close()
	}

	for _, reg := range regs {
		families, err := reg.Gather()
		require.NoError(t, err)
		var found bool
		for _, mf := range families {
			if strings.HasSuffix(mf.GetName(), "requests_total") {
				found = true
				require.Len(t, mf.GetMetric(), 1)
				assert.Equal(t, float64(1), mf.GetMetric()[0].GetCounter().GetValue())
			}
		}
		assert.True(t, found)
	}
}
