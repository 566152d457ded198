package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZentaChain/zentalk-presence/pkg/network"
	"github.com/ZentaChain/zentalk-presence/pkg/presence"
	"github.com/ZentaChain/zentalk-presence/pkg/telemetry"
)

type fakeNode struct {
	id       peer.ID
	addrs    []multiaddr.Multiaddr
	sessions []network.SessionInfo
}

func (n *fakeNode) LocalPeerID() peer.ID             { return n.id }
func (n *fakeNode) FullAddrs() []multiaddr.Multiaddr { return n.addrs }
func (n *fakeNode) Sessions() []network.SessionInfo  { return n.sessions }

func newTestServer(t *testing.T, node *fakeNode, table *presence.Table, metrics *telemetry.Metrics) *Server {
	t.Helper()
	return NewServer(node, table, metrics, DefaultConfig(), zaptest.NewLogger(t))
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	node := &fakeNode{id: "self"}
	table := presence.NewTable()
	s := newTestServer(t, node, table, nil)

	t.Run("Isolated", func(t *testing.T) {
		w := get(t, s, "/health")
		assert.Equal(t, http.StatusOK, w.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, "isolated", resp.Status)
		assert.Zero(t, resp.OpenSessions)
	})

	t.Run("Healthy", func(t *testing.T) {
		node.sessions = []network.SessionInfo{{ID: "s1", RemotePeer: "peer-a"}}
		table.RecordConnected("peer-a", "s1")

		w := get(t, s, "/health")
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, 1, resp.OpenSessions)
		assert.Equal(t, 1, resp.ReachablePeers)
	})
}

func TestNodeInfo(t *testing.T) {
	addr := multiaddr.StringCast("/ip4/127.0.0.1/tcp/4001")
	opened := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	node := &fakeNode{
		id:    "self",
		addrs: []multiaddr.Multiaddr{addr},
		sessions: []network.SessionInfo{
			{ID: "s1", RemotePeer: "peer-a", RemoteAddr: addr, Opened: opened},
			{ID: "s2", RemotePeer: "peer-b", Opened: opened},
		},
	}
	table := presence.NewTable()
	table.SetPending(presence.Pending{Recipient: "X", Message: "hi"})
	s := newTestServer(t, node, table, nil)

	w := get(t, s, "/api/v1/node/info")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp NodeInfoResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, peer.ID("self").String(), resp.PeerID)
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/4001"}, resp.Addresses)
	assert.True(t, resp.HasPending)
	require.Len(t, resp.Sessions, 2)
	assert.Equal(t, "s1", resp.Sessions[0].ID)
	assert.Equal(t, "/ip4/127.0.0.1/tcp/4001", resp.Sessions[0].RemoteAddr)
	assert.Empty(t, resp.Sessions[1].RemoteAddr)
	assert.True(t, opened.Equal(resp.Sessions[1].Opened))
}

func TestPresencePeers(t *testing.T) {
	table := presence.NewTable()
	s := newTestServer(t, &fakeNode{id: "self"}, table, nil)

	t.Run("Empty", func(t *testing.T) {
		w := get(t, s, "/api/v1/presence/peers")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"success":true,"count":0,"peers":[]}`, w.Body.String())
	})

	t.Run("Populated", func(t *testing.T) {
		table.RecordConnected("peer-b", "s2")
		table.RecordConnected("peer-a", "s3")
		table.RecordConnected("peer-a", "s1")

		w := get(t, s, "/api/v1/presence/peers")
		var resp PeersResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
		require.Len(t, resp.Peers, 2)
		assert.Equal(t, peer.ID("peer-a").String(), resp.Peers[0].PeerID)
		assert.Equal(t, []string{"s1", "s3"}, resp.Peers[0].Sessions)
		assert.Equal(t, []string{"s2"}, resp.Peers[1].Sessions)
	})

	t.Run("ReadOnly", func(t *testing.T) {
		before := table.Snapshot()
		get(t, s, "/api/v1/presence/peers")
		assert.Equal(t, before, table.Snapshot())
	})
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := telemetry.NewMetrics()
	metrics.SetReachable(3)
	s := newTestServer(t, &fakeNode{id: "self"}, presence.NewTable(), metrics)

	w := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "zentalk_presence_reachable_peers 3")
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, &fakeNode{id: "self"}, presence.NewTable(), nil)

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	config := DefaultConfig()
	config.EnableCORS = false
	plain := NewServer(&fakeNode{id: "self"}, presence.NewTable(), nil, config, nil)
	w = get(t, plain, "/health")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, &fakeNode{id: "self"}, presence.NewTable(), nil)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/v1/storage/upload").Code)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, &fakeNode{id: "self"}, presence.NewTable(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &http.Client{Timeout: 5 * time.Second}
	defer client.CloseIdleConnections()

	resp, err := client.Get(fmt.Sprintf("http://%s/health", ln.Addr()))
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
