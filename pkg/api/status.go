package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthResponse contains node health information
type HealthResponse struct {
	Success        bool   `json:"success"`
	Status         string `json:"status"` // "healthy" or "isolated"
	Uptime         string `json:"uptime"`
	OpenSessions   int    `json:"openSessions"`
	ReachablePeers int    `json:"reachablePeers"`
}

// NodeInfoResponse contains information about this node
type NodeInfoResponse struct {
	Success    bool          `json:"success"`
	PeerID     string        `json:"peerId"`
	Addresses  []string      `json:"addresses"`
	Sessions   []SessionInfo `json:"sessions"`
	HasPending bool          `json:"hasPending"`
	StartedAt  time.Time     `json:"startedAt"`
}

// SessionInfo describes one open session
type SessionInfo struct {
	ID         string    `json:"id"`
	RemotePeer string    `json:"remotePeer"`
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	Opened     time.Time `json:"opened"`
}

// PeerInfo is one reachable peer and the sessions it is reachable over
type PeerInfo struct {
	PeerID   string   `json:"peerId"`
	Sessions []string `json:"sessions"`
}

// PeersResponse lists the presence table
type PeersResponse struct {
	Success bool       `json:"success"`
	Count   int        `json:"count"`
	Peers   []PeerInfo `json:"peers"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	sessions := len(s.node.Sessions())
	status := "healthy"
	if sessions == 0 {
		status = "isolated"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Success:        true,
		Status:         status,
		Uptime:         time.Since(s.startedAt).Round(time.Second).String(),
		OpenSessions:   sessions,
		ReachablePeers: s.table.Len(),
	})
}

// handleNodeInfo handles GET /api/v1/node/info
func (s *Server) handleNodeInfo(c *gin.Context) {
	addrs := s.node.FullAddrs()
	resp := NodeInfoResponse{
		Success:    true,
		PeerID:     s.node.LocalPeerID().String(),
		Addresses:  make([]string, 0, len(addrs)),
		Sessions:   []SessionInfo{},
		HasPending: s.table.HasPending(),
		StartedAt:  s.startedAt,
	}
	for _, a := range addrs {
		resp.Addresses = append(resp.Addresses, a.String())
	}
	for _, info := range s.node.Sessions() {
		si := SessionInfo{
			ID:         string(info.ID),
			RemotePeer: info.RemotePeer.String(),
			Opened:     info.Opened,
		}
		if info.RemoteAddr != nil {
			si.RemoteAddr = info.RemoteAddr.String()
		}
		resp.Sessions = append(resp.Sessions, si)
	}

	c.JSON(http.StatusOK, resp)
}

// handlePresencePeers handles GET /api/v1/presence/peers
func (s *Server) handlePresencePeers(c *gin.Context) {
	snapshot := s.table.Snapshot()
	peers := make([]PeerInfo, 0, len(snapshot))
	for _, p := range s.table.CurrentlyReachablePeers() {
		sessions, ok := snapshot[p]
		if !ok {
			continue
		}
		info := PeerInfo{PeerID: p.String(), Sessions: make([]string, 0, len(sessions))}
		for _, id := range sessions {
			info.Sessions = append(info.Sessions, string(id))
		}
		peers = append(peers, info)
	}

	c.JSON(http.StatusOK, PeersResponse{
		Success: true,
		Count:   len(peers),
		Peers:   peers,
	})
}
