package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// PeerResponse is the JSON view of one known peer
type PeerResponse struct {
	ID               string `json:"id"`
	Nickname         string `json:"nickname"`
	Fingerprint      string `json:"fingerprint"`
	IsDirect         bool   `json:"isDirect"`
	NoiseEstablished bool   `json:"noiseEstablished"`
	LastSeen         int64  `json:"lastSeen"`
}

// ConnectionResponse is the JSON view of one live link
type ConnectionResponse struct {
	Link             string `json:"link"`
	Peer             string `json:"peer,omitempty"`
	RSSI             int    `json:"rssi"`
	LastSeen         int64  `json:"lastSeen"`
	NoiseEstablished bool   `json:"noiseEstablished"`
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Snapshot())
}

// handlePeers handles GET /api/v1/peers
func (s *Server) handlePeers(c *gin.Context) {
	peers := s.svc.Peers()

	out := make([]PeerResponse, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerResponse{
			ID:               p.ID.String(),
			Nickname:         p.Nickname,
			Fingerprint:      p.Fingerprint,
			IsDirect:         p.IsDirect,
			NoiseEstablished: p.NoiseEstablished,
			LastSeen:         p.LastSeen,
		})
	}

	c.JSON(http.StatusOK, gin.H{"count": len(out), "peers": out})
}

// handleConnections handles GET /api/v1/connections
func (s *Server) handleConnections(c *gin.Context) {
	conns := s.svc.Connections()

	out := make([]ConnectionResponse, 0, len(conns))
	for _, rec := range conns {
		cr := ConnectionResponse{
			Link:             string(rec.Link),
			RSSI:             rec.RSSI,
			LastSeen:         rec.LastSeen.UnixMilli(),
			NoiseEstablished: rec.NoiseEstablished,
		}
		if !rec.Peer.IsZero() {
			cr.Peer = rec.Peer.String()
		}
		out = append(out, cr)
	}

	c.JSON(http.StatusOK, gin.H{"count": len(out), "connections": out})
}

// handlePower handles GET /api/v1/power
func (s *Server) handlePower(c *gin.Context) {
	pm := s.svc.Power()
	params := pm.Params()

	c.JSON(http.StatusOK, gin.H{
		"mode":              pm.Mode().String(),
		"scanInterval":      params.ScanInterval.String(),
		"maxConnections":    params.MaxConnections,
		"connectionTimeout": params.ConnectionTimeout.String(),
	})
}

// handleRelay handles GET /api/v1/relay
func (s *Server) handleRelay(c *gin.Context) {
	snap := s.svc.Snapshot()

	c.JSON(http.StatusOK, gin.H{
		"relayed":          snap.Relayed,
		"damped":           snap.Damped,
		"choked":           snap.Choked,
		"dedupSize":        snap.DedupSize,
		"droppedRate":      snap.DroppedRate,
		"droppedRssi":      snap.DroppedRSSI,
		"droppedMalformed": snap.DroppedMalformed,
		"droppedBlocked":   snap.DroppedBlocked,
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"peer":      s.svc.LocalPeerID().String(),
		"timestamp": time.Now().UnixMilli(),
	})
}
