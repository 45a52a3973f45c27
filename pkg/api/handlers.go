package api

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/aurora-ledger/network/pkg/gossip"
)

// peerResponse is the wire form of a registry entry.
type peerResponse struct {
	ID        string   `json:"id"`
	Addresses []string `json:"addresses"`
	Relation  string   `json:"relation"`
	State     string   `json:"state"`
}

type addPeerRequest struct {
	// A full multiaddr including the /p2p/<id> component.
	Address string `json:"address" binding:"required"`
}

type banPeerRequest struct {
	Reason string `json:"reason"`
}

type broadcastRequest struct {
	// Base64-encoded message payload.
	Payload string `json:"payload" binding:"required"`
}

// GET /api/v1/node/info
func (s *Server) handleGetNodeInfo(c *gin.Context) {
	info := s.services.Network.NodeInfo()
	peers, err := s.services.Network.Peers(c.Request.Context())
	if err != nil {
		errorResponse(c, err)
		return
	}
	for _, p := range peers {
		if p.State == gossip.StateConnected {
			info.PeerCount++
		}
	}
	successResponse(c, info)
}

// GET /api/v1/node/peers
func (s *Server) handleGetPeers(c *gin.Context) {
	peers, err := s.services.Network.Peers(c.Request.Context())
	if err != nil {
		errorResponse(c, err)
		return
	}

	out := make([]peerResponse, 0, len(peers))
	for _, p := range peers {
		addrs := make([]string, len(p.Addrs))
		for i, a := range p.Addrs {
			addrs[i] = a.String()
		}
		out = append(out, peerResponse{
			ID:        p.ID.String(),
			Addresses: addrs,
			Relation:  p.Relation.String(),
			State:     p.State.String(),
		})
	}
	successResponse(c, out)
}

// POST /api/v1/node/peers
func (s *Server) handleAddPeer(c *gin.Context) {
	var req addPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIError{
			Code:    http.StatusBadRequest,
			Message: "address is required",
		})
		return
	}

	maddr, err := multiaddr.NewMultiaddr(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, APIError{
			Code:    http.StatusBadRequest,
			Message: "invalid multiaddr: " + err.Error(),
		})
		return
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		c.JSON(http.StatusBadRequest, APIError{
			Code:    http.StatusBadRequest,
			Message: "address must include a /p2p/ peer identity",
		})
		return
	}

	if err := s.services.Network.Connect(c.Request.Context(), info.ID, info.Addrs); err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusAccepted, APIResponse{
		Data:    gin.H{"id": info.ID.String()},
		Message: "dial queued",
	})
}

// DELETE /api/v1/node/peers/:id
func (s *Server) handleRemovePeer(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}
	if err := s.services.Network.Disconnect(c.Request.Context(), id); err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, gin.H{"id": id.String()})
}

// POST /api/v1/node/peers/:id/ban
func (s *Server) handleBanPeer(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}
	var req banPeerRequest
	_ = c.ShouldBindJSON(&req) // reason is optional

	if err := s.services.Network.Ban(c.Request.Context(), id, req.Reason); err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, gin.H{"id": id.String(), "banned": true})
}

// DELETE /api/v1/node/peers/:id/ban
func (s *Server) handleUnbanPeer(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}
	if err := s.services.Network.Unban(c.Request.Context(), id); err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, gin.H{"id": id.String(), "banned": false})
}

// GET /api/v1/relay/stats
func (s *Server) handleRelayStats(c *gin.Context) {
	successResponse(c, s.services.Relay.Stats())
}

// POST /api/v1/relay/broadcast
func (s *Server) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIError{
			Code:    http.StatusBadRequest,
			Message: "payload is required",
		})
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, APIError{
			Code:    http.StatusBadRequest,
			Message: "payload must be base64",
		})
		return
	}

	s.services.Relay.Broadcast(payload)
	c.JSON(http.StatusAccepted, APIResponse{Message: "broadcast queued"})
}

// peerParam decodes the :id path segment; on failure it writes the error
// response itself.
func peerParam(c *gin.Context) (peer.ID, bool) {
	id, err := peer.Decode(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, APIError{
			Code:    http.StatusBadRequest,
			Message: "invalid peer id: " + err.Error(),
		})
		return "", false
	}
	return id, true
}
