package realtime

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/focuscall/backend/pkg/response"
)

// Handler serves the read-only HTTP views of the realtime state plus the
// WebRTC client configuration.
type Handler struct {
	registry *Registry
	rooms    *RoomManager
	iceURLs  []string
}

// NewHandler creates a realtime HTTP handler. iceURLs come from configuration
// and are handed to clients verbatim.
func NewHandler(registry *Registry, rooms *RoomManager, iceURLs []string) *Handler {
	return &Handler{registry: registry, rooms: rooms, iceURLs: iceURLs}
}

// ListRooms handles GET /api/rooms.
func (h *Handler) ListRooms(c *gin.Context) {
	rooms := h.rooms.ListRooms()
	response.OK(c, gin.H{"rooms": rooms, "count": len(rooms)})
}

// CreateRoom handles POST /api/rooms. The room itself materializes when the
// first member joins over the WebSocket; this only hands out a fresh id.
func (h *Handler) CreateRoom(c *gin.Context) {
	response.OK(c, gin.H{"room_id": uuid.New().String()})
}

// GetRoom handles GET /api/rooms/:id.
func (h *Handler) GetRoom(c *gin.Context) {
	info, ok := h.rooms.Snapshot(c.Param("id"))
	if !ok {
		response.NotFound(c, "room not found")
		return
	}
	response.OK(c, info)
}

// Presence handles GET /api/presence.
func (h *Handler) Presence(c *gin.Context) {
	online := h.registry.Online()
	response.OK(c, gin.H{"online": online, "count": len(online)})
}

// WebRTCConfig handles GET /api/webrtc/config. The payload matches the shape
// browsers pass to RTCPeerConnection.
func (h *Handler) WebRTCConfig(c *gin.Context) {
	servers := make([]webrtc.ICEServer, 0, len(h.iceURLs))
	for _, url := range h.iceURLs {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	response.OK(c, gin.H{"ice_servers": servers})
}
