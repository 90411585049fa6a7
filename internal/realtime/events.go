// Package realtime implements the WebSocket surface: the connection registry,
// the room manager, WebRTC signaling relay and the frame path into the
// analysis engine. Cross-instance fan-out goes through Redis pub/sub.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/focuscall/backend/internal/models"
)

// Client -> server events.
const (
	EventJoin           = "join"
	EventLeave          = "leave"
	EventOffer          = "offer"
	EventAnswer         = "answer"
	EventCandidate      = "candidate"
	EventSubmitFrame    = "submit-frame"
	EventToggleAnalysis = "toggle-analysis"
	EventEndSession     = "end-session"
)

// Server -> client events. Offer, answer and candidate are relayed under
// their original names.
const (
	EventMemberJoined    = "member-joined"
	EventMemberLeft      = "member-left"
	EventExistingMembers = "existing-members"
	EventRoomInfo        = "room-info"
	EventScoreUpdate     = "score-update"
	EventAnalysisResult  = "analysis-result"
	EventAnalysisStatus  = "analysis-status"
	EventPresenceOnline  = "presence-online"
	EventPresenceOffline = "presence-offline"
	EventError           = "error"
)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRequest asks to enter a room. Joining a second room implicitly leaves
// the first.
type JoinRequest struct {
	RoomID string `json:"room_id"`
}

// SignalRequest carries one WebRTC signaling payload addressed to a single
// connection by id.
type SignalRequest struct {
	Target    string                     `json:"target"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// SignalEvent is the relayed form delivered to the target. Target survives
// the trip so other instances can route it; clients may ignore it.
type SignalEvent struct {
	Target    string                     `json:"target,omitempty"`
	From      string                     `json:"from"`
	FromUser  models.UserPublic          `json:"from_user"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// FrameRequest carries one base64-encoded video frame for analysis.
type FrameRequest struct {
	ImageData string `json:"image_data"`
	Width     int    `json:"w"`
	Height    int    `json:"h"`
	Format    string `json:"fmt"`
}

// ToggleAnalysisRequest switches attention analysis for the whole room.
type ToggleAnalysisRequest struct {
	Enabled bool `json:"enabled"`
}

// MemberInfo identifies one connection inside a room.
type MemberInfo struct {
	ConnID   string            `json:"conn_id"`
	User     models.UserPublic `json:"user"`
	JoinedAt time.Time         `json:"joined_at"`
}

// MemberEvent announces a single membership change.
type MemberEvent struct {
	RoomID string     `json:"room_id"`
	Member MemberInfo `json:"member"`
}

// MembersEvent is the existing-members payload sent to a joiner. It never
// includes the joiner itself.
type MembersEvent struct {
	RoomID  string       `json:"room_id"`
	Members []MemberInfo `json:"members"`
}

// RoomInfo is the full room snapshot, joiner included.
type RoomInfo struct {
	RoomID          string       `json:"room_id"`
	Members         []MemberInfo `json:"members"`
	MemberCount     int          `json:"member_count"`
	AnalysisEnabled bool         `json:"analysis_enabled"`
	CreatedAt       time.Time    `json:"created_at"`
}

// AnalysisStatusEvent announces a room-wide analysis toggle.
type AnalysisStatusEvent struct {
	RoomID    string `json:"room_id"`
	Enabled   bool   `json:"enabled"`
	ChangedBy string `json:"changed_by"`
}

// PresenceEvent announces a connection appearing or disappearing, independent
// of room membership.
type PresenceEvent struct {
	ConnID string            `json:"conn_id"`
	User   models.UserPublic `json:"user"`
}

// ErrorEvent is sent to a single client when its request cannot be served.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
