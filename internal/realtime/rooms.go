package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/focuscall/backend/internal/analysis"
	"github.com/focuscall/backend/internal/attention"
	"github.com/focuscall/backend/internal/models"
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrRoomNotFound = errors.New("room not found")
	ErrNotInRoom    = errors.New("connection is not in a room")
)

// finalizeTimeout bounds the persistence work triggered by departures so a
// slow database never blocks connection teardown.
const finalizeTimeout = 5 * time.Second

// AnalysisSession is one open frame channel to the analysis engine.
type AnalysisSession interface {
	SubmitFrame(meta analysis.FrameMeta, image []byte)
	Close()
	Closed() bool
}

// AnalysisEngine opens analysis sessions. Enabled reports whether an engine
// is configured at all.
type AnalysisEngine interface {
	Enabled() bool
	Open(ctx context.Context, onScore func(analysis.ScoreResult)) (AnalysisSession, error)
}

// AttentionTracker receives the scored samples and membership changes that
// drive session records. Satisfied by *attention.Aggregator.
type AttentionTracker interface {
	RecordSample(ctx context.Context, roomID string, user models.UserPublic, score float64, faceDetected bool) (*attention.ScoreUpdate, error)
	MarkParticipantLeft(ctx context.Context, roomID string, userID uuid.UUID)
	Finalize(ctx context.Context, roomID string) bool
}

// RoomPublisher publishes room events for other instances.
type RoomPublisher interface {
	PublishRoomEvent(roomID, event string, payload []byte) error
}

// RoomSubscriber subscribes to a room's channel and invokes handler for
// events from other instances.
type RoomSubscriber interface {
	SubscribeRoom(roomID string, handler func(event string, payload []byte)) (cancel func(), err error)
}

type roomMember struct {
	client   *Client
	joinedAt time.Time
}

type room struct {
	id              string
	members         map[string]*roomMember // conn id -> member
	analysisEnabled bool
	createdAt       time.Time
	cancelSub       func()
}

// departure is the work detached from a room under the lock and settled
// after it.
type departure struct {
	roomID    string
	client    *Client
	wasLast   bool
	remaining []*Client
}

// RoomManager owns room membership. A connection belongs to at most one room;
// joining another detaches it from the previous one first. Rooms exist only
// while they have members.
type RoomManager struct {
	engine   AnalysisEngine
	registry *Registry
	tracker  AttentionTracker
	pub      RoomPublisher
	sub      RoomSubscriber
	logger   *zap.Logger

	maxMembers int

	mu     sync.Mutex
	rooms  map[string]*room
	byConn map[string]string // conn id -> room id
}

// NewRoomManager creates a room manager. maxMembers of zero means unlimited.
func NewRoomManager(engine AnalysisEngine, registry *Registry, tracker AttentionTracker, pub RoomPublisher, sub RoomSubscriber, maxMembers int, logger *zap.Logger) *RoomManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomManager{
		engine:     engine,
		registry:   registry,
		tracker:    tracker,
		pub:        pub,
		sub:        sub,
		logger:     logger,
		maxMembers: maxMembers,
		rooms:      make(map[string]*room),
		byConn:     make(map[string]string),
	}
}

// Join puts a connection into a room, detaching it from any previous room.
// The joiner receives existing-members and room-info; everyone else in the
// room receives member-joined.
func (m *RoomManager) Join(ctx context.Context, c *Client, roomID string) error {
	now := time.Now()

	m.mu.Lock()
	if cur, ok := m.byConn[c.ID]; ok && cur == roomID {
		m.mu.Unlock()
		return nil
	}
	r := m.rooms[roomID]
	if r != nil && m.maxMembers > 0 && len(r.members) >= m.maxMembers {
		m.mu.Unlock()
		return ErrRoomFull
	}
	dep := m.detachLocked(c)
	if r == nil {
		// analysis defaults to on; toggle-analysis switches it per room
		r = &room{
			id:              roomID,
			members:         make(map[string]*roomMember),
			analysisEnabled: true,
			createdAt:       now,
		}
		m.rooms[roomID] = r
		if m.sub != nil {
			if cancel, err := m.sub.SubscribeRoom(roomID, m.remoteHandler(roomID)); err == nil {
				r.cancelSub = cancel
			} else {
				m.logger.Warn("room subscribe failed", zap.String("room_id", roomID), zap.Error(err))
			}
		}
	}
	r.members[c.ID] = &roomMember{client: c, joinedAt: now}
	m.byConn[c.ID] = roomID
	peers := make([]MemberInfo, 0, len(r.members)-1)
	targets := make([]*Client, 0, len(r.members)-1)
	for id, mem := range r.members {
		if id == c.ID {
			continue
		}
		peers = append(peers, MemberInfo{ConnID: id, User: mem.client.User, JoinedAt: mem.joinedAt})
		targets = append(targets, mem.client)
	}
	info := roomInfoLocked(r)
	analysisOn := r.analysisEnabled
	m.mu.Unlock()

	m.settleDeparture(dep)

	if analysisOn {
		c.openBridge(ctx, m, roomID)
	}

	joined := MemberEvent{RoomID: roomID, Member: MemberInfo{ConnID: c.ID, User: c.User, JoinedAt: now}}
	for _, t := range targets {
		t.Send(EventMemberJoined, joined)
	}
	m.publish(roomID, EventMemberJoined, joined)

	sort.Slice(peers, func(i, j int) bool { return peers[i].JoinedAt.Before(peers[j].JoinedAt) })
	c.Send(EventExistingMembers, MembersEvent{RoomID: roomID, Members: peers})
	c.Send(EventRoomInfo, info)

	m.logger.Info("member joined room",
		zap.String("room_id", roomID),
		zap.String("conn_id", c.ID),
		zap.String("user_id", c.User.ID.String()),
		zap.Int("members", info.MemberCount))
	return nil
}

// Leave removes a connection from its room, if any. Safe to call on
// disconnect regardless of membership.
func (m *RoomManager) Leave(c *Client) {
	m.mu.Lock()
	dep := m.detachLocked(c)
	m.mu.Unlock()
	m.settleDeparture(dep)
}

// RoomOf returns the room id a connection currently belongs to.
func (m *RoomManager) RoomOf(connID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roomID, ok := m.byConn[connID]
	return roomID, ok
}

// Relay forwards a signaling payload to the target connection. The relay is
// keyed by connection id alone and does not check that sender and target
// share a room. Missing targets are dropped silently; targets that may live
// on another instance travel over the sender's room channel.
func (m *RoomManager) Relay(c *Client, event string, req SignalRequest) {
	ev := SignalEvent{
		Target:    req.Target,
		From:      c.ID,
		FromUser:  c.User,
		SDP:       req.SDP,
		Candidate: req.Candidate,
	}
	if m.registry != nil && m.registry.Send(req.Target, event, ev) {
		return
	}
	if roomID, ok := m.RoomOf(c.ID); ok {
		m.publish(roomID, event, ev)
	}
}

// ToggleAnalysis switches attention analysis for the caller's room. Enabling
// opens a bridge for every member; disabling closes them.
func (m *RoomManager) ToggleAnalysis(ctx context.Context, c *Client, enabled bool) error {
	m.mu.Lock()
	roomID, ok := m.byConn[c.ID]
	if !ok {
		m.mu.Unlock()
		return ErrNotInRoom
	}
	r := m.rooms[roomID]
	r.analysisEnabled = enabled
	members := make([]*Client, 0, len(r.members))
	for _, mem := range r.members {
		members = append(members, mem.client)
	}
	m.mu.Unlock()

	for _, mc := range members {
		if enabled {
			mc.openBridge(ctx, m, roomID)
		} else {
			mc.closeBridge()
		}
	}

	status := AnalysisStatusEvent{RoomID: roomID, Enabled: enabled, ChangedBy: c.ID}
	for _, mc := range members {
		mc.Send(EventAnalysisStatus, status)
	}
	m.publish(roomID, EventAnalysisStatus, status)

	m.logger.Info("analysis toggled",
		zap.String("room_id", roomID),
		zap.Bool("enabled", enabled),
		zap.String("conn_id", c.ID))
	return nil
}

// EndSession finalizes the caller's room session without leaving the room.
// The next scored sample starts a fresh session.
func (m *RoomManager) EndSession(c *Client) error {
	roomID, ok := m.RoomOf(c.ID)
	if !ok {
		return ErrNotInRoom
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if m.tracker != nil {
		m.tracker.Finalize(ctx, roomID)
	}
	m.logger.Info("session ended by member", zap.String("room_id", roomID), zap.String("conn_id", c.ID))
	return nil
}

// HandleScore is the callback for results coming back from a member's
// analysis session. The result goes to the member privately; the merged
// aggregate goes to the whole room.
func (m *RoomManager) HandleScore(c *Client, res analysis.ScoreResult) {
	c.Send(EventAnalysisResult, res)
	if res.Error != "" {
		return
	}
	roomID, ok := m.RoomOf(c.ID)
	if !ok || m.tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	update, err := m.tracker.RecordSample(ctx, roomID, c.User, res.AttentionScore, res.FaceDetected)
	if err != nil {
		m.logger.Warn("record sample failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	m.broadcastLocal(roomID, EventScoreUpdate, update, "")
	m.publish(roomID, EventScoreUpdate, update)
}

// Snapshot returns the state of one room.
func (m *RoomManager) Snapshot(roomID string) (RoomInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return roomInfoLocked(r), true
}

// ListRooms returns a snapshot of every room on this instance, oldest first.
func (m *RoomManager) ListRooms() []RoomInfo {
	m.mu.Lock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, roomInfoLocked(r))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AnalysisEnabled reports whether the room exists and has analysis on.
func (m *RoomManager) AnalysisEnabled(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	return ok && r.analysisEnabled
}

func (m *RoomManager) detachLocked(c *Client) *departure {
	roomID, ok := m.byConn[c.ID]
	if !ok {
		return nil
	}
	delete(m.byConn, c.ID)
	r := m.rooms[roomID]
	delete(r.members, c.ID)
	dep := &departure{roomID: roomID, client: c}
	if len(r.members) == 0 {
		delete(m.rooms, roomID)
		if r.cancelSub != nil {
			r.cancelSub()
		}
		dep.wasLast = true
		return dep
	}
	dep.remaining = make([]*Client, 0, len(r.members))
	for _, mem := range r.members {
		dep.remaining = append(dep.remaining, mem.client)
	}
	return dep
}

func (m *RoomManager) settleDeparture(dep *departure) {
	if dep == nil {
		return
	}
	dep.client.closeBridge()

	left := MemberEvent{RoomID: dep.roomID, Member: MemberInfo{ConnID: dep.client.ID, User: dep.client.User}}
	for _, t := range dep.remaining {
		t.Send(EventMemberLeft, left)
	}
	m.publish(dep.roomID, EventMemberLeft, left)

	m.logger.Info("member left room",
		zap.String("room_id", dep.roomID),
		zap.String("conn_id", dep.client.ID),
		zap.Bool("room_closed", dep.wasLast))

	if m.tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if dep.wasLast {
		m.tracker.Finalize(ctx, dep.roomID)
	} else {
		m.tracker.MarkParticipantLeft(ctx, dep.roomID, dep.client.User.ID)
	}
}

// broadcastLocal delivers an event to every local member of a room except
// exceptID.
func (m *RoomManager) broadcastLocal(roomID, event string, payload interface{}, exceptID string) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return
	}
	targets := make([]*Client, 0, len(r.members))
	for id, mem := range r.members {
		if id == exceptID {
			continue
		}
		targets = append(targets, mem.client)
	}
	m.mu.Unlock()
	for _, t := range targets {
		t.Send(event, payload)
	}
}

func (m *RoomManager) publish(roomID, event string, payload interface{}) {
	if m.pub == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := m.pub.PublishRoomEvent(roomID, event, data); err != nil {
		m.logger.Warn("room publish failed", zap.String("room_id", roomID), zap.String("event", event), zap.Error(err))
	}
}

// remoteHandler delivers events published by other instances. Signal events
// are routed to their target only; everything else fans out to the room.
func (m *RoomManager) remoteHandler(roomID string) func(event string, payload []byte) {
	return func(event string, payload []byte) {
		switch event {
		case EventOffer, EventAnswer, EventCandidate:
			var sig SignalEvent
			if err := json.Unmarshal(payload, &sig); err != nil || sig.Target == "" {
				return
			}
			if m.registry != nil {
				m.registry.Send(sig.Target, event, json.RawMessage(payload))
			}
		default:
			m.broadcastLocal(roomID, event, json.RawMessage(payload), "")
		}
	}
}

func roomInfoLocked(r *room) RoomInfo {
	members := make([]MemberInfo, 0, len(r.members))
	for id, mem := range r.members {
		members = append(members, MemberInfo{ConnID: id, User: mem.client.User, JoinedAt: mem.joinedAt})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].JoinedAt.Before(members[j].JoinedAt) })
	return RoomInfo{
		RoomID:          r.id,
		Members:         members,
		MemberCount:     len(members),
		AnalysisEnabled: r.analysisEnabled,
		CreatedAt:       r.createdAt,
	}
}
