// Package analysis is the boundary to the external engagement-analysis engine.
// The coordinator opens one logical session per joined connection, ships video
// frames over it and receives asynchronous score events back.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrEngineDisabled is returned by Open when no engine URL is configured.
var ErrEngineDisabled = errors.New("analysis engine disabled")

// FrameMeta is the header sent in front of each encoded frame. The wire format
// is one line of JSON, a newline, then the raw image bytes.
type FrameMeta struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	Seq           int64  `json:"seq"`
	TimestampMS   int64  `json:"ts_ms"`
	Width         int    `json:"w"`
	Height        int    `json:"h"`
	Format        string `json:"fmt"`
}

// ScoreResult is one asynchronous score event from the engine.
type ScoreResult struct {
	AttentionScore float64         `json:"attention_score"`
	FaceDetected   bool            `json:"face_detected"`
	FaceCount      int             `json:"face_count"`
	Faces          json.RawMessage `json:"faces,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// ScoreHandler receives score events for one bridge session.
type ScoreHandler func(ScoreResult)

// Engine dials bridge sessions against the analysis service.
type Engine struct {
	url         string
	dialTimeout time.Duration
	logger      *zap.Logger
}

// NewEngine creates an engine client. An empty URL yields a disabled engine:
// Open fails with ErrEngineDisabled and rooms degrade to no score updates.
func NewEngine(url string, dialTimeout time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Engine{url: url, dialTimeout: dialTimeout, logger: logger}
}

// Enabled reports whether an engine URL is configured.
func (e *Engine) Enabled() bool { return e.url != "" }

// Open dials a new bridge session. onScore is invoked from the read loop for
// every score event until the session closes.
func (e *Engine) Open(ctx context.Context, onScore ScoreHandler) (*Bridge, error) {
	if !e.Enabled() {
		return nil, ErrEngineDisabled
	}
	dialer := &websocket.Dialer{HandshakeTimeout: e.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, e.url, nil)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		conn:    conn,
		onScore: onScore,
		logger:  e.logger,
		done:    make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

// Bridge is one live session with the analysis engine. All methods are safe
// for concurrent use; SubmitFrame and Close never return errors to the caller.
type Bridge struct {
	conn    *websocket.Conn
	onScore ScoreHandler
	logger  *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// SubmitFrame ships one encoded frame to the engine. Fire-and-forget: when the
// bridge is closed or the write fails the frame is dropped silently.
func (b *Bridge) SubmitFrame(meta FrameMeta, image []byte) {
	select {
	case <-b.done:
		return
	default:
	}
	header, err := json.Marshal(meta)
	if err != nil {
		return
	}
	var buf bytes.Buffer
	buf.Grow(len(header) + 1 + len(image))
	buf.Write(header)
	buf.WriteByte('\n')
	buf.Write(image)

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := b.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		b.logger.Debug("bridge frame write failed", zap.Error(err))
		b.Close()
	}
}

// Close tears the session down. Safe to call any number of times, including
// after the underlying connection already failed.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		_ = b.conn.Close()
	})
}

// Closed reports whether the session has been torn down.
func (b *Bridge) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Bridge) readLoop() {
	defer b.Close()
	for {
		msgType, data, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var res ScoreResult
		if err := json.Unmarshal(data, &res); err != nil {
			b.logger.Debug("bridge score decode failed", zap.Error(err))
			continue
		}
		if res.Error != "" {
			b.logger.Debug("bridge engine error", zap.String("error", res.Error))
		}
		if b.onScore != nil {
			b.onScore(res)
		}
	}
}
