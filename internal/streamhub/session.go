package streamhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"brokerlink/internal/apierr"
)

// Conn is the slice of a WebSocket connection the session needs.
// *websocket.Conn satisfies it; tests substitute their own.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens upstream WebSocket connections.
type Dialer interface {
	Dial(ctx context.Context, wsURL string) (Conn, error)
}

// GorillaDialer is the production Dialer.
type GorillaDialer struct{}

func (GorillaDialer) Dial(ctx context.Context, wsURL string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// subscribeFrame is the provider's streaming-mode subscribe message.
type subscribeFrame struct {
	Mode string  `json:"mode"`
	IDs  []int64 `json:"ids"`
}

// session is one authenticated upstream connection, shared by every
// downstream client on the same identity. The hub owns it and
// reference-counts subscribers; the session only reads frames and
// tracks the subscribed ID set.
type session struct {
	identity string
	conn     Conn
	logger   *zap.Logger

	createdAt  time.Time
	lastActive atomic.Int64 // unix nanos; written by the read loop, read by the reaper

	ids map[int64]bool // subscribed numeric IDs (union across clients)
}

func (s *session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *session) idleSince() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// streamURL builds the provider quote-stream endpoint from the API
// server, the ephemeral stream port, and the resolved IDs.
func streamURL(apiServer string, port int, ids []int64) (string, error) {
	u, err := url.Parse(apiServer)
	if err != nil {
		return "", fmt.Errorf("parse api server: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("api server %q has no host", apiServer)
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("wss://%s:%d/v1/markets/quotes/%s", host, port, strings.Join(parts, ",")), nil
}

// openSession dials the upstream, performs the token handshake, and
// sends the initial subscribe frame. The handshake carries its own
// bounded timeout so a silent upstream fails the subscription instead
// of hanging.
func openSession(ctx context.Context, dialer Dialer, wsURL, accessToken, identity string,
	ids []int64, handshakeTimeout time.Duration, logger *zap.Logger) (*session, error) {

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, err := dialer.Dial(dialCtx, wsURL)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeUpstreamDisconnect, err, "dial upstream stream")
	}

	// The provider expects the raw access token as the very first frame
	// and acknowledges with {"success": true} before accepting the
	// subscribe message.
	deadline := time.Now().Add(handshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(accessToken)); err != nil {
		conn.Close()
		return nil, apierr.Wrap(apierr.CodeUpstreamDisconnect, err, "send auth frame")
	}

	_, ack, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		if isTimeout(err) {
			return nil, apierr.New(apierr.CodeHandshakeTimeout, "upstream did not acknowledge auth within %s", handshakeTimeout)
		}
		return nil, apierr.Wrap(apierr.CodeUpstreamDisconnect, err, "read auth ack")
	}
	var ackMsg struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(ack, &ackMsg); err != nil || !ackMsg.Success {
		conn.Close()
		return nil, apierr.New(apierr.CodeTokenInvalid, "upstream rejected access token")
	}

	s := &session{
		identity:  identity,
		conn:      conn,
		logger:    logger,
		createdAt: time.Now(),
		ids:       make(map[int64]bool, len(ids)),
	}
	s.touch()
	if err := s.subscribe(ids); err != nil {
		conn.Close()
		return nil, err
	}

	// Frames can be sparse outside market hours; clear the handshake
	// deadline for the streaming phase.
	_ = conn.SetReadDeadline(time.Time{})
	return s, nil
}

// subscribe sends a streaming subscribe frame for the union of the
// current ID set and the new IDs. Re-subscription is idempotent.
func (s *session) subscribe(ids []int64) error {
	changed := false
	for _, id := range ids {
		if !s.ids[id] {
			s.ids[id] = true
			changed = true
		}
	}
	if !changed && len(s.ids) > 0 {
		return nil
	}
	union := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		union = append(union, id)
	}
	frame, err := json.Marshal(subscribeFrame{Mode: "streaming", IDs: union})
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return apierr.Wrap(apierr.CodeUpstreamDisconnect, err, "send subscribe frame")
	}
	return nil
}

func (s *session) close() {
	_ = s.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
