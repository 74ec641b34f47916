package streamhub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"brokerlink/internal/apierr"
	"brokerlink/internal/symbols"
	"brokerlink/internal/token"
)

// Client is a downstream connection as the hub sees it.
type Client interface {
	ID() string
	SendJSON(v interface{})
	Close()
}

// SymbolSource resolves tickers and serves the ephemeral stream port.
type SymbolSource interface {
	LookupSymbols(ctx context.Context, identity string, tickers []string) (map[string]symbols.Resolution, error)
	StreamPort(ctx context.Context, identity string, ids []int64) (int, error)
}

// TokenSource supplies access tokens for the upstream handshake.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, identity string) (*token.AccessToken, error)
}

// sessionHandle is a shared upstream session plus its subscribers.
// Subscription sets are unioned upstream; each client still only
// receives the symbols it asked for.
type sessionHandle struct {
	sess       *session
	tickerByID map[int64]string
	subs       map[Client]map[string]bool
}

// Hub multiplexes many downstream clients onto one upstream provider
// session per identity. Sessions are reference-counted: the upstream
// socket closes when its last subscriber leaves.
type Hub struct {
	resolver         SymbolSource
	tokens           TokenSource
	dialer           Dialer
	handshakeTimeout time.Duration
	logger           *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionHandle
	// clientIdentities tracks every identity a client has subscribed
	// under; a disconnect must release the client from all of them.
	clientIdentities map[Client]map[string]bool

	connectMu    sync.Mutex
	connectLocks map[string]*sync.Mutex
}

func NewHub(resolver SymbolSource, tokens TokenSource, dialer Dialer, handshakeTimeout time.Duration, logger *zap.Logger) *Hub {
	return &Hub{
		resolver:         resolver,
		tokens:           tokens,
		dialer:           dialer,
		handshakeTimeout: handshakeTimeout,
		logger:           logger,
		sessions:         make(map[string]*sessionHandle),
		clientIdentities: make(map[Client]map[string]bool),
		connectLocks:     make(map[string]*sync.Mutex),
	}
}

// HandleMessage dispatches one downstream client message.
func (h *Hub) HandleMessage(ctx context.Context, client Client, msg ClientMessage) {
	switch msg.Type {
	case MsgPing:
		// Heartbeats are answered directly, never forwarded upstream.
		client.SendJSON(ServerMessage{Type: MsgPong})
	case MsgSubscribe:
		h.subscribe(ctx, client, msg.Identity, msg.Symbols)
	case MsgUnsubscribe:
		h.Unsubscribe(client)
	default:
		h.sendError(client, apierr.New(apierr.CodeProviderAPIError, "unknown message type %q", msg.Type))
	}
}

func (h *Hub) subscribe(ctx context.Context, client Client, identity string, tickers []string) {
	if identity == "" || len(tickers) == 0 {
		h.sendError(client, apierr.New(apierr.CodeSymbolNotFound, "subscribe requires an identity and at least one symbol"))
		return
	}

	resolved, err := h.resolver.LookupSymbols(ctx, identity, tickers)
	if err != nil {
		h.sendError(client, err)
		return
	}
	var (
		ids        []int64
		found      []string
		notFound   []string
		tickerByID = make(map[int64]string)
	)
	for t, res := range resolved {
		if !res.Found {
			notFound = append(notFound, t)
			continue
		}
		ids = append(ids, res.SymbolID)
		found = append(found, t)
		tickerByID[res.SymbolID] = t
	}
	if len(ids) == 0 {
		h.sendError(client, apierr.New(apierr.CodeSymbolNotFound, "no subscribable symbols in %v", tickers))
		return
	}

	tok, err := h.tokens.GetValidAccessToken(ctx, identity)
	if err != nil {
		h.sendError(client, err)
		return
	}

	handle, err := h.ensureSession(ctx, identity, tok.Token, tok.APIServer, ids)
	if err != nil {
		h.sendError(client, err)
		return
	}

	h.mu.Lock()
	for id, t := range tickerByID {
		handle.tickerByID[id] = t
	}
	if err := handle.sess.subscribe(ids); err != nil {
		h.mu.Unlock()
		h.sendError(client, err)
		return
	}
	set := handle.subs[client]
	if set == nil {
		set = make(map[string]bool)
		handle.subs[client] = set
	}
	for _, t := range found {
		set[t] = true
	}
	owned := h.clientIdentities[client]
	if owned == nil {
		owned = make(map[string]bool)
		h.clientIdentities[client] = owned
	}
	owned[identity] = true
	h.mu.Unlock()

	client.SendJSON(ServerMessage{
		Type:     MsgAuthenticated,
		Identity: identity,
		Symbols:  found,
	})
	if len(notFound) > 0 {
		client.SendJSON(ServerMessage{
			Type:    MsgError,
			Code:    string(apierr.CodeSymbolNotFound),
			Message: "unresolved symbols",
			Symbols: notFound,
		})
	}
}

// ensureSession returns the identity's live session, opening one when
// needed. Creation is serialized per identity so concurrent
// subscribers share a single dial.
func (h *Hub) ensureSession(ctx context.Context, identity, accessToken, apiServer string, ids []int64) (*sessionHandle, error) {
	h.mu.RLock()
	handle := h.sessions[identity]
	h.mu.RUnlock()
	if handle != nil {
		return handle, nil
	}

	h.connectMu.Lock()
	lock := h.connectLocks[identity]
	if lock == nil {
		lock = &sync.Mutex{}
		h.connectLocks[identity] = lock
	}
	h.connectMu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	h.mu.RLock()
	handle = h.sessions[identity]
	h.mu.RUnlock()
	if handle != nil {
		return handle, nil
	}

	port, err := h.resolver.StreamPort(ctx, identity, ids)
	if err != nil {
		return nil, err
	}
	wsURL, err := streamURL(apiServer, port, ids)
	if err != nil {
		return nil, err
	}

	sess, err := openSession(ctx, h.dialer, wsURL, accessToken, identity, ids, h.handshakeTimeout, h.logger)
	if err != nil {
		return nil, err
	}

	handle = &sessionHandle{
		sess:       sess,
		tickerByID: make(map[int64]string),
		subs:       make(map[Client]map[string]bool),
	}
	h.mu.Lock()
	h.sessions[identity] = handle
	h.mu.Unlock()

	h.logger.Info("upstream session opened", zap.String("identity", identity), zap.Int("symbols", len(ids)))
	go h.readLoop(identity, handle)
	return handle, nil
}

// readLoop fans upstream quote frames out to subscribed clients.
func (h *Hub) readLoop(identity string, handle *sessionHandle) {
	for {
		_, data, err := handle.sess.conn.ReadMessage()
		if err != nil {
			h.teardown(identity, handle, err)
			return
		}
		handle.sess.touch()

		var frame struct {
			SymbolID int64 `json:"symbolId"`
		}
		if err := json.Unmarshal(data, &frame); err != nil || frame.SymbolID == 0 {
			// Provider housekeeping frames carry no symbolId.
			continue
		}

		h.mu.RLock()
		ticker, ok := handle.tickerByID[frame.SymbolID]
		if !ok {
			h.mu.RUnlock()
			continue
		}
		msg := ServerMessage{Type: MsgQuote, Symbol: ticker, Data: json.RawMessage(data)}
		for client, set := range handle.subs {
			if set[ticker] {
				client.SendJSON(msg)
			}
		}
		h.mu.RUnlock()
	}
}

// teardown removes a dead session and notifies only its subscribers.
func (h *Hub) teardown(identity string, handle *sessionHandle, cause error) {
	handle.sess.close()

	h.mu.Lock()
	if h.sessions[identity] == handle {
		delete(h.sessions, identity)
	}
	clients := make([]Client, 0, len(handle.subs))
	for client := range handle.subs {
		clients = append(clients, client)
		if owned := h.clientIdentities[client]; owned != nil {
			delete(owned, identity)
			if len(owned) == 0 {
				delete(h.clientIdentities, client)
			}
		}
	}
	handle.subs = make(map[Client]map[string]bool)
	h.mu.Unlock()

	h.logger.Warn("upstream session closed", zap.String("identity", identity), zap.Error(cause))
	msg := ServerMessage{
		Type:     MsgDisconnected,
		Identity: identity,
		Code:     string(apierr.CodeUpstreamDisconnect),
		Message:  "upstream stream closed",
	}
	for _, client := range clients {
		client.SendJSON(msg)
	}
}

// Unsubscribe removes all of a client's subscriptions. The upstream
// session closes only when its last subscriber leaves.
func (h *Hub) Unsubscribe(client Client) {
	h.release(client, true)
}

// Unregister handles a downstream disconnect: same as Unsubscribe but
// without sending anything back.
func (h *Hub) Unregister(client Client) {
	h.release(client, false)
	client.Close()
}

func (h *Hub) release(client Client, notify bool) {
	type orphan struct {
		identity string
		handle   *sessionHandle
	}
	var orphaned []orphan
	var released []string

	h.mu.Lock()
	for identity := range h.clientIdentities[client] {
		released = append(released, identity)
		if handle := h.sessions[identity]; handle != nil {
			delete(handle.subs, client)
			if len(handle.subs) == 0 {
				delete(h.sessions, identity)
				orphaned = append(orphaned, orphan{identity: identity, handle: handle})
			}
		}
	}
	delete(h.clientIdentities, client)
	h.mu.Unlock()

	for _, o := range orphaned {
		// Close triggers the read loop's error path, but the session is
		// already unregistered so no one gets notified twice.
		o.handle.sess.close()
		h.logger.Info("upstream session released", zap.String("identity", o.identity))
	}
	if notify {
		for _, identity := range released {
			client.SendJSON(ServerMessage{Type: MsgDisconnected, Identity: identity, Message: "unsubscribed"})
		}
	}
}

// ReapIdle tears down upstream sessions that have not produced a frame
// for longer than maxIdle, notifying their subscribers. Returns how
// many sessions were closed.
func (h *Hub) ReapIdle(maxIdle time.Duration) int {
	type stale struct {
		identity string
		handle   *sessionHandle
	}
	var dead []stale
	h.mu.RLock()
	for identity, handle := range h.sessions {
		if time.Since(handle.sess.idleSince()) > maxIdle {
			dead = append(dead, stale{identity: identity, handle: handle})
		}
	}
	h.mu.RUnlock()

	for _, s := range dead {
		h.teardown(s.identity, s.handle, errors.New("idle timeout"))
	}
	return len(dead)
}

// Sessions reports how many upstream sessions are open (status use).
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) sendError(client Client, err error) {
	code := apierr.CodeOf(err)
	if code == "" {
		code = apierr.CodeProviderAPIError
	}
	client.SendJSON(ServerMessage{Type: MsgError, Code: string(code), Message: err.Error()})
}
