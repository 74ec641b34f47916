package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"brokerlink/internal/apierr"
	"brokerlink/internal/questrade"
	"brokerlink/internal/secrets"
	"brokerlink/internal/store"
	"brokerlink/pkg/models"
)

const (
	// expiryBuffer is how close to expiry a cached access token may get
	// before it is treated as a miss.
	expiryBuffer = 30 * time.Second

	minRefreshTokenLen = 20
)

// Exchanger is the one provider call this cache needs.
type Exchanger interface {
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (*questrade.TokenExchange, error)
}

// AccessToken is a decrypted, currently valid bearer credential.
type AccessToken struct {
	Token     string
	APIServer string
	ExpiresAt time.Time
}

// Status is the health readback for an identity, produced without
// decrypting anything.
type Status struct {
	Identity        string    `json:"identity"`
	Active          bool      `json:"active"`
	HasValidToken   bool      `json:"has_valid_token"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	AccessExpiresAt time.Time `json:"access_expires_at,omitempty"`
	LastRefresh     time.Time `json:"last_refresh,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// Cache hands out valid access tokens with minimal upstream exchanges.
// Refreshes for one identity are single-flighted: refresh tokens are
// single-use, so a concurrent second exchange invalidates the first.
type Cache struct {
	store    store.Store
	box      *secrets.Box
	provider Exchanger
	logger   *zap.Logger

	mu    sync.RWMutex
	inmem map[string]AccessToken
	group singleflight.Group
}

func NewCache(st store.Store, box *secrets.Box, provider Exchanger, logger *zap.Logger) *Cache {
	return &Cache{
		store:    st,
		box:      box,
		provider: provider,
		logger:   logger,
		inmem:    make(map[string]AccessToken),
	}
}

// GetValidAccessToken returns a token whose expiry is at least the
// safety buffer away: memory first, then the durable store, then a
// full refresh.
func (c *Cache) GetValidAccessToken(ctx context.Context, identity string) (*AccessToken, error) {
	c.mu.RLock()
	cached, ok := c.inmem[identity]
	c.mu.RUnlock()
	if ok && time.Until(cached.ExpiresAt) > expiryBuffer {
		return &cached, nil
	}

	if tok := c.loadStoredToken(ctx, identity); tok != nil {
		return tok, nil
	}

	return c.RefreshAccessToken(ctx, identity)
}

// loadStoredToken tries the durable store for an unexpired access
// record. Returns nil on any miss so the caller falls through to refresh.
func (c *Cache) loadStoredToken(ctx context.Context, identity string) *AccessToken {
	rec, err := c.store.GetActiveToken(ctx, identity, models.TokenTypeAccess)
	if err != nil {
		return nil
	}
	if time.Until(rec.ExpiresAt) <= expiryBuffer {
		return nil
	}
	plaintext, err := c.box.Decrypt(rec.Ciphertext, rec.IV)
	if err != nil {
		c.logger.Warn("stored access token undecryptable, forcing refresh",
			zap.String("identity", identity), zap.Error(err))
		return nil
	}
	if err := c.store.MarkTokenUsed(ctx, identity, models.TokenTypeAccess); err != nil {
		c.logger.Warn("mark token used failed", zap.String("identity", identity), zap.Error(err))
	}
	tok := AccessToken{
		Token:     plaintext,
		APIServer: questrade.NormalizeAPIServer(rec.APIServer),
		ExpiresAt: rec.ExpiresAt,
	}
	c.mu.Lock()
	c.inmem[identity] = tok
	c.mu.Unlock()
	return &tok
}

// RefreshAccessToken performs one upstream exchange for the identity.
// Concurrent callers share the same in-flight result.
func (c *Cache) RefreshAccessToken(ctx context.Context, identity string) (*AccessToken, error) {
	v, err, _ := c.group.Do(identity, func() (interface{}, error) {
		// The flight runs on the first caller's context; detach from its
		// cancellation so one caller going away does not fail every
		// coalesced waiter. The exchange carries its own timeout.
		return c.doRefresh(context.WithoutCancel(ctx), identity)
	})
	if err != nil {
		return nil, err
	}
	tok := v.(AccessToken)
	return &tok, nil
}

func (c *Cache) doRefresh(ctx context.Context, identity string) (AccessToken, error) {
	id, err := c.store.GetIdentity(ctx, identity)
	if errors.Is(err, store.ErrNotFound) {
		return AccessToken{}, apierr.New(apierr.CodeIdentityNotFound, "identity %q is not registered", identity)
	}
	if err != nil {
		return AccessToken{}, err
	}
	if !id.Active {
		return AccessToken{}, apierr.New(apierr.CodeIdentityNotFound, "identity %q is deactivated", identity)
	}

	rec, err := c.store.GetActiveToken(ctx, identity, models.TokenTypeRefresh)
	if errors.Is(err, store.ErrNotFound) {
		failure := apierr.New(apierr.CodeTokenMissing, "identity %q has no active refresh token", identity)
		c.recordFailure(ctx, id, failure)
		return AccessToken{}, failure
	}
	if err != nil {
		return AccessToken{}, err
	}

	refreshToken, err := c.box.Decrypt(rec.Ciphertext, rec.IV)
	if err != nil {
		failure := apierr.Wrap(apierr.CodeTokenInvalid, err, "stored refresh token for %q is unreadable", identity)
		c.recordFailure(ctx, id, failure)
		return AccessToken{}, failure
	}
	if len(refreshToken) < minRefreshTokenLen {
		failure := apierr.New(apierr.CodeTokenInvalid, "stored refresh token for %q is too short", identity)
		c.recordFailure(ctx, id, failure)
		return AccessToken{}, failure
	}

	exch, err := c.provider.ExchangeRefreshToken(ctx, refreshToken)
	if err != nil {
		c.recordFailure(ctx, id, err)
		if merr := c.store.MarkTokenErred(ctx, identity, models.TokenTypeRefresh); merr != nil {
			c.logger.Warn("mark token erred failed", zap.String("identity", identity), zap.Error(merr))
		}
		return AccessToken{}, err
	}

	tok, err := c.persistExchange(ctx, id, exch)
	if err != nil {
		return AccessToken{}, err
	}
	c.logger.Info("access token refreshed",
		zap.String("identity", identity),
		zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

// persistExchange retires prior actives, stores the rotated encrypted
// pair, updates identity health, and repopulates the memory cache.
func (c *Cache) persistExchange(ctx context.Context, id *models.Identity, exch *questrade.TokenExchange) (AccessToken, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(exch.ExpiresIn) * time.Second)

	accessCT, accessIV, err := c.box.Encrypt(exch.AccessToken)
	if err != nil {
		return AccessToken{}, err
	}
	refreshCT, refreshIV, err := c.box.Encrypt(exch.RefreshToken)
	if err != nil {
		return AccessToken{}, err
	}

	access := &models.TokenRecord{
		Identity:   id.Name,
		Type:       models.TokenTypeAccess,
		Ciphertext: accessCT,
		IV:         accessIV,
		APIServer:  exch.APIServer,
		ExpiresAt:  expiresAt,
		Active:     true,
		CreatedAt:  now,
	}
	refresh := &models.TokenRecord{
		Identity:   id.Name,
		Type:       models.TokenTypeRefresh,
		Ciphertext: refreshCT,
		IV:         refreshIV,
		// provider refresh tokens stay usable until exchanged; give a
		// generous nominal expiry for status readback
		ExpiresAt: now.Add(72 * time.Hour),
		Active:    true,
		CreatedAt: now,
	}

	if err := c.store.ReplaceTokens(ctx, id.Name, access, refresh); err != nil {
		return AccessToken{}, err
	}

	id.HasValidToken = true
	id.LastRefresh = now
	id.LastError = ""
	if err := c.store.PutIdentity(ctx, id); err != nil {
		return AccessToken{}, err
	}

	tok := AccessToken{
		Token:     exch.AccessToken,
		APIServer: exch.APIServer,
		ExpiresAt: expiresAt,
	}
	c.mu.Lock()
	c.inmem[id.Name] = tok
	c.mu.Unlock()
	return tok, nil
}

// SetupIdentityToken registers or re-keys an identity from an operator
// supplied refresh token. The token is proven with a trial exchange
// before anything is persisted, so a bad token cannot destroy a
// working identity.
func (c *Cache) SetupIdentityToken(ctx context.Context, identity, rawRefreshToken string) (*AccessToken, error) {
	rawRefreshToken = strings.TrimSpace(rawRefreshToken)
	if len(rawRefreshToken) < minRefreshTokenLen || strings.ContainsAny(rawRefreshToken, " \t\n") {
		return nil, apierr.New(apierr.CodeTokenInvalid, "refresh token has invalid format")
	}

	exch, err := c.provider.ExchangeRefreshToken(ctx, rawRefreshToken)
	if err != nil {
		return nil, err
	}

	id, err := c.store.GetIdentity(ctx, identity)
	if errors.Is(err, store.ErrNotFound) {
		id = &models.Identity{Name: identity, Active: true, CreatedAt: time.Now().UTC()}
	} else if err != nil {
		return nil, err
	}

	tok, err := c.persistExchange(ctx, id, exch)
	if err != nil {
		return nil, err
	}
	c.logger.Info("identity token configured", zap.String("identity", identity))
	return &tok, nil
}

// GetTokenStatus reads back credential health without decrypting.
func (c *Cache) GetTokenStatus(ctx context.Context, identity string) (*Status, error) {
	id, err := c.store.GetIdentity(ctx, identity)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.CodeIdentityNotFound, "identity %q is not registered", identity)
	}
	if err != nil {
		return nil, err
	}

	st := &Status{
		Identity:      id.Name,
		Active:        id.Active,
		HasValidToken: id.HasValidToken,
		LastRefresh:   id.LastRefresh,
		LastError:     id.LastError,
	}
	if _, err := c.store.GetActiveToken(ctx, identity, models.TokenTypeRefresh); err == nil {
		st.HasRefreshToken = true
	}
	if rec, err := c.store.GetActiveToken(ctx, identity, models.TokenTypeAccess); err == nil {
		st.AccessExpiresAt = rec.ExpiresAt
	}
	return st, nil
}

// Invalidate drops the in-memory entry for an identity. The durable
// store remains the source of truth.
func (c *Cache) Invalidate(identity string) {
	c.mu.Lock()
	delete(c.inmem, identity)
	c.mu.Unlock()
}

func (c *Cache) recordFailure(ctx context.Context, id *models.Identity, failure error) {
	id.HasValidToken = false
	id.LastError = failure.Error()
	if err := c.store.PutIdentity(ctx, id); err != nil {
		c.logger.Error("persist identity failure state", zap.String("identity", id.Name), zap.Error(err))
	}
	c.Invalidate(id.Name)
}
