package symbols

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"brokerlink/internal/apierr"
	"brokerlink/internal/questrade"
	"brokerlink/internal/store"
	"brokerlink/internal/token"
	"brokerlink/pkg/models"
)

const (
	// detailStaleAfter bounds how old descriptive fields may get before
	// the next detail request refreshes them. The numeric ID itself is
	// permanent and never re-fetched.
	detailStaleAfter = time.Hour

	// streamPortTTL bounds the ephemeral per-identity stream port cache.
	streamPortTTL = 24 * time.Hour
)

// ProviderAPI is the slice of the REST client the resolver uses.
type ProviderAPI interface {
	SearchSymbols(ctx context.Context, auth questrade.Auth, prefix string) ([]questrade.SymbolResult, error)
	GetSymbolDetails(ctx context.Context, auth questrade.Auth, ids []int64) ([]questrade.SymbolResult, error)
	GetStreamPort(ctx context.Context, auth questrade.Auth, ids []int64) (int, error)
	GetPositions(ctx context.Context, auth questrade.Auth) ([]questrade.PositionResult, error)
}

// TokenSource supplies access tokens for provider calls.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, identity string) (*token.AccessToken, error)
	RefreshAccessToken(ctx context.Context, identity string) (*token.AccessToken, error)
}

// Resolution is the outcome for one requested ticker. Unresolved
// tickers get an explicit entry so callers can tell "no data" from
// "pending".
type Resolution struct {
	Ticker   string `json:"ticker"`
	SymbolID int64  `json:"symbol_id,omitempty"`
	Found    bool   `json:"found"`
}

type portEntry struct {
	port      int
	fetchedAt time.Time
}

// Resolver converts tickers to provider numeric IDs through a tiered
// chain: process memory, position registry, durable store, provider
// search. IDs never change, so the memory cache is permanent.
type Resolver struct {
	store    store.SymbolStore
	tokens   TokenSource
	provider ProviderAPI
	logger   *zap.Logger

	mu  sync.RWMutex
	ids map[string]int64

	portMu sync.Mutex
	ports  map[string]portEntry
}

func NewResolver(st store.SymbolStore, tokens TokenSource, provider ProviderAPI, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:    st,
		tokens:   tokens,
		provider: provider,
		logger:   logger,
		ids:      make(map[string]int64),
		ports:    make(map[string]portEntry),
	}
}

// LookupSymbols resolves a batch of tickers using the cheapest source
// that can answer. Every requested ticker appears in the result.
func (r *Resolver) LookupSymbols(ctx context.Context, identity string, tickers []string) (map[string]Resolution, error) {
	out := make(map[string]Resolution, len(tickers))
	var missing []string

	r.mu.RLock()
	for _, raw := range tickers {
		t := normalize(raw)
		if t == "" {
			continue
		}
		if _, seen := out[t]; seen {
			continue
		}
		if id, ok := r.ids[t]; ok {
			out[t] = Resolution{Ticker: t, SymbolID: id, Found: true}
		} else {
			out[t] = Resolution{Ticker: t}
			missing = append(missing, t)
		}
	}
	r.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}

	auth, authErr := r.auth(ctx, identity)
	if authErr != nil {
		r.logger.Warn("symbol lookup running without provider access",
			zap.String("identity", identity), zap.Error(authErr))
	}

	// Tier 2: current holdings, one batch query, exact match only.
	if authErr == nil {
		missing = r.resolveFromPositions(ctx, auth, missing, out)
	}

	// Tier 3: durable symbol store.
	missing = r.resolveFromStore(ctx, missing, out)

	// Tier 4: provider search, one ticker at a time.
	if authErr == nil {
		missing = r.resolveFromSearch(ctx, auth, missing, out)
	}

	if len(missing) > 0 && authErr != nil {
		// Nothing cheap answered and we could not reach the provider.
		return out, authErr
	}
	return out, nil
}

func (r *Resolver) resolveFromPositions(ctx context.Context, auth questrade.Auth, missing []string, out map[string]Resolution) []string {
	positions, err := r.provider.GetPositions(ctx, auth)
	if err != nil {
		r.logger.Warn("position registry lookup failed", zap.Error(err))
		return missing
	}
	byTicker := make(map[string]int64, len(positions))
	for _, p := range positions {
		byTicker[normalize(p.Symbol)] = p.SymbolID
	}

	var still []string
	for _, t := range missing {
		id, ok := byTicker[t]
		if !ok || id == 0 {
			still = append(still, t)
			continue
		}
		r.promote(t, id)
		out[t] = Resolution{Ticker: t, SymbolID: id, Found: true}
	}
	return still
}

func (r *Resolver) resolveFromStore(ctx context.Context, missing []string, out map[string]Resolution) []string {
	if len(missing) == 0 {
		return nil
	}
	records, err := r.store.GetSymbols(ctx, missing)
	if err != nil {
		r.logger.Warn("symbol store lookup failed", zap.Error(err))
		return missing
	}
	var still []string
	for _, t := range missing {
		rec, ok := records[t]
		if !ok || rec.SymbolID == 0 {
			still = append(still, t)
			continue
		}
		r.promote(t, rec.SymbolID)
		out[t] = Resolution{Ticker: t, SymbolID: rec.SymbolID, Found: true}
	}
	return still
}

func (r *Resolver) resolveFromSearch(ctx context.Context, auth questrade.Auth, missing []string, out map[string]Resolution) []string {
	var still []string
	for _, t := range missing {
		results, err := r.provider.SearchSymbols(ctx, auth, t)
		if err != nil {
			r.logger.Warn("symbol search failed", zap.String("ticker", t), zap.Error(err))
			still = append(still, t)
			continue
		}
		match := exactMatch(results, t)
		if match == nil {
			still = append(still, t)
			continue
		}
		rec := recordFromResult(*match)
		if err := r.store.PutSymbol(ctx, rec); err != nil {
			r.logger.Warn("persist symbol failed", zap.String("ticker", t), zap.Error(err))
		}
		r.promote(t, match.SymbolID)
		out[t] = Resolution{Ticker: t, SymbolID: match.SymbolID, Found: true}
	}
	return still
}

// GetSymbolDetail returns the full record for a ticker, refreshing
// descriptive fields when they are stale. ID resolution is never
// blocked on the refresh.
func (r *Resolver) GetSymbolDetail(ctx context.Context, identity, ticker string) (*models.SymbolRecord, error) {
	t := normalize(ticker)
	res, err := r.LookupSymbols(ctx, identity, []string{t})
	if err != nil {
		return nil, err
	}
	if !res[t].Found {
		return nil, apierr.New(apierr.CodeSymbolNotFound, "symbol %q not found", t)
	}

	rec, err := r.store.GetSymbol(ctx, t)
	if errors.Is(err, store.ErrNotFound) {
		rec = &models.SymbolRecord{Ticker: t, SymbolID: res[t].SymbolID, CreatedAt: time.Now().UTC()}
	} else if err != nil {
		return nil, err
	}

	if !r.needsDetailRefresh(rec) {
		return rec, nil
	}

	auth, err := r.auth(ctx, identity)
	if err != nil {
		// Serve what we have; detail freshness is best effort.
		return rec, nil
	}
	details, err := r.provider.GetSymbolDetails(ctx, auth, []int64{rec.SymbolID})
	if err != nil || len(details) == 0 {
		return rec, nil
	}

	d := details[0]
	rec.Description = d.Description
	rec.Exchange = d.Exchange
	rec.Currency = d.Currency
	rec.SecurityType = d.SecurityType
	rec.PrevDayClosePrice = d.PrevDayClosePrice
	rec.DetailRefreshedAt = time.Now().UTC()
	if err := r.store.PutSymbol(ctx, rec); err != nil {
		r.logger.Warn("persist symbol detail failed", zap.String("ticker", t), zap.Error(err))
	}
	return rec, nil
}

func (r *Resolver) needsDetailRefresh(rec *models.SymbolRecord) bool {
	return time.Since(rec.DetailRefreshedAt) > detailStaleAfter
}

// StreamPort returns the ephemeral stream port for an identity, cached
// for 24 hours. Unauthorized responses get one retry behind a forced
// token refresh.
func (r *Resolver) StreamPort(ctx context.Context, identity string, ids []int64) (int, error) {
	r.portMu.Lock()
	entry, ok := r.ports[identity]
	r.portMu.Unlock()
	if ok && time.Since(entry.fetchedAt) < streamPortTTL {
		return entry.port, nil
	}

	auth, err := r.auth(ctx, identity)
	if err != nil {
		return 0, err
	}
	port, err := r.provider.GetStreamPort(ctx, auth, ids)
	if apierr.CodeOf(err) == apierr.CodeTokenExpired {
		fresh, rerr := r.tokens.RefreshAccessToken(ctx, identity)
		if rerr != nil {
			return 0, rerr
		}
		port, err = r.provider.GetStreamPort(ctx, questrade.Auth{AccessToken: fresh.Token, APIServer: fresh.APIServer}, ids)
	}
	if err != nil {
		return 0, err
	}

	r.portMu.Lock()
	r.ports[identity] = portEntry{port: port, fetchedAt: time.Now()}
	r.portMu.Unlock()
	return port, nil
}

func (r *Resolver) auth(ctx context.Context, identity string) (questrade.Auth, error) {
	tok, err := r.tokens.GetValidAccessToken(ctx, identity)
	if err != nil {
		return questrade.Auth{}, err
	}
	return questrade.Auth{AccessToken: tok.Token, APIServer: tok.APIServer}, nil
}

func (r *Resolver) promote(ticker string, id int64) {
	r.mu.Lock()
	r.ids[ticker] = id
	r.mu.Unlock()
}

func normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

func exactMatch(results []questrade.SymbolResult, ticker string) *questrade.SymbolResult {
	for i := range results {
		if normalize(results[i].Symbol) == ticker {
			return &results[i]
		}
	}
	return nil
}

func recordFromResult(res questrade.SymbolResult) *models.SymbolRecord {
	now := time.Now().UTC()
	return &models.SymbolRecord{
		Ticker:            normalize(res.Symbol),
		SymbolID:          res.SymbolID,
		Description:       res.Description,
		Exchange:          res.Exchange,
		Currency:          res.Currency,
		SecurityType:      res.SecurityType,
		PrevDayClosePrice: res.PrevDayClosePrice,
		DetailRefreshedAt: now,
		CreatedAt:         now,
	}
}
