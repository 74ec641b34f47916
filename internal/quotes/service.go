package quotes

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"brokerlink/internal/apierr"
	"brokerlink/internal/questrade"
	"brokerlink/internal/store"
	"brokerlink/internal/symbols"
	"brokerlink/internal/token"
	"brokerlink/pkg/models"
)

// Freshness tags a served snapshot so callers can tell live data from
// a stale fallback without relying on error unwinding.
type Freshness int

const (
	Fresh Freshness = iota
	Stale
)

// Result pairs a snapshot with how fresh it is.
type Result struct {
	Snapshot  models.QuoteSnapshot
	Freshness Freshness
}

// QuoteAPI is the slice of the REST client this service uses.
type QuoteAPI interface {
	GetQuotes(ctx context.Context, auth questrade.Auth, ids []int64) ([]questrade.Quote, error)
}

// SymbolSource resolves tickers and serves symbol details.
type SymbolSource interface {
	LookupSymbols(ctx context.Context, identity string, tickers []string) (map[string]symbols.Resolution, error)
	GetSymbolDetail(ctx context.Context, identity, ticker string) (*models.SymbolRecord, error)
}

// TokenSource supplies access tokens for provider calls.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, identity string) (*token.AccessToken, error)
}

type cachedSnap struct {
	snap models.QuoteSnapshot
	at   time.Time
}

// Service serves quotes from a short-TTL memory cache, with the durable
// store as a warm fallback and the provider behind a rate limiter.
type Service struct {
	store     store.QuoteStore
	resolver  SymbolSource
	tokens    TokenSource
	provider  QuoteAPI
	publisher Publisher // nil when disabled
	limiter   *rate.Limiter
	ttl       time.Duration
	logger    *zap.Logger

	mu    sync.RWMutex
	inmem map[string]cachedSnap
}

func NewService(st store.QuoteStore, resolver SymbolSource, tokens TokenSource, provider QuoteAPI,
	publisher Publisher, ratePerSec int, ttl time.Duration, logger *zap.Logger) *Service {
	return &Service{
		store:     st,
		resolver:  resolver,
		tokens:    tokens,
		provider:  provider,
		publisher: publisher,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		ttl:       ttl,
		logger:    logger,
		inmem:     make(map[string]cachedSnap),
	}
}

// GetQuote serves one ticker. A failed fetch falls back to the last
// known snapshot (tagged Stale) when one exists; the error propagates
// only when there is nothing to serve.
func (s *Service) GetQuote(ctx context.Context, identity, ticker string, forceRefresh bool) (*Result, error) {
	t := normalize(ticker)

	if !forceRefresh {
		if snap, ok := s.cached(t); ok {
			return &Result{Snapshot: snap, Freshness: Fresh}, nil
		}
	}

	fetched, err := s.fetch(ctx, identity, []string{t})
	if err == nil {
		if snap, ok := fetched[t]; ok {
			return &Result{Snapshot: snap, Freshness: Fresh}, nil
		}
		err = apierr.New(apierr.CodeSymbolNotFound, "no quote for %q", t)
	}

	if snap, ok := s.lastKnown(ctx, t); ok {
		s.logger.Warn("serving stale quote", zap.String("ticker", t), zap.Error(err))
		return &Result{Snapshot: snap, Freshness: Stale}, nil
	}
	return nil, err
}

// GetMultipleQuotes partitions into already-fresh and to-fetch, issues
// one provider call for the latter, and bulk-upserts the results.
func (s *Service) GetMultipleQuotes(ctx context.Context, identity string, tickers []string, forceRefresh bool) (map[string]Result, error) {
	out := make(map[string]Result, len(tickers))
	var toFetch []string

	for _, raw := range tickers {
		t := normalize(raw)
		if t == "" {
			continue
		}
		if _, seen := out[t]; seen {
			continue
		}
		if !forceRefresh {
			if snap, ok := s.cached(t); ok {
				out[t] = Result{Snapshot: snap, Freshness: Fresh}
				continue
			}
		}
		toFetch = append(toFetch, t)
	}

	if len(toFetch) == 0 {
		return out, nil
	}

	fetched, err := s.fetch(ctx, identity, toFetch)
	for _, t := range toFetch {
		if snap, ok := fetched[t]; ok {
			out[t] = Result{Snapshot: snap, Freshness: Fresh}
			continue
		}
		if snap, ok := s.lastKnown(ctx, t); ok {
			out[t] = Result{Snapshot: snap, Freshness: Stale}
		}
	}

	// Only fail outright when the fetch failed and left some ticker
	// with nothing at all to serve.
	if err != nil {
		for _, t := range toFetch {
			if _, ok := out[t]; !ok {
				return out, err
			}
		}
		s.logger.Warn("quote fetch failed, served stale fallbacks", zap.Error(err))
	}
	return out, nil
}

// fetch resolves, rate-limits, calls the provider once, computes day
// change, and persists + caches + publishes the results.
func (s *Service) fetch(ctx context.Context, identity string, tickers []string) (map[string]models.QuoteSnapshot, error) {
	resolved, err := s.resolver.LookupSymbols(ctx, identity, tickers)
	if err != nil {
		return nil, err
	}

	var ids []int64
	tickerByID := make(map[int64]string, len(tickers))
	for _, t := range tickers {
		res := resolved[t]
		if !res.Found {
			continue
		}
		ids = append(ids, res.SymbolID)
		tickerByID[res.SymbolID] = t
	}
	if len(ids) == 0 {
		return map[string]models.QuoteSnapshot{}, nil
	}

	tok, err := s.tokens.GetValidAccessToken(ctx, identity)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := s.provider.GetQuotes(ctx, questrade.Auth{AccessToken: tok.Token, APIServer: tok.APIServer}, ids)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	snaps := make([]models.QuoteSnapshot, 0, len(raw))
	byTicker := make(map[string]models.QuoteSnapshot, len(raw))
	for _, q := range raw {
		t, ok := tickerByID[q.SymbolID]
		if !ok {
			continue
		}
		snap := s.buildSnapshot(ctx, identity, t, q, now)
		snaps = append(snaps, snap)
		byTicker[t] = snap
	}

	if err := s.store.PutQuoteSnapshots(ctx, snaps); err != nil {
		s.logger.Warn("persist quote snapshots failed", zap.Error(err))
	}
	if s.publisher != nil {
		s.publisher.Publish(ctx, snaps)
	}

	s.mu.Lock()
	for t, snap := range byTicker {
		s.inmem[t] = cachedSnap{snap: snap, at: now}
	}
	s.mu.Unlock()

	return byTicker, nil
}

// buildSnapshot computes day change from last trade vs. the symbol's
// previous close. The quote's own previous-close field is unreliable,
// so it is never used.
func (s *Service) buildSnapshot(ctx context.Context, identity, ticker string, q questrade.Quote, now time.Time) models.QuoteSnapshot {
	var prevClose float64
	if detail, err := s.resolver.GetSymbolDetail(ctx, identity, ticker); err == nil {
		prevClose = finite(detail.PrevDayClosePrice)
	}

	last := finite(q.LastTradePrice)
	change, changePct := DayChange(last, prevClose)

	return models.QuoteSnapshot{
		Ticker:           ticker,
		SymbolID:         q.SymbolID,
		BidPrice:         finite(q.BidPrice),
		BidSize:          finite(q.BidSize),
		AskPrice:         finite(q.AskPrice),
		AskSize:          finite(q.AskSize),
		LastTradePrice:   last,
		LastTradeSize:    finite(q.LastTradeSize),
		Volume:           finite(q.Volume),
		DayChange:        change,
		DayChangePercent: changePct,
		Delayed:          q.Delayed,
		FetchedAt:        now,
	}
}

// DayChange returns the absolute and percentage change of the last
// trade vs. the previous close, rounded to two decimals. A zero
// previous close yields zeros.
func DayChange(lastTrade, prevClose float64) (change, changePct float64) {
	if prevClose == 0 {
		return 0, 0
	}
	change = round2(lastTrade - prevClose)
	changePct = round2((lastTrade - prevClose) / prevClose * 100)
	return change, changePct
}

func (s *Service) cached(ticker string) (models.QuoteSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.inmem[ticker]
	if !ok || time.Since(entry.at) > s.ttl {
		return models.QuoteSnapshot{}, false
	}
	return entry.snap, true
}

// lastKnown returns the newest snapshot regardless of age: memory
// first, then the durable store.
func (s *Service) lastKnown(ctx context.Context, ticker string) (models.QuoteSnapshot, bool) {
	s.mu.RLock()
	entry, ok := s.inmem[ticker]
	s.mu.RUnlock()
	if ok {
		return entry.snap, true
	}
	snap, err := s.store.GetQuoteSnapshot(ctx, ticker)
	if err != nil {
		return models.QuoteSnapshot{}, false
	}
	return *snap, true
}

func normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// finite coerces a value to a finite number with a zero default.
func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
