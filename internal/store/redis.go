package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"brokerlink/pkg/models"
)

const (
	identityPrefix = "identity:"
	tokenPrefix    = "token:"
	tokenLogPrefix = "tokenlog:"
	symbolPrefix   = "symbol:"
	quotePrefix    = "quote:"

	identityIndexKey = "identities"
	tokenLogCap      = 50
)

// Compile-time check to ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)

// RedisStore keeps every durable record as a JSON document in Redis.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func tokenKey(identity string, typ models.TokenType) string {
	return fmt.Sprintf("%s%s:%s", tokenPrefix, identity, typ)
}

func (r *RedisStore) getJSON(ctx context.Context, key string, out interface{}) error {
	raw, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

func (r *RedisStore) setJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, raw, 0).Err()
}

// --- identities ---

func (r *RedisStore) GetIdentity(ctx context.Context, name string) (*models.Identity, error) {
	var id models.Identity
	if err := r.getJSON(ctx, identityPrefix+name, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func (r *RedisStore) PutIdentity(ctx context.Context, id *models.Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, identityPrefix+id.Name, raw, 0)
	pipe.SAdd(ctx, identityIndexKey, id.Name)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	names, err := r.client.SMembers(ctx, identityIndexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Identity, 0, len(names))
	for _, name := range names {
		id, err := r.GetIdentity(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *id)
	}
	return out, nil
}

func (r *RedisStore) DeleteIdentity(ctx context.Context, name string) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, identityPrefix+name)
	pipe.Del(ctx, tokenKey(name, models.TokenTypeAccess))
	pipe.Del(ctx, tokenKey(name, models.TokenTypeRefresh))
	pipe.Del(ctx, tokenLogPrefix+name)
	pipe.SRem(ctx, identityIndexKey, name)
	_, err := pipe.Exec(ctx)
	return err
}

// --- tokens ---

func (r *RedisStore) GetActiveToken(ctx context.Context, identity string, typ models.TokenType) (*models.TokenRecord, error) {
	var rec models.TokenRecord
	if err := r.getJSON(ctx, tokenKey(identity, typ), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ReplaceTokens retires the current active records then stores the new
// pair in one pipeline, so readers never see two actives of one type.
func (r *RedisStore) ReplaceTokens(ctx context.Context, identity string, access, refresh *models.TokenRecord) error {
	if err := r.RetireTokens(ctx, identity); err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	for _, rec := range []*models.TokenRecord{access, refresh} {
		if rec == nil {
			continue
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		pipe.Set(ctx, tokenKey(identity, rec.Type), raw, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RetireTokens marks current actives inactive, appends them to the
// identity's token history, and removes the active keys.
func (r *RedisStore) RetireTokens(ctx context.Context, identity string) error {
	pipe := r.client.Pipeline()
	for _, typ := range []models.TokenType{models.TokenTypeAccess, models.TokenTypeRefresh} {
		rec, err := r.GetActiveToken(ctx, identity, typ)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		rec.Active = false
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		pipe.LPush(ctx, tokenLogPrefix+identity, raw)
		pipe.Del(ctx, tokenKey(identity, typ))
	}
	pipe.LTrim(ctx, tokenLogPrefix+identity, 0, tokenLogCap-1)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) MarkTokenUsed(ctx context.Context, identity string, typ models.TokenType) error {
	return r.bumpToken(ctx, identity, typ, func(rec *models.TokenRecord) {
		rec.UseCount++
		rec.LastUsedAt = time.Now().UTC()
	})
}

func (r *RedisStore) MarkTokenErred(ctx context.Context, identity string, typ models.TokenType) error {
	return r.bumpToken(ctx, identity, typ, func(rec *models.TokenRecord) {
		rec.ErrCount++
	})
}

func (r *RedisStore) bumpToken(ctx context.Context, identity string, typ models.TokenType, mutate func(*models.TokenRecord)) error {
	rec, err := r.GetActiveToken(ctx, identity, typ)
	if err != nil {
		return err
	}
	mutate(rec)
	return r.setJSON(ctx, tokenKey(identity, typ), rec)
}

// --- symbols ---

func (r *RedisStore) GetSymbol(ctx context.Context, ticker string) (*models.SymbolRecord, error) {
	var rec models.SymbolRecord
	if err := r.getJSON(ctx, symbolPrefix+ticker, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetSymbols fetches a batch of symbol records in one MGET. Missing
// tickers are simply absent from the result map.
func (r *RedisStore) GetSymbols(ctx context.Context, tickers []string) (map[string]models.SymbolRecord, error) {
	if len(tickers) == 0 {
		return map[string]models.SymbolRecord{}, nil
	}
	keys := make([]string, len(tickers))
	for i, t := range tickers {
		keys[i] = symbolPrefix + t
	}
	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.SymbolRecord, len(tickers))
	for _, val := range results {
		raw, ok := val.(string)
		if !ok || raw == "" {
			continue
		}
		var rec models.SymbolRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out[rec.Ticker] = rec
	}
	return out, nil
}

func (r *RedisStore) PutSymbol(ctx context.Context, rec *models.SymbolRecord) error {
	return r.setJSON(ctx, symbolPrefix+rec.Ticker, rec)
}

// --- quotes ---

func (r *RedisStore) GetQuoteSnapshot(ctx context.Context, ticker string) (*models.QuoteSnapshot, error) {
	var snap models.QuoteSnapshot
	if err := r.getJSON(ctx, quotePrefix+ticker, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// PutQuoteSnapshots writes a batch as a single pipeline (bulk upsert).
func (r *RedisStore) PutQuoteSnapshots(ctx context.Context, snaps []models.QuoteSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, snap := range snaps {
		raw, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		pipe.Set(ctx, quotePrefix+snap.Ticker, raw, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
