package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"brokerlink/internal/apierr"
	"brokerlink/internal/questrade"
	"brokerlink/internal/secrets"
	"brokerlink/internal/store"
	"brokerlink/pkg/models"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// fakeExchanger counts upstream exchanges and rotates tokens like the
// real provider does.
type fakeExchanger struct {
	mu       sync.Mutex
	calls    int64
	fail     error
	sequence int
}

func (f *fakeExchanger) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*questrade.TokenExchange, error) {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.sequence++
	return &questrade.TokenExchange{
		AccessToken:  "access-" + refreshToken,
		RefreshToken: "rotated-refresh-token-000000" + string(rune('a'+f.sequence)),
		APIServer:    "https://api01.example.com/",
		ExpiresIn:    1800,
	}, nil
}

func (f *fakeExchanger) Calls() int64 { return atomic.LoadInt64(&f.calls) }

func setup(t *testing.T) (*Cache, store.Store, *secrets.Box, *fakeExchanger) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	box, err := secrets.NewBox(testKey)
	require.NoError(t, err)
	provider := &fakeExchanger{}
	return NewCache(st, box, provider, zap.NewNop()), st, box, provider
}

// seedIdentity registers an identity with an encrypted refresh token
// but no access token: the cold-start state.
func seedIdentity(t *testing.T, st store.Store, box *secrets.Box, name, refreshToken string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.PutIdentity(ctx, &models.Identity{Name: name, Active: true, CreatedAt: time.Now()}))
	ct, iv, err := box.Encrypt(refreshToken)
	require.NoError(t, err)
	require.NoError(t, st.ReplaceTokens(ctx, name, nil, &models.TokenRecord{
		Identity:   name,
		Type:       models.TokenTypeRefresh,
		Ciphertext: ct,
		IV:         iv,
		ExpiresAt:  time.Now().Add(72 * time.Hour),
		Active:     true,
		CreatedAt:  time.Now(),
	}))
}

// cancelAwareExchanger fails when its context is already cancelled,
// the way the real HTTP client would.
type cancelAwareExchanger struct {
	fakeExchanger
}

func (e *cancelAwareExchanger) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*questrade.TokenExchange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.fakeExchanger.ExchangeRefreshToken(ctx, refreshToken)
}

func TestRefreshAccessToken_SurvivesCallerCancellation(t *testing.T) {
	mr := miniredis.RunT(t)
	st := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	box, err := secrets.NewBox(testKey)
	require.NoError(t, err)
	provider := &cancelAwareExchanger{}
	cache := NewCache(st, box, provider, zap.NewNop())
	seedIdentity(t, st, box, "Alice", "alice-initial-refresh-token-0001")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The flight that coalesced waiters share must not die with the
	// first caller's context.
	tok, err := cache.RefreshAccessToken(ctx, "Alice")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)
	assert.EqualValues(t, 1, provider.Calls())
}

func TestRefreshAccessToken_DeactivatedIdentityRefused(t *testing.T) {
	cache, st, box, provider := setup(t)
	seedIdentity(t, st, box, "Alice", "alice-initial-refresh-token-0001")

	id, err := st.GetIdentity(context.Background(), "Alice")
	require.NoError(t, err)
	id.Active = false
	require.NoError(t, st.PutIdentity(context.Background(), id))

	_, err = cache.RefreshAccessToken(context.Background(), "Alice")
	assert.Equal(t, apierr.CodeIdentityNotFound, apierr.CodeOf(err))
	assert.EqualValues(t, 0, provider.Calls(), "deactivated identity must not reach the provider")
}

func TestGetValidAccessToken_ColdStartRefreshesOnce(t *testing.T) {
	cache, st, box, provider := setup(t)
	seedIdentity(t, st, box, "Alice", "alice-initial-refresh-token-0001")

	tok, err := cache.GetValidAccessToken(context.Background(), "Alice")
	require.NoError(t, err)

	assert.Equal(t, "access-alice-initial-refresh-token-0001", tok.Token)
	assert.Equal(t, "https://api01.example.com", tok.APIServer, "api server must be normalized")
	assert.WithinDuration(t, time.Now().Add(1800*time.Second), tok.ExpiresAt, 5*time.Second)
	assert.EqualValues(t, 1, provider.Calls())

	// Both new records persisted, old refresh retired.
	access, err := st.GetActiveToken(context.Background(), "Alice", models.TokenTypeAccess)
	require.NoError(t, err)
	assert.True(t, access.Active)
	refresh, err := st.GetActiveToken(context.Background(), "Alice", models.TokenTypeRefresh)
	require.NoError(t, err)
	got, err := box.Decrypt(refresh.Ciphertext, refresh.IV)
	require.NoError(t, err)
	assert.NotEqual(t, "alice-initial-refresh-token-0001", got, "refresh token must rotate")

	// Identity health updated.
	id, err := st.GetIdentity(context.Background(), "Alice")
	require.NoError(t, err)
	assert.True(t, id.HasValidToken)
	assert.Empty(t, id.LastError)
}

func TestGetValidAccessToken_SingleFlight(t *testing.T) {
	cache, st, box, provider := setup(t)
	seedIdentity(t, st, box, "Alice", "alice-initial-refresh-token-0001")

	const callers = 25
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := cache.GetValidAccessToken(context.Background(), "Alice")
			if err == nil {
				tokens[i] = tok.Token
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, provider.Calls(), "concurrent cold-cache callers must share one exchange")
	for i := 1; i < callers; i++ {
		assert.Equal(t, tokens[0], tokens[i])
	}
}

func TestGetValidAccessToken_ReusesWithinValidity(t *testing.T) {
	cache, st, box, provider := setup(t)
	seedIdentity(t, st, box, "Alice", "alice-initial-refresh-token-0001")

	first, err := cache.GetValidAccessToken(context.Background(), "Alice")
	require.NoError(t, err)
	second, err := cache.GetValidAccessToken(context.Background(), "Alice")
	require.NoError(t, err)

	assert.Equal(t, first.Token, second.Token)
	assert.EqualValues(t, 1, provider.Calls(), "no second exchange within the validity window")
}

func TestGetValidAccessToken_ServesFromStoreAfterRestart(t *testing.T) {
	cache, st, box, provider := setup(t)
	seedIdentity(t, st, box, "Alice", "alice-initial-refresh-token-0001")

	_, err := cache.GetValidAccessToken(context.Background(), "Alice")
	require.NoError(t, err)

	// New cache instance over the same store simulates a process restart.
	restarted := NewCache(st, box, provider, zap.NewNop())
	tok, err := restarted.GetValidAccessToken(context.Background(), "Alice")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)
	assert.EqualValues(t, 1, provider.Calls(), "stored unexpired token must not trigger an exchange")
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	cache, st, _, _ := setup(t)
	require.NoError(t, st.PutIdentity(context.Background(), &models.Identity{Name: "Bob", Active: true}))

	_, err := cache.GetValidAccessToken(context.Background(), "Bob")
	assert.Equal(t, apierr.CodeTokenMissing, apierr.CodeOf(err))

	id, err := st.GetIdentity(context.Background(), "Bob")
	require.NoError(t, err)
	assert.False(t, id.HasValidToken)
	assert.NotEmpty(t, id.LastError)
}

func TestRefresh_UnknownIdentity(t *testing.T) {
	cache, _, _, _ := setup(t)
	_, err := cache.GetValidAccessToken(context.Background(), "nobody")
	assert.Equal(t, apierr.CodeIdentityNotFound, apierr.CodeOf(err))
}

func TestRefresh_ProviderFailureMarksIdentity(t *testing.T) {
	cache, st, box, provider := setup(t)
	seedIdentity(t, st, box, "Alice", "alice-initial-refresh-token-0001")
	provider.fail = apierr.New(apierr.CodeTokenExpired, "refresh token expired or revoked")

	_, err := cache.RefreshAccessToken(context.Background(), "Alice")
	assert.Equal(t, apierr.CodeTokenExpired, apierr.CodeOf(err))

	id, err := st.GetIdentity(context.Background(), "Alice")
	require.NoError(t, err)
	assert.False(t, id.HasValidToken)
	assert.Contains(t, id.LastError, "expired")
}

func TestSetupIdentityToken_TrialExchangeGuardsPersistence(t *testing.T) {
	cache, st, _, provider := setup(t)
	provider.fail = apierr.New(apierr.CodeTokenInvalid, "provider rejected refresh token")

	_, err := cache.SetupIdentityToken(context.Background(), "Carol", "a-refresh-token-that-will-fail-ok")
	assert.Equal(t, apierr.CodeTokenInvalid, apierr.CodeOf(err))

	_, err = st.GetIdentity(context.Background(), "Carol")
	assert.True(t, errors.Is(err, store.ErrNotFound), "failed setup must not create the identity")
	_, err = st.GetActiveToken(context.Background(), "Carol", models.TokenTypeRefresh)
	assert.True(t, errors.Is(err, store.ErrNotFound), "failed setup must not persist tokens")
}

func TestSetupIdentityToken_BadFormatRejectedBeforeExchange(t *testing.T) {
	cache, _, _, provider := setup(t)

	_, err := cache.SetupIdentityToken(context.Background(), "Carol", "short")
	assert.Equal(t, apierr.CodeTokenInvalid, apierr.CodeOf(err))
	assert.EqualValues(t, 0, provider.Calls())
}

func TestSetupIdentityToken_Success(t *testing.T) {
	cache, st, _, provider := setup(t)

	tok, err := cache.SetupIdentityToken(context.Background(), "Carol", "carol-operator-pasted-token-0001")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)
	assert.EqualValues(t, 1, provider.Calls())

	id, err := st.GetIdentity(context.Background(), "Carol")
	require.NoError(t, err)
	assert.True(t, id.Active)
	assert.True(t, id.HasValidToken)
}

func TestSetupIdentityToken_RekeyExistingIdentity(t *testing.T) {
	cache, st, box, _ := setup(t)
	seedIdentity(t, st, box, "Alice", "alice-initial-refresh-token-0001")

	_, err := cache.SetupIdentityToken(context.Background(), "Alice", "alice-replacement-token-00000002")
	require.NoError(t, err)

	// Exactly one active record per type survives.
	access, err := st.GetActiveToken(context.Background(), "Alice", models.TokenTypeAccess)
	require.NoError(t, err)
	assert.True(t, access.Active)
	refresh, err := st.GetActiveToken(context.Background(), "Alice", models.TokenTypeRefresh)
	require.NoError(t, err)
	assert.True(t, refresh.Active)
}

func TestGetTokenStatus(t *testing.T) {
	cache, st, box, _ := setup(t)
	seedIdentity(t, st, box, "Alice", "alice-initial-refresh-token-0001")

	st1, err := cache.GetTokenStatus(context.Background(), "Alice")
	require.NoError(t, err)
	assert.True(t, st1.HasRefreshToken)
	assert.True(t, st1.AccessExpiresAt.IsZero())

	_, err = cache.GetValidAccessToken(context.Background(), "Alice")
	require.NoError(t, err)

	st2, err := cache.GetTokenStatus(context.Background(), "Alice")
	require.NoError(t, err)
	assert.True(t, st2.HasValidToken)
	assert.False(t, st2.AccessExpiresAt.IsZero())

	_, err = cache.GetTokenStatus(context.Background(), "nobody")
	assert.Equal(t, apierr.CodeIdentityNotFound, apierr.CodeOf(err))
}
