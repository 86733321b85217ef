package admission

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/chainpulse/am"
	"github.com/teranos/chainpulse/db"
	"github.com/teranos/chainpulse/errors"
	testdb "github.com/teranos/chainpulse/internal/testing"
)

func TestKeyStore_Lifecycle(t *testing.T) {
	conn := testdb.CreateTestDB(t)
	keys := NewKeyStore(conn)
	ctx := context.Background()

	plaintext, key, err := keys.Create(ctx, "org-1", "ci")
	require.NoError(t, err)
	assert.True(t, len(plaintext) > 40)
	assert.Contains(t, plaintext, KeyPrefix)
	assert.Equal(t, plaintext[:len(key.Prefix)], key.Prefix)

	var stored string
	require.NoError(t, conn.QueryRow("SELECT key_hash FROM api_keys WHERE id = ?", key.ID).Scan(&stored))
	assert.Equal(t, HashKey(plaintext), stored)
	assert.NotContains(t, stored, plaintext)

	auth, err := keys.Authenticate(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, &AuthContext{OrganizationID: "org-1", APIKeyID: key.ID}, auth)

	listed, err := keys.List(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.NotNil(t, listed[0].LastUsedAt)

	require.NoError(t, keys.Revoke(ctx, key.ID))
	_, err = keys.Authenticate(ctx, plaintext)
	require.Error(t, err)
	assert.Equal(t, 401, errors.HTTPStatus(err))

	err = keys.Revoke(ctx, key.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestKeyStore_UnknownAndMissing(t *testing.T) {
	keys := NewKeyStore(testdb.CreateTestDB(t))

	_, err := keys.Authenticate(context.Background(), "")
	assert.Equal(t, 401, errors.HTTPStatus(err))

	_, err = keys.Authenticate(context.Background(), "cp_nope")
	assert.Equal(t, 401, errors.HTTPStatus(err))
}

func TestKeyStore_DatastoreDown(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	mock.ExpectQuery("SELECT id, organization_id, revoked_at FROM api_keys").
		WillReturnError(errors.New("connection reset"))

	keys := NewKeyStore(db.Wrap(sqlDB, db.DialectSQLite))
	_, err = keys.Authenticate(context.Background(), "cp_x")
	require.Error(t, err)
	assert.Equal(t, 500, errors.HTTPStatus(err))
}

func TestSpendTracker_Windows(t *testing.T) {
	conn := testdb.CreateTestDB(t)
	clock := newMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	tracker := NewSpendTracker(conn, am.AdmissionConfig{DailySpendCap: 10, WeeklySpendCap: 20})
	tracker.now = clock.Now
	ctx := context.Background()

	require.NoError(t, tracker.RecordSpend(ctx, SpendRecord{OrganizationID: "org-1", Amount: 8}))
	clock.Advance(25 * time.Hour)
	require.NoError(t, tracker.RecordSpend(ctx, SpendRecord{OrganizationID: "org-1", Amount: 5}))
	require.NoError(t, tracker.RecordSpend(ctx, SpendRecord{OrganizationID: "org-2", Amount: 100}))

	totals, err := tracker.Totals(ctx, "org-1", AssetNative)
	require.NoError(t, err)
	assert.Equal(t, 5.0, totals.Daily)
	assert.Equal(t, 13.0, totals.Weekly)
	assert.Equal(t, 13.0, totals.Monthly)

	require.NoError(t, tracker.CheckSpendingCap(ctx, "org-1", Spend{Asset: AssetNative, Amount: 5}))

	err = tracker.CheckSpendingCap(ctx, "org-1", Spend{Asset: AssetNative, Amount: 6})
	require.Error(t, err)
	assert.Equal(t, 403, errors.HTTPStatus(err))
	assert.Contains(t, err.Error(), "daily spending cap")

	clock.Advance(24 * time.Hour)
	err = tracker.CheckSpendingCap(ctx, "org-1", Spend{Asset: AssetNative, Amount: 8})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weekly spending cap")
}

func TestSpendTracker_OrgOverrideAndUncapped(t *testing.T) {
	conn := testdb.CreateTestDB(t)
	tracker := NewSpendTracker(conn, am.AdmissionConfig{})
	ctx := context.Background()

	require.NoError(t, tracker.CheckSpendingCap(ctx, "org-1", Spend{Asset: AssetNative, Amount: 1e9}))

	tracker.SetConfig(am.AdmissionConfig{OrgCaps: map[string]am.SpendCaps{"org-1": {Daily: 1}}})
	err := tracker.CheckSpendingCap(ctx, "ORG-1", Spend{Asset: AssetNative, Amount: 2})
	require.Error(t, err)
	require.NoError(t, tracker.CheckSpendingCap(ctx, "org-2", Spend{Asset: AssetNative, Amount: 2}))

	// zero and negative amounts are not recorded
	require.NoError(t, tracker.RecordSpend(ctx, SpendRecord{OrganizationID: "org-1", Amount: 0}))
	totals, err := tracker.Totals(ctx, "org-1", AssetNative)
	require.NoError(t, err)
	assert.Zero(t, totals.Monthly)
}

func TestSpendTracker_AssetsHaveSeparateTotals(t *testing.T) {
	conn := testdb.CreateTestDB(t)
	tracker := NewSpendTracker(conn, am.AdmissionConfig{DailySpendCap: 10})
	ctx := context.Background()
	const usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"

	require.NoError(t, tracker.RecordSpend(ctx, SpendRecord{OrganizationID: "org-1", Asset: AssetNative, Amount: 9}))
	require.NoError(t, tracker.RecordSpend(ctx, SpendRecord{OrganizationID: "org-1", Asset: usdc, Amount: 500}))

	native, err := tracker.Totals(ctx, "org-1", AssetNative)
	require.NoError(t, err)
	assert.Equal(t, 9.0, native.Daily)

	token, err := tracker.Totals(ctx, "org-1", usdc)
	require.NoError(t, err)
	assert.Equal(t, 500.0, token.Daily)

	// the token total does not count against the native cap
	require.NoError(t, tracker.CheckSpendingCap(ctx, "org-1", Spend{Asset: AssetNative, Amount: 1}))
	err = tracker.CheckSpendingCap(ctx, "org-1", Spend{Asset: AssetNative, Amount: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "current 9")

	err = tracker.CheckSpendingCap(ctx, "org-1", Spend{Asset: usdc, Amount: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "current 500")
	require.NoError(t, tracker.CheckSpendingCap(ctx, "org-2", Spend{Asset: usdc, Amount: 1}))
}

// stubKeys and stubSpend count calls so the tests can assert later stages never ran
type stubKeys struct {
	auth  *AuthContext
	calls int
}

func (s *stubKeys) Authenticate(ctx context.Context, plaintext string) (*AuthContext, error) {
	s.calls++
	if plaintext != "good" {
		return nil, errors.NewAuthenticationError("invalid API key")
	}
	return s.auth, nil
}

type stubSpend struct {
	err   error
	calls int
}

func (s *stubSpend) CheckSpendingCap(ctx context.Context, org string, spend Spend) error {
	s.calls++
	return s.err
}

func newStubGate(t *testing.T, limit int, spendErr error) (*Gate, *stubKeys, *stubSpend) {
	keys := &stubKeys{auth: &AuthContext{OrganizationID: "org-1", APIKeyID: "key-1"}}
	spend := &stubSpend{err: spendErr}
	return NewGate(keys, NewRateLimiter(limit), spend, zaptest.NewLogger(t).Sugar()), keys, spend
}

func TestGate_InvalidKeyOnlyEver401(t *testing.T) {
	gate, _, spend := newStubGate(t, 1, errors.NewAdmissionError("cap"))

	// exhaust the limiter for the real key
	_, err := gate.Admit(context.Background(), "good", func(*AuthContext) (Spend, error) { return Spend{}, nil })
	require.Error(t, err) // cap
	parsed := 0
	for i := 0; i < 5; i++ {
		_, err := gate.Admit(context.Background(), "bad", func(*AuthContext) (Spend, error) { parsed++; return Spend{Amount: 1}, nil })
		require.Error(t, err)
		assert.Equal(t, 401, errors.HTTPStatus(err))
	}
	assert.Zero(t, parsed)
	assert.Equal(t, 1, spend.calls)
}

func TestGate_Order(t *testing.T) {
	t.Run("rate limit before validation", func(t *testing.T) {
		gate, _, spend := newStubGate(t, 1, nil)
		ok := func(*AuthContext) (Spend, error) { return Spend{}, nil }
		_, err := gate.Admit(context.Background(), "good", ok)
		require.NoError(t, err)

		parsed := false
		_, err = gate.Admit(context.Background(), "good", func(*AuthContext) (Spend, error) {
			parsed = true
			return Spend{}, errors.NewValidationError("to", "to is required")
		})
		require.Error(t, err)
		assert.Equal(t, 429, errors.HTTPStatus(err))
		assert.Equal(t, 60, errors.RetryAfterOf(err))
		assert.False(t, parsed)
		assert.Equal(t, 1, spend.calls)
	})

	t.Run("validation before spending cap", func(t *testing.T) {
		gate, _, spend := newStubGate(t, 10, errors.NewAdmissionError("cap"))
		_, err := gate.Admit(context.Background(), "good", func(*AuthContext) (Spend, error) {
			return Spend{}, errors.NewValidationError("amount", "amount is required")
		})
		require.Error(t, err)
		assert.Equal(t, 400, errors.HTTPStatus(err))
		assert.Equal(t, "amount", errors.FieldOf(err))
		assert.Zero(t, spend.calls)
	})

	t.Run("spending cap last", func(t *testing.T) {
		gate, _, _ := newStubGate(t, 10, errors.NewAdmissionError("daily spending cap would be exceeded"))
		auth, err := gate.Admit(context.Background(), "good", func(*AuthContext) (Spend, error) { return Spend{Asset: AssetNative, Amount: 5}, nil })
		require.Error(t, err)
		assert.Equal(t, 403, errors.HTTPStatus(err))
		assert.Equal(t, "org-1", auth.OrganizationID)
	})

	t.Run("parse sees the authenticated caller", func(t *testing.T) {
		gate, _, _ := newStubGate(t, 10, nil)
		var org string
		_, err := gate.Admit(context.Background(), "good", func(auth *AuthContext) (Spend, error) {
			org = auth.OrganizationID
			return Spend{}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "org-1", org)
	})

	t.Run("all pass", func(t *testing.T) {
		gate, _, _ := newStubGate(t, 10, nil)
		auth, err := gate.Admit(context.Background(), "good", func(*AuthContext) (Spend, error) { return Spend{Asset: AssetNative, Amount: 5}, nil })
		require.NoError(t, err)
		assert.Equal(t, "key-1", auth.APIKeyID)
	})
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "cp_abc", BearerToken("Bearer cp_abc"))
	assert.Equal(t, "cp_abc", BearerToken("bearer   cp_abc "))
	assert.Equal(t, "", BearerToken("Basic dXNlcg=="))
	assert.Equal(t, "", BearerToken("Bearer"))
	assert.Equal(t, "", BearerToken(""))
}
