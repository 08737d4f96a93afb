package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTotals struct {
	totals AccountTotals
	err    error
	calls  int
	party  *uuid.UUID
}

func (s *stubTotals) AccountTotals(ctx context.Context, tenantID uuid.UUID, accountCode string, partyID *uuid.UUID) (AccountTotals, error) {
	s.calls++
	s.party = partyID
	out := s.totals
	out.AccountCode = accountCode
	return out, s.err
}

func newTestBalanceService(t *testing.T, repo TotalsReader) *BalanceService {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBalanceService(repo, DefaultChart(), client, time.Minute, nil)
}

func TestAccountBalanceCachesUntilInvalidated(t *testing.T) {
	repo := &stubTotals{totals: AccountTotals{Debits: dec("30.00"), Credits: dec("100.00"), EntryCount: 3}}
	svc := newTestBalanceService(t, repo)
	ctx := context.Background()

	bal, err := svc.AccountBalance(ctx, testTenant, AccountObligationsFDIC, nil)
	require.NoError(t, err)
	assert.Equal(t, "70.00", FormatAmount(bal.Balance))
	assert.Equal(t, SideCredit, bal.NormalSide)
	assert.Equal(t, 3, bal.EntryCount)

	cached, err := svc.AccountBalance(ctx, testTenant, AccountObligationsFDIC, nil)
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(cached.Balance))
	assert.Equal(t, 1, repo.calls)

	require.NoError(t, svc.Invalidate(ctx, testTenant))
	repo.totals.Credits = dec("130.00")
	fresh, err := svc.AccountBalance(ctx, testTenant, AccountObligationsFDIC, nil)
	require.NoError(t, err)
	assert.Equal(t, "100.00", FormatAmount(fresh.Balance))
	assert.Equal(t, 2, repo.calls)
}

func TestAccountBalanceKeysByParty(t *testing.T) {
	repo := &stubTotals{totals: AccountTotals{Debits: dec("5.00")}}
	svc := newTestBalanceService(t, repo)
	party := uuid.New()

	_, err := svc.AccountBalance(context.Background(), testTenant, AccountClearingSettlement, nil)
	require.NoError(t, err)
	bal, err := svc.AccountBalance(context.Background(), testTenant, AccountClearingSettlement, &party)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.calls)
	assert.Equal(t, &party, repo.party)
	assert.Equal(t, &party, bal.PartyID)
}

func TestInvalidateIsTenantScoped(t *testing.T) {
	repo := &stubTotals{totals: AccountTotals{Debits: dec("5.00")}}
	svc := newTestBalanceService(t, repo)
	ctx := context.Background()

	_, err := svc.AccountBalance(ctx, testTenant, AccountCashEscrow, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Invalidate(ctx, uuid.New()))
	_, err = svc.AccountBalance(ctx, testTenant, AccountCashEscrow, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.calls)
}

func TestAccountBalanceValidatesInput(t *testing.T) {
	svc := NewBalanceService(&stubTotals{}, DefaultChart(), nil, time.Minute, nil)
	_, err := svc.AccountBalance(context.Background(), uuid.Nil, AccountCashEscrow, nil)
	assert.Equal(t, CodeTenantRequired, ErrorCode(err))
	_, err = svc.AccountBalance(context.Background(), testTenant, "cash:petty", nil)
	assert.Equal(t, CodeUnknownAccountCode, ErrorCode(err))
}

func TestAccountBalanceWithoutCacheReadsThrough(t *testing.T) {
	boom := errors.New("pool closed")
	repo := &stubTotals{err: boom}
	svc := NewBalanceService(repo, DefaultChart(), nil, time.Minute, nil)
	_, err := svc.AccountBalance(context.Background(), testTenant, AccountCashEscrow, nil)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, svc.Invalidate(context.Background(), testTenant))
}

func TestPosterInvalidatesBalanceCache(t *testing.T) {
	repo := newMemRepo()
	poster, _ := newTestPoster(repo)
	totals := &stubTotals{totals: AccountTotals{Debits: dec("1.00")}}
	svc := newTestBalanceService(t, totals)
	poster.WithInvalidator(svc)
	ctx := context.Background()

	_, err := svc.AccountBalance(ctx, testTenant, AccountClearingSettlement, nil)
	require.NoError(t, err)
	_, err = poster.Post(ctx, clearingRequest("T1", "1.00"))
	require.NoError(t, err)
	_, err = svc.AccountBalance(ctx, testTenant, AccountClearingSettlement, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, totals.calls)
}
