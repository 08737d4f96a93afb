package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const balanceKeyPrefix = "ledger:balance"

// Balance is an account balance derived from the entry log.
type Balance struct {
	AccountCode string          `json:"account_code"`
	PartyID     *uuid.UUID      `json:"party_id,omitempty"`
	NormalSide  Side            `json:"normal_side"`
	Debits      decimal.Decimal `json:"debits"`
	Credits     decimal.Decimal `json:"credits"`
	Balance     decimal.Decimal `json:"balance"`
	EntryCount  int             `json:"entry_count"`
}

// TotalsReader is the read side BalanceService derives balances from.
type TotalsReader interface {
	AccountTotals(ctx context.Context, tenantID uuid.UUID, accountCode string, partyID *uuid.UUID) (AccountTotals, error)
}

// BalanceService serves account balances with a per-tenant versioned Redis
// cache. Bumping the tenant version orphans every cached balance of the tenant.
type BalanceService struct {
	repo   TotalsReader
	chart  Chart
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewBalanceService constructs the balance reader. A nil client disables caching.
func NewBalanceService(repo TotalsReader, chart Chart, client *redis.Client, ttl time.Duration, logger *slog.Logger) *BalanceService {
	return &BalanceService{repo: repo, chart: chart, client: client, ttl: ttl, logger: logger}
}

// AccountBalance returns the balance of code, restricted to partyID when set.
func (s *BalanceService) AccountBalance(ctx context.Context, tenantID uuid.UUID, code string, partyID *uuid.UUID) (Balance, error) {
	if tenantID == uuid.Nil {
		return Balance{}, invalid(CodeTenantRequired, "tenant id is empty")
	}
	if !s.chart.IsValidCode(code) {
		return Balance{}, invalid(CodeUnknownAccountCode, "%q", code)
	}
	if s.client == nil {
		return s.load(ctx, tenantID, code, partyID)
	}

	key, err := s.key(ctx, tenantID, code, partyID)
	if err != nil {
		s.log().Warn("balance cache version unavailable", slog.String("tenant_id", tenantID.String()), slog.Any("error", err))
		return s.load(ctx, tenantID, code, partyID)
	}
	payload, err := s.client.Get(ctx, key).Bytes()
	if err == nil {
		var cached Balance
		if err := json.Unmarshal(payload, &cached); err == nil {
			return cached, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		s.log().Warn("balance cache read failed", slog.String("key", key), slog.Any("error", err))
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		bal, err := s.load(ctx, tenantID, code, partyID)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(bal)
		if err != nil {
			return nil, err
		}
		if err := s.client.Set(ctx, key, raw, s.ttl).Err(); err != nil {
			s.log().Warn("balance cache write failed", slog.String("key", key), slog.Any("error", err))
		}
		return bal, nil
	})
	if err != nil {
		return Balance{}, err
	}
	return v.(Balance), nil
}

// Invalidate bumps the tenant's cache version.
func (s *BalanceService) Invalidate(ctx context.Context, tenantID uuid.UUID) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Incr(ctx, versionKey(tenantID)).Err()
}

func (s *BalanceService) load(ctx context.Context, tenantID uuid.UUID, code string, partyID *uuid.UUID) (Balance, error) {
	totals, err := s.repo.AccountTotals(ctx, tenantID, code, partyID)
	if err != nil {
		return Balance{}, err
	}
	debits, credits := RoundAmount(totals.Debits), RoundAmount(totals.Credits)
	return Balance{
		AccountCode: code,
		PartyID:     partyID,
		NormalSide:  s.chart.NormalSide(code),
		Debits:      debits,
		Credits:     credits,
		Balance:     s.chart.Balance(code, debits, credits),
		EntryCount:  totals.EntryCount,
	}, nil
}

func (s *BalanceService) key(ctx context.Context, tenantID uuid.UUID, code string, partyID *uuid.UUID) (string, error) {
	ver, err := s.client.Get(ctx, versionKey(tenantID)).Int64()
	if errors.Is(err, redis.Nil) {
		ver, err = 0, nil
	}
	if err != nil {
		return "", err
	}
	party := "all"
	if partyID != nil {
		party = partyID.String()
	}
	return strings.Join([]string{balanceKeyPrefix, tenantID.String(), code, party, fmt.Sprintf("v%d", ver)}, ":"), nil
}

func versionKey(tenantID uuid.UUID) string {
	return balanceKeyPrefix + ":version:" + tenantID.String()
}

func (s *BalanceService) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}
