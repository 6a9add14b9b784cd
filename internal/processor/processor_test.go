package processor_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmonetize/openmonetize-sub001/internal/ledger"
	"github.com/openmonetize/openmonetize-sub001/internal/models"
	"github.com/openmonetize/openmonetize-sub001/internal/pricing"
	"github.com/openmonetize/openmonetize-sub001/internal/processor"
	"github.com/openmonetize/openmonetize-sub001/internal/storage/memory"
)

type fixture struct {
	store     *memory.Store
	engine    *ledger.Engine
	processor *processor.Processor
	customer  uuid.UUID
}

func newFixture(t *testing.T, policy ledger.Policy) *fixture {
	t.Helper()
	store := memory.NewStore()
	engine := ledger.NewEngine(store, policy, nil)
	resolver := pricing.NewResolver(store, decimal.Zero, nil)
	customer := uuid.New()

	_, err := store.PublishBurnTable(context.Background(), &customer, models.BurnRules{
		"gpt-4o": {InputRate: decimal.NewFromInt(5), OutputRate: decimal.NewFromInt(10), PerUnit: 1000},
	}, time.Time{})
	require.NoError(t, err)

	return &fixture{
		store:     store,
		engine:    engine,
		processor: processor.NewProcessor(store, engine, resolver, nil),
		customer:  customer,
	}
}

func (f *fixture) envelope(eventID, model string, in, out int64) *models.EventEnvelope {
	return &models.EventEnvelope{
		BatchID:    uuid.New(),
		IngestedAt: time.Now(),
		Event: models.Event{
			EventID:    eventID,
			CustomerID: f.customer,
			Kind:       models.EventKindTokenUsage,
			Tokens:     &models.TokenUsage{Provider: "openai", Model: model, InputTokens: in, OutputTokens: out},
			Timestamp:  time.Now(),
		},
	}
}

func TestProcess_BurnsCredits(t *testing.T) {
	f := newFixture(t, ledger.PolicySoft)
	ctx := context.Background()

	outcome, err := f.processor.Process(ctx, f.envelope("evt-1", "gpt-4o", 1000, 500))
	require.NoError(t, err)
	assert.Equal(t, processor.OutcomeProcessed, outcome)

	usage := f.store.UsageEvent(f.customer, "evt-1")
	require.NotNil(t, usage)
	assert.Equal(t, int64(10), usage.CreditsCharged)
	assert.Equal(t, string(pricing.SourceCustomerBurnTable), usage.PricingSource)

	scope := models.ScopeFor(f.customer, nil, nil)
	balance, err := f.engine.Balance(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(-10), balance)

	history, err := f.engine.History(ctx, scope, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TransactionBurn, history[0].Kind)
	assert.Equal(t, models.BurnIdempotencyKey(f.customer, "evt-1"), *history[0].IdempotencyKey)
}

func TestProcess_ReprocessingIsANoOp(t *testing.T) {
	f := newFixture(t, ledger.PolicySoft)
	ctx := context.Background()
	env := f.envelope("evt-1", "gpt-4o", 1000, 500)

	_, err := f.processor.Process(ctx, env)
	require.NoError(t, err)

	outcome, err := f.processor.Process(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, processor.OutcomeDuplicate, outcome)

	assert.Equal(t, 1, f.store.CountUsageEvents())
	assert.Equal(t, 1, f.store.CountTransactions())
}

func TestProcess_ReusedIdempotencyKey(t *testing.T) {
	f := newFixture(t, ledger.PolicySoft)
	ctx := context.Background()
	key := "request-42"

	first := f.envelope("evt-1", "gpt-4o", 1000, 500)
	first.Event.IdempotencyKey = &key
	second := f.envelope("evt-2", "gpt-4o", 1000, 500)
	second.Event.IdempotencyKey = &key

	_, err := f.processor.Process(ctx, first)
	require.NoError(t, err)
	outcome, err := f.processor.Process(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, processor.OutcomeDuplicate, outcome)
	assert.Equal(t, 1, f.store.CountUsageEvents())
	assert.Equal(t, 1, f.store.CountTransactions())
}

func TestProcess_ZeroUsagePersistsWithoutDebit(t *testing.T) {
	f := newFixture(t, ledger.PolicySoft)
	ctx := context.Background()

	outcome, err := f.processor.Process(ctx, f.envelope("evt-0", "gpt-4o", 0, 0))
	require.NoError(t, err)
	assert.Equal(t, processor.OutcomeProcessed, outcome)

	usage := f.store.UsageEvent(f.customer, "evt-0")
	require.NotNil(t, usage)
	assert.Equal(t, int64(0), usage.CreditsCharged)
	assert.Equal(t, string(pricing.SourceNone), usage.PricingSource)
	assert.Equal(t, 0, f.store.CountTransactions())

	wallet, err := f.engine.Wallet(ctx, models.ScopeFor(f.customer, nil, nil))
	require.NoError(t, err)
	assert.Nil(t, wallet, "no wallet is created for a free event")
}

func TestProcess_MissingPricingIsRetryable(t *testing.T) {
	f := newFixture(t, ledger.PolicySoft)
	ctx := context.Background()

	// customer table has no rule for this model and no provider cost exists
	_, err := f.processor.Process(ctx, f.envelope("evt-1", "mystery-model", 10, 10))
	require.ErrorIs(t, err, pricing.ErrNoCostData)
	assert.NotErrorIs(t, err, processor.ErrPermanent)
	assert.Equal(t, 0, f.store.CountUsageEvents())
}

func TestProcess_HardPolicyRejectionIsPermanent(t *testing.T) {
	f := newFixture(t, ledger.PolicyHard)
	ctx := context.Background()

	_, err := f.processor.Process(ctx, f.envelope("evt-1", "gpt-4o", 1000, 500))
	require.ErrorIs(t, err, processor.ErrPermanent)
	assert.Equal(t, 0, f.store.CountUsageEvents(), "usage row rolls back with the rejected debit")
	assert.Equal(t, 0, f.store.CountTransactions())
}

func TestProcess_InvalidEventIsPermanent(t *testing.T) {
	f := newFixture(t, ledger.PolicySoft)

	env := f.envelope("", "gpt-4o", 1, 1)
	_, err := f.processor.Process(context.Background(), env)
	require.ErrorIs(t, err, processor.ErrPermanent)
}

func TestProcess_TeamWalletPrecedence(t *testing.T) {
	f := newFixture(t, ledger.PolicySoft)
	ctx := context.Background()
	user := uuid.New()
	team := uuid.New()

	env := f.envelope("evt-1", "gpt-4o", 1000, 500)
	env.Event.UserID = &user
	env.Event.TeamID = &team

	_, err := f.processor.Process(ctx, env)
	require.NoError(t, err)

	teamBalance, _ := f.engine.Balance(ctx, models.ScopeFor(f.customer, nil, &team))
	userBalance, _ := f.engine.Balance(ctx, models.ScopeFor(f.customer, &user, nil))
	assert.Equal(t, int64(-10), teamBalance)
	assert.Equal(t, int64(0), userBalance)
}
