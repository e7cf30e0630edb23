package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"makerclose/internal/closer"
	"makerclose/internal/config"
	"makerclose/internal/execution"
	"makerclose/internal/position"
	"makerclose/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	svc, err := NewService(s, nil)
	require.NoError(t, err)
	return svc
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(nil, nil)
	require.Error(t, err)
}

func TestRecordAndListEvents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, Event{Type: EventQuoteUnavailable, Payload: FailurePayload{Symbol: "BTC/USDC:USDC", Category: "quote_unavailable"}}))
	svc.RecordError(ctx, "boom", errors.New("bad"), map[string]interface{}{"symbol": "BTC/USDC:USDC"})

	all, err := svc.ListEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, EventError, all[0].Type)

	onlyQuotes, err := svc.ListEvents(ctx, EventQuoteUnavailable, 10)
	require.NoError(t, err)
	require.Len(t, onlyQuotes, 1)

	var payload FailurePayload
	require.NoError(t, json.Unmarshal(onlyQuotes[0].Payload.(json.RawMessage), &payload))
	require.Equal(t, "BTC/USDC:USDC", payload.Symbol)
}

func TestCloseRunJournal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	pos := &position.Position{Symbol: "BTC/USDC:USDC", SignedSize: decimal.NewFromInt(-2)}
	id, err := svc.StartRun(ctx, pos.Symbol, pos)
	require.NoError(t, err)
	require.Positive(t, id)

	runs, err := svc.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, OutcomeRunning, runs[0].Outcome)
	require.Equal(t, "2", runs[0].StartSize)
	require.Equal(t, "SHORT", runs[0].StartSide)
	require.Nil(t, runs[0].FinishedAt)

	require.NoError(t, svc.FinishRun(ctx, id, 3, OutcomeFlat, nil))

	runs, err = svc.ListRuns(ctx, "BTC/USDC:USDC", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, OutcomeFlat, runs[0].Outcome)
	require.Equal(t, 3, runs[0].Attempts)
	require.NotNil(t, runs[0].FinishedAt)

	completed, err := svc.ListEvents(ctx, EventCloseCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)

	other, err := svc.ListRuns(ctx, "ETH/USDC:USDC", 10)
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestFinishRun_UnknownID(t *testing.T) {
	svc := newTestService(t)
	err := svc.FinishRun(context.Background(), 999, 0, OutcomeError, errors.New("x"))
	require.ErrorIs(t, err, ErrRunNotFound)

	completed, err := svc.ListEvents(context.Background(), EventCloseCompleted, 10)
	require.NoError(t, err)
	require.Empty(t, completed)
}

func TestStartRun_UnknownStartingPosition(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.StartRun(ctx, "ETH/USDC:USDC", nil)
	require.NoError(t, err)
	require.NoError(t, svc.FinishRun(ctx, id, 0, OutcomeCancelled, context.Canceled))

	runs, err := svc.ListRuns(ctx, "ETH/USDC:USDC", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "FLAT", runs[0].StartSide)
	require.Equal(t, "0", runs[0].StartSize)
	require.Equal(t, "context canceled", runs[0].Error)
}

func TestRunObserver_PersistsEventsAndFlagsStuckClose(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	obs := svc.Observer("BTC/USDC:USDC", 1, 2)

	obs.Observe(ctx, closer.Event{
		Type:    closer.EventAttempt,
		Attempt: 1,
		Side:    execution.OrderSideSell,
		Price:   decimal.NewFromInt(101),
		Size:    decimal.NewFromInt(2),
		OrderID: "abc",
	})
	require.False(t, obs.Stuck())

	obs.Observe(ctx, closer.Event{Type: closer.EventPartialFill, Previous: decimal.NewFromInt(2), Size: decimal.NewFromInt(1)})
	obs.Observe(ctx, closer.Event{Type: closer.EventPlacementFailed, Attempt: 2, Err: errors.New("post only would cross")})
	require.True(t, obs.Stuck())
	require.Equal(t, 2, obs.Attempts())

	obs.Observe(ctx, closer.Event{Type: closer.EventCancelFailed, Attempt: 2, Err: errors.New("cancel rejected")})

	attempts, err := svc.ListEvents(ctx, EventCloseAttempt, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	var attempt AttemptPayload
	require.NoError(t, json.Unmarshal(attempts[0].Payload.(json.RawMessage), &attempt))
	require.Equal(t, "sell", attempt.Side)
	require.Equal(t, "101", attempt.Price)
	require.Equal(t, "abc", attempt.OrderID)

	fills, err := svc.ListEvents(ctx, EventPartialFill, 10)
	require.NoError(t, err)
	require.Len(t, fills, 1)

	errs, err := svc.ListEvents(ctx, EventError, 10)
	require.NoError(t, err)
	// 卡单告警 + cancel_failed
	require.Len(t, errs, 2)

	obs.Done()
	require.False(t, obs.Stuck())
}
