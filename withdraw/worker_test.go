package withdraw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pulsepool/chain"
	"pulsepool/core/token"
	"pulsepool/ledger"
	"pulsepool/observability/logging"
)

func newWorker(t *testing.T, h *harness, gw chain.Gateway) *Worker {
	t.Helper()
	worker, err := NewWorker(WorkerConfig{
		Ledger:  h.store,
		Gateway: gw,
		Now:     func() time.Time { return *h.clock },
	})
	require.NoError(t, err)
	return worker
}

func TestWorkerSettlesHappyPath(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start)
	ctx := context.Background()
	user := h.addUser(t, "0x0000000000000000000000000000000000000b01", token.FromTokens(150))

	id, err := h.service.Request(ctx, user.ID, token.FromTokens(100), "")
	require.NoError(t, err)
	require.Equal(t, 0, h.balance(t, user.ID).Cmp(token.FromTokens(50)))

	var sentTo string
	var sentAmount token.Amount
	worker := newWorker(t, h, chain.Func(func(_ context.Context, to string, amount token.Amount) (string, error) {
		sentTo = to
		sentAmount = amount
		return "0xdead", nil
	}))

	handled, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, user.WalletAddress, sentTo)
	require.Equal(t, 0, sentAmount.Cmp(token.FromTokens(100)))

	row := h.row(t, id)
	require.Equal(t, ledger.WithdrawalCompleted, row.Status)
	require.Equal(t, "0xdead", row.TxID)
	require.NotNil(t, row.CompletedAt)
	require.Equal(t, 0, h.balance(t, user.ID).Cmp(token.FromTokens(50)))

	// Nothing left to settle.
	handled, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	require.False(t, handled)
}

func TestWorkerCompensatesChainFailure(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start)
	ctx := context.Background()
	user := h.addUser(t, "0x0000000000000000000000000000000000000b02", token.FromTokens(150))

	id, err := h.service.Request(ctx, user.ID, token.FromTokens(100), "")
	require.NoError(t, err)

	worker := newWorker(t, h, chain.Func(func(context.Context, string, token.Amount) (string, error) {
		return "", errors.New("every endpoint refused")
	}))

	handled, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, handled)

	row := h.row(t, id)
	require.Equal(t, ledger.WithdrawalFailed, row.Status)
	require.Contains(t, row.ErrorText, "every endpoint refused")
	require.Empty(t, row.TxID)

	// The debit was credited back in the same transaction as the failure.
	require.Equal(t, 0, h.balance(t, user.ID).Cmp(token.FromTokens(150)))
}

func TestWorkerReclaimsStaleLease(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start)
	ctx := context.Background()
	user := h.addUser(t, "0x0000000000000000000000000000000000000b03", token.FromTokens(150))

	id, err := h.service.Request(ctx, user.ID, token.FromTokens(100), "")
	require.NoError(t, err)

	// Simulate a worker that claimed the row ten minutes ago and died.
	require.NoError(t, h.store.DB().Model(&ledger.Withdrawal{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":    ledger.WithdrawalProcessing,
			"leased_at": start.Add(-10 * time.Minute),
		}).Error)

	worker := newWorker(t, h, chain.Func(func(context.Context, string, token.Amount) (string, error) {
		return "0xbeef", nil
	}))

	handled, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, handled)

	row := h.row(t, id)
	require.Equal(t, ledger.WithdrawalCompleted, row.Status)
	require.Equal(t, "0xbeef", row.TxID)
}

func TestWorkerReclaimFailureCompensatesOnce(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start)
	ctx := context.Background()
	user := h.addUser(t, "0x0000000000000000000000000000000000000b04", token.FromTokens(150))

	id, err := h.service.Request(ctx, user.ID, token.FromTokens(100), "")
	require.NoError(t, err)
	require.NoError(t, h.store.DB().Model(&ledger.Withdrawal{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":    ledger.WithdrawalProcessing,
			"leased_at": start.Add(-10 * time.Minute),
		}).Error)

	worker := newWorker(t, h, chain.Func(func(context.Context, string, token.Amount) (string, error) {
		return "", errors.New("rpc timeout")
	}))

	handled, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, handled)

	require.Equal(t, ledger.WithdrawalFailed, h.row(t, id).Status)
	require.Equal(t, 0, h.balance(t, user.ID).Cmp(token.FromTokens(150)))

	// A second pass finds nothing; the compensation cannot repeat.
	handled, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	require.False(t, handled)
	require.Equal(t, 0, h.balance(t, user.ID).Cmp(token.FromTokens(150)))
}

func TestWorkerRedactsDestinationWallet(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start)
	ctx := context.Background()
	user := h.addUser(t, "0x0000000000000000000000000000000000000b06", token.FromTokens(150))

	_, err := h.service.Request(ctx, user.ID, token.FromTokens(100), "")
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	worker, err := NewWorker(WorkerConfig{
		Ledger: h.store,
		Gateway: chain.Func(func(context.Context, string, token.Amount) (string, error) {
			return "0xfeed", nil
		}),
		Log: slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{})),
		Now: func() time.Time { return *h.clock },
	})
	require.NoError(t, err)

	handled, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, handled)

	require.False(t, logging.IsAllowlisted("destination"),
		"destination must stay masked: %v", logging.RedactionAllowlist())
	require.NotContains(t, buf.String(), user.WalletAddress)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, logging.RedactedValue, entry["destination"])
}

func TestWorkerLeavesFreshProcessingRowsAlone(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start)
	ctx := context.Background()
	user := h.addUser(t, "0x0000000000000000000000000000000000000b05", token.FromTokens(150))

	id, err := h.service.Request(ctx, user.ID, token.FromTokens(100), "")
	require.NoError(t, err)

	// Another worker holds the lease; leased_at is inside the window.
	require.NoError(t, h.store.DB().Model(&ledger.Withdrawal{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":    ledger.WithdrawalProcessing,
			"leased_at": start.Add(-time.Minute),
		}).Error)

	worker := newWorker(t, h, chain.Func(func(context.Context, string, token.Amount) (string, error) {
		t.Fatal("no submission expected while the lease is live")
		return "", nil
	}))

	handled, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	require.False(t, handled)
	require.Equal(t, ledger.WithdrawalProcessing, h.row(t, id).Status)
}
