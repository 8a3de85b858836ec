package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/keyvault"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/spendguard"
	"AgentPay-Chain/pkg/logger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	manager *Manager
	sol     *fakeLedger
	eth     *fakeLedger
	store   *keyvault.MemoryStore
	funder  *fakeFunder
	alerts  *recordingAlerts
}

func defaultLimits() spendguard.Config {
	return spendguard.Config{
		ledger.ChainSolana:   {MaxTotal: d("0.10"), MaxPerTransaction: d("0.05")},
		ledger.ChainEthereum: {MaxTotal: d("0.10"), MaxPerTransaction: d("0.05")},
	}
}

func newHarness(t *testing.T, limits spendguard.Config, store *keyvault.MemoryStore) *harness {
	t.Helper()
	if store == nil {
		store = keyvault.NewMemoryStore()
	}
	h := &harness{
		sol:    newFakeLedger(ledger.ChainSolana, ledger.SolanaDecimals, "0.000005"),
		eth:    newFakeLedger(ledger.ChainEthereum, ledger.EthereumDecimals, "0.0001"),
		store:  store,
		alerts: &recordingAlerts{},
	}
	h.funder = &fakeFunder{ledgers: map[ledger.Chain]*fakeLedger{ledger.ChainSolana: h.sol, ledger.ChainEthereum: h.eth}}
	m, err := New(Config{
		Adapters: map[ledger.Chain]ledger.Adapter{ledger.ChainSolana: h.sol, ledger.ChainEthereum: h.eth},
		Store:    store,
		Funding:  h.funder,
		Limits:   limits,
	}, WithLogger(logger.Discard()), WithAuditLogger(logger.Discard()), WithAlerts(h.alerts))
	require.NoError(t, err)
	h.manager = m
	return h
}

func (h *harness) start(t *testing.T) map[ledger.Chain]string {
	t.Helper()
	addrs, err := h.manager.Start(context.Background())
	require.NoError(t, err)
	return addrs
}

func TestNewRejectsInvalidLimits(t *testing.T) {
	_, err := New(Config{
		Adapters: map[ledger.Chain]ledger.Adapter{ledger.ChainSolana: newFakeLedger(ledger.ChainSolana, 9, "0")},
		Store:    keyvault.NewMemoryStore(),
		Funding:  &fakeFunder{},
		Limits:   spendguard.Config{ledger.ChainSolana: {MaxTotal: d("0.01"), MaxPerTransaction: d("0.05")}},
	})
	assert.Equal(t, xerrors.CategoryConfig, xerrors.CategoryOf(err))

	_, err = New(Config{Store: keyvault.NewMemoryStore(), Funding: &fakeFunder{}, Limits: defaultLimits()})
	assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))

	_, err = New(Config{
		Adapters: map[ledger.Chain]ledger.Adapter{ledger.ChainEthereum: newFakeLedger(ledger.ChainSolana, 9, "0")},
		Store:    keyvault.NewMemoryStore(),
		Funding:  &fakeFunder{},
		Limits:   defaultLimits(),
	})
	assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))
}

func TestStartPersistsAndIsIdempotent(t *testing.T) {
	store := keyvault.NewMemoryStore()
	h := newHarness(t, defaultLimits(), store)
	assert.Equal(t, StateUninitialized, h.manager.State())

	first := h.start(t)
	require.Len(t, first, 2)
	assert.Equal(t, StateActive, h.manager.State())
	assert.Equal(t, 2, store.Len())

	again := h.start(t)
	assert.Equal(t, first, again)

	restored := newHarness(t, defaultLimits(), store)
	assert.Equal(t, first, restored.start(t))
}

func TestStartRegeneratesMalformedSecret(t *testing.T) {
	store := keyvault.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, keyvault.StorageKey(ledger.ChainSolana), "not-base58-!!"))
	require.NoError(t, store.Put(ctx, keyvault.StorageKey(ledger.ChainEthereum), "zz"))

	h := newHarness(t, defaultLimits(), store)
	addrs := h.start(t)
	require.Len(t, addrs, 2)

	secrets, found, err := keyvault.Load(ctx, store)
	require.NoError(t, err)
	require.True(t, found)
	keys, err := keyvault.Restore(secrets)
	require.NoError(t, err)
	assert.Equal(t, addrs, keys.Addresses())
}

func TestOperationsRequireStart(t *testing.T) {
	h := newHarness(t, defaultLimits(), nil)
	_, err := h.manager.Transfer(context.Background(), ledger.TransferRequest{Chain: ledger.ChainSolana, Recipient: "x", Amount: d("0.01")})
	assert.Equal(t, CodeNotStarted, xerrors.CodeOf(err))
	_, err = h.manager.Balances(context.Background())
	assert.Equal(t, CodeNotStarted, xerrors.CodeOf(err))
	_, err = h.manager.Usage()
	assert.Equal(t, CodeNotStarted, xerrors.CodeOf(err))
}

func TestFundThenTransferRespectsPerTransactionLimit(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, defaultLimits(), nil)
	addrs := h.start(t)

	// 注资金额超过会话上限也不受 SpendGuard 约束。
	conf, err := h.manager.Fund(ctx, ledger.ChainSolana, d("1"))
	require.NoError(t, err)
	assert.Equal(t, addrs[ledger.ChainSolana], conf.To)
	assert.True(t, h.sol.balance(addrs[ledger.ChainSolana]).Equal(d("1")))

	receipt, err := h.manager.Transfer(ctx, ledger.TransferRequest{Chain: ledger.ChainSolana, Recipient: "merchant", Amount: d("0.05")})
	require.NoError(t, err)
	assert.True(t, receipt.Amount.Equal(d("0.05")))
	assert.True(t, h.sol.balance("merchant").Equal(d("0.05")))

	tight := newHarness(t, spendguard.Config{
		ledger.ChainSolana: {MaxTotal: d("0.10"), MaxPerTransaction: d("0.04")},
	}, nil)
	tight.start(t)
	_, err = tight.manager.Fund(ctx, ledger.ChainSolana, d("0.05"))
	require.NoError(t, err)
	_, err = tight.manager.Transfer(ctx, ledger.TransferRequest{Chain: ledger.ChainSolana, Recipient: "merchant", Amount: d("0.05")})
	assert.Equal(t, spendguard.CodePerTransactionLimitExceeded, xerrors.CodeOf(err))
	assert.Equal(t, 0, tight.sol.submissions())
}

func TestTransferSessionLimitScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits(), nil)
	h.start(t)
	_, err := h.manager.Fund(ctx, ledger.ChainEthereum, d("1"))
	require.NoError(t, err)

	req := ledger.TransferRequest{Chain: ledger.ChainEthereum, Recipient: "0xmerchant", Amount: d("0.05")}
	_, err = h.manager.Transfer(ctx, req)
	require.NoError(t, err)
	usage, err := h.manager.Usage()
	require.NoError(t, err)
	assert.True(t, usage[ledger.ChainEthereum].Remaining.Equal(d("0.05")))

	_, err = h.manager.Transfer(ctx, req)
	require.NoError(t, err)

	req.Amount = d("0.01")
	_, err = h.manager.Transfer(ctx, req)
	assert.Equal(t, spendguard.CodeSessionLimitExceeded, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategorySecurity, xerrors.CategoryOf(err))
	assert.Equal(t, StateActive, h.manager.State())
}

func TestTransferValidationNeverReachesGuard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits(), nil)
	h.start(t)

	_, err := h.manager.Transfer(ctx, ledger.TransferRequest{Chain: ledger.ChainSolana, Recipient: "bad-address", Amount: d("0.01")})
	assert.Equal(t, ledger.CodeInvalidAddress, xerrors.CodeOf(err))
	_, err = h.manager.Transfer(ctx, ledger.TransferRequest{Chain: ledger.ChainSolana, Recipient: "ok", Amount: d("-1")})
	assert.Equal(t, ledger.CodeInvalidAmount, xerrors.CodeOf(err))
	_, err = h.manager.Transfer(ctx, ledger.TransferRequest{Chain: "bitcoin", Recipient: "ok", Amount: d("0.01")})
	assert.Equal(t, ledger.CodeUnsupportedChain, xerrors.CodeOf(err))

	usage, err := h.manager.Usage()
	require.NoError(t, err)
	assert.True(t, usage[ledger.ChainSolana].Spent.IsZero())
}

func TestPreBroadcastFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits(), nil)
	h.start(t)

	// 未注资：节点拒绝，资金可证明未移动。
	_, err := h.manager.Transfer(ctx, ledger.TransferRequest{Chain: ledger.ChainSolana, Recipient: "merchant", Amount: d("0.05")})
	assert.Equal(t, ledger.CodeRejected, xerrors.CodeOf(err))

	usage, err := h.manager.Usage()
	require.NoError(t, err)
	assert.True(t, usage[ledger.ChainSolana].Spent.IsZero())
	assert.Empty(t, h.manager.Pending())
	assert.Zero(t, h.alerts.count())
}

func TestAmbiguousFailureKeepsReservationUntilReconciled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits(), nil)
	h.start(t)
	_, err := h.manager.Fund(ctx, ledger.ChainSolana, d("1"))
	require.NoError(t, err)

	h.sol.set(func(f *fakeLedger) {
		f.submitErr = ledger.SubmissionFailed(ledger.ChainSolana, "sig-1", true, context.DeadlineExceeded, "等待确认超时")
		f.status = ledger.TxPending
	})
	_, err = h.manager.Transfer(ctx, ledger.TransferRequest{Chain: ledger.ChainSolana, Recipient: "merchant", Amount: d("0.04")})
	assert.Equal(t, ledger.CodeSubmissionFailed, xerrors.CodeOf(err))

	usage, _ := h.manager.Usage()
	assert.True(t, usage[ledger.ChainSolana].Spent.Equal(d("0.04")))
	pending := h.manager.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "sig-1", pending[0].TxID)
	assert.Equal(t, 1, h.alerts.count())

	status, err := h.manager.Reconcile(ctx, ledger.ChainSolana, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxPending, status)
	require.Len(t, h.manager.Pending(), 1)

	h.sol.set(func(f *fakeLedger) { f.status = ledger.TxExpired })
	status, err = h.manager.Reconcile(ctx, ledger.ChainSolana, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxExpired, status)
	assert.Empty(t, h.manager.Pending())
	usage, _ = h.manager.Usage()
	assert.True(t, usage[ledger.ChainSolana].Spent.IsZero())

	_, err = h.manager.Reconcile(ctx, ledger.ChainSolana, "sig-1")
	assert.Equal(t, CodePendingNotFound, xerrors.CodeOf(err))
}

func TestReconcileConfirmedKeepsReservation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits(), nil)
	h.start(t)

	h.eth.set(func(f *fakeLedger) {
		f.submitErr = errors.New("connection reset")
		f.status = ledger.TxConfirmed
	})
	_, err := h.manager.Transfer(ctx, ledger.TransferRequest{Chain: ledger.ChainEthereum, Recipient: "0xmerchant", Amount: d("0.03")})
	require.Error(t, err)
	pending := h.manager.Pending()
	require.Len(t, pending, 1)

	status, err := h.manager.Reconcile(ctx, ledger.ChainEthereum, pending[0].TxID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxConfirmed, status)
	usage, _ := h.manager.Usage()
	assert.True(t, usage[ledger.ChainEthereum].Spent.Equal(d("0.03")))
	assert.Empty(t, h.manager.Pending())
}

func TestBalancesReportsPartialFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits(), nil)
	h.start(t)
	_, err := h.manager.Fund(ctx, ledger.ChainSolana, d("0.5"))
	require.NoError(t, err)
	h.eth.set(func(f *fakeLedger) { f.balanceErr = errors.New("rpc down") })

	balances, err := h.manager.Balances(ctx)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.True(t, balances[ledger.ChainSolana].Known())
	assert.True(t, balances[ledger.ChainSolana].Balance.Amount.Equal(d("0.5")))
	assert.False(t, balances[ledger.ChainEthereum].Known())
	assert.Equal(t, ledger.CodeNetwork, balances[ledger.ChainEthereum].Code)
}

func TestBalancesConcurrentWithRevoke(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		h := newHarness(t, defaultLimits(), nil)
		h.start(t)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 20; j++ {
				if _, err := h.manager.Balances(ctx); err != nil {
					assert.Equal(t, CodeRevoked, xerrors.CodeOf(err))
					return
				}
			}
		}()
		_, err := h.manager.Revoke(ctx)
		require.NoError(t, err)
		<-done
		assert.Equal(t, StateRevoked, h.manager.State())
	}
}

func TestRevokeRefundsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := keyvault.NewMemoryStore()
	h := newHarness(t, defaultLimits(), store)
	addrs := h.start(t)
	_, err := h.manager.Fund(ctx, ledger.ChainSolana, d("0.5"))
	require.NoError(t, err)
	_, err = h.manager.Fund(ctx, ledger.ChainEthereum, d("0.00005"))
	require.NoError(t, err)

	result, err := h.manager.Revoke(ctx)
	require.NoError(t, err)
	assert.False(t, result.AlreadyRevoked)

	solRefund := result.Refunds[ledger.ChainSolana]
	assert.Equal(t, "user-solana", solRefund.To)
	assert.True(t, solRefund.Amount.Equal(d("0.499995")))
	assert.True(t, h.sol.balance("user-solana").Equal(d("0.499995")))
	assert.True(t, h.sol.balance(addrs[ledger.ChainSolana]).IsZero())

	ethRefund := result.Refunds[ledger.ChainEthereum]
	assert.True(t, ethRefund.Skipped)
	assert.Equal(t, 0, h.eth.submissions())

	assert.Equal(t, StateRevoked, h.manager.State())
	assert.Zero(t, store.Len())

	again, err := h.manager.Revoke(ctx)
	require.NoError(t, err)
	assert.True(t, again.AlreadyRevoked)
	assert.Equal(t, 1, h.sol.submissions())

	_, err = h.manager.Transfer(ctx, ledger.TransferRequest{Chain: ledger.ChainSolana, Recipient: "merchant", Amount: d("0.01")})
	assert.Equal(t, CodeRevoked, xerrors.CodeOf(err))
	_, err = h.manager.Start(ctx)
	assert.Equal(t, CodeRevoked, xerrors.CodeOf(err))
}

func TestRevokeRefundSurvivesFeeRiseAfterEstimate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits(), nil)
	addrs := h.start(t)
	_, err := h.manager.Fund(ctx, ledger.ChainEthereum, d("0.2"))
	require.NoError(t, err)
	h.eth.set(func(f *fakeLedger) { f.feeRise = d("0.0004") })

	result, err := h.manager.Revoke(ctx)
	require.NoError(t, err)
	refund := result.Refunds[ledger.ChainEthereum]
	assert.True(t, refund.Amount.Equal(d("0.1995")), "refund %s", refund.Amount)
	assert.True(t, h.eth.balance("user-ethereum").Equal(d("0.1995")))
	assert.True(t, h.eth.balance(addrs[ledger.ChainEthereum]).IsZero())
	assert.Equal(t, StateRevoked, h.manager.State())
}

func TestRevokeSkipsWhenFeeRiseConsumesBalance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits(), nil)
	h.start(t)
	_, err := h.manager.Fund(ctx, ledger.ChainEthereum, d("0.0003"))
	require.NoError(t, err)
	h.eth.set(func(f *fakeLedger) { f.feeRise = d("0.001") })

	result, err := h.manager.Revoke(ctx)
	require.NoError(t, err)
	assert.True(t, result.Refunds[ledger.ChainEthereum].Skipped)
	assert.Equal(t, 0, h.eth.submissions())
	assert.Equal(t, StateRevoked, h.manager.State())
}

func TestRevokeAbortsWhenRefundFails(t *testing.T) {
	ctx := context.Background()
	store := keyvault.NewMemoryStore()
	h := newHarness(t, defaultLimits(), store)
	addrs := h.start(t)
	_, err := h.manager.Fund(ctx, ledger.ChainEthereum, d("0.2"))
	require.NoError(t, err)

	h.eth.set(func(f *fakeLedger) { f.balanceErr = errors.New("rpc down") })
	_, err = h.manager.Revoke(ctx)
	assert.Equal(t, CodeRefundFailed, xerrors.CodeOf(err))
	assert.Equal(t, StateActive, h.manager.State())
	assert.Equal(t, 2, store.Len())
	assert.Equal(t, 1, h.alerts.count())

	current, err := h.manager.Addresses()
	require.NoError(t, err)
	assert.Equal(t, addrs, current)

	h.eth.set(func(f *fakeLedger) { f.balanceErr = nil })
	result, err := h.manager.Revoke(ctx)
	require.NoError(t, err)
	assert.True(t, result.Refunds[ledger.ChainEthereum].Amount.Equal(d("0.1999")))
	assert.True(t, h.eth.balance("user-ethereum").Equal(d("0.1999")))
}

func TestWatchBalancesStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, defaultLimits(), nil)
	h.start(t)
	_, err := h.manager.Fund(context.Background(), ledger.ChainSolana, d("0.3"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.manager.WatchBalances(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		latest := h.manager.LatestBalances()[ledger.ChainSolana]
		return latest.Known() && latest.Balance.Amount.Equal(d("0.3"))
	}, time.Second, 5*time.Millisecond)

	// 读取失败时保留上一次成功的快照。
	h.sol.set(func(f *fakeLedger) { f.balanceErr = errors.New("rpc down") })
	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.manager.LatestBalances()[ledger.ChainSolana].Known())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatchBalancesExitsAfterRevoke(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, defaultLimits(), nil)
	h.start(t)
	_, err := h.manager.Revoke(context.Background())
	require.NoError(t, err)

	err = h.manager.WatchBalances(context.Background(), time.Millisecond)
	assert.NoError(t, err)
	assert.Empty(t, h.manager.LatestBalances())
}
