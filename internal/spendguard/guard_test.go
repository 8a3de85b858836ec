package spendguard

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/pkg/logger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newGuard(t *testing.T, cfg Config) *Guard {
	t.Helper()
	g, err := New(cfg, WithLogger(logger.Discard()))
	require.NoError(t, err)
	return g
}

func solTransfer(to, amount string) ledger.TransferRequest {
	return ledger.TransferRequest{Chain: ledger.ChainSolana, Recipient: to, Amount: d(amount)}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := map[string]Config{
		"empty":             {},
		"per tx over total": {ledger.ChainSolana: {MaxTotal: d("0.1"), MaxPerTransaction: d("0.2")}},
		"negative total":    {ledger.ChainSolana: {MaxTotal: d("-1"), MaxPerTransaction: d("0.1")}},
		"zero per tx":       {ledger.ChainSolana: {MaxTotal: d("1"), MaxPerTransaction: d("0")}},
		"unknown chain":     {"dogecoin": {MaxTotal: d("1"), MaxPerTransaction: d("1")}},
		"blank allow entry": {ledger.ChainSolana: {MaxTotal: d("1"), MaxPerTransaction: d("1"), AllowList: []string{" "}}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(cfg)
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))
			assert.Equal(t, xerrors.CategoryConfig, xerrors.CategoryOf(err))
		})
	}
}

func TestSessionLimitScenario(t *testing.T) {
	g := newGuard(t, Config{ledger.ChainSolana: {MaxTotal: d("0.10"), MaxPerTransaction: d("0.05")}})

	_, err := g.Authorize(solTransfer("dest", "0.05"))
	require.NoError(t, err)
	assert.True(t, g.Usage()[ledger.ChainSolana].Remaining.Equal(d("0.05")))

	_, err = g.Authorize(solTransfer("dest", "0.05"))
	require.NoError(t, err)
	assert.True(t, g.Usage()[ledger.ChainSolana].Remaining.IsZero())

	_, err = g.Authorize(solTransfer("dest", "0.01"))
	require.Error(t, err)
	assert.Equal(t, CodeSessionLimitExceeded, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategorySecurity, xerrors.CategoryOf(err))
}

func TestPerTransactionBoundary(t *testing.T) {
	g := newGuard(t, Config{ledger.ChainEthereum: {MaxTotal: d("100"), MaxPerTransaction: d("0.05")}})

	_, err := g.Authorize(ledger.TransferRequest{Chain: ledger.ChainEthereum, Recipient: "0xabc", Amount: d("0.05")})
	require.NoError(t, err)

	overByOneWei := d("0.05").Add(ledger.OneUnit(ledger.EthereumDecimals))
	_, err = g.Authorize(ledger.TransferRequest{Chain: ledger.ChainEthereum, Recipient: "0xabc", Amount: overByOneWei})
	require.Error(t, err)
	assert.Equal(t, CodePerTransactionLimitExceeded, xerrors.CodeOf(err))

	usage := g.Usage()[ledger.ChainEthereum]
	assert.True(t, usage.Spent.Equal(d("0.05")), "rejection must not reserve")
}

func TestAllowList(t *testing.T) {
	g := newGuard(t, Config{ledger.ChainSolana: {
		MaxTotal:          d("1"),
		MaxPerTransaction: d("1"),
		AllowList:         []string{"addrA"},
	}})

	_, err := g.Authorize(solTransfer("addrB", "0.01"))
	require.Error(t, err)
	assert.Equal(t, CodeRecipientNotAllowed, xerrors.CodeOf(err))

	_, err = g.Authorize(solTransfer("addra", "0.01"))
	assert.Equal(t, CodeRecipientNotAllowed, xerrors.CodeOf(err), "match is exact")

	_, err = g.Authorize(solTransfer("addrA", "0.01"))
	require.NoError(t, err)
}

func TestUnconfiguredChainAndInvalidAmount(t *testing.T) {
	g := newGuard(t, Config{ledger.ChainSolana: {MaxTotal: d("1"), MaxPerTransaction: d("1")}})

	_, err := g.Authorize(ledger.TransferRequest{Chain: ledger.ChainEthereum, Recipient: "0x1", Amount: d("0.1")})
	assert.Equal(t, CodeChainNotConfigured, xerrors.CodeOf(err))

	_, err = g.Authorize(solTransfer("x", "0"))
	assert.Equal(t, ledger.CodeInvalidAmount, xerrors.CodeOf(err))
	_, err = g.Authorize(solTransfer("x", "-1"))
	assert.Equal(t, ledger.CodeInvalidAmount, xerrors.CodeOf(err))
}

func TestRecordFailureRollsBackOnce(t *testing.T) {
	g := newGuard(t, Config{ledger.ChainSolana: {MaxTotal: d("0.10"), MaxPerTransaction: d("0.05")}})

	approval, err := g.Authorize(solTransfer("dest", "0.05"))
	require.NoError(t, err)

	assert.True(t, g.RecordFailure(approval))
	assert.False(t, g.RecordFailure(approval))
	assert.True(t, g.Usage()[ledger.ChainSolana].Spent.IsZero())
	assert.False(t, g.RecordFailure(nil))
}

func TestSettledApprovalCannotRollBack(t *testing.T) {
	g := newGuard(t, Config{ledger.ChainSolana: {MaxTotal: d("0.10"), MaxPerTransaction: d("0.05")}})

	approval, err := g.Authorize(solTransfer("dest", "0.05"))
	require.NoError(t, err)
	g.Settle(approval)

	assert.False(t, g.RecordFailure(approval))
	assert.True(t, g.Usage()[ledger.ChainSolana].Spent.Equal(d("0.05")))
}

func TestClosedGuardRejects(t *testing.T) {
	g := newGuard(t, Config{ledger.ChainSolana: {MaxTotal: d("1"), MaxPerTransaction: d("1")}})
	g.Close()
	g.Close()
	assert.True(t, g.Closed())

	_, err := g.Authorize(solTransfer("dest", "0.1"))
	assert.Equal(t, CodeSessionClosed, xerrors.CodeOf(err))
}

func TestConfigIsCopied(t *testing.T) {
	allow := []string{"addrA"}
	cfg := Config{ledger.ChainSolana: {MaxTotal: d("1"), MaxPerTransaction: d("1"), AllowList: allow}}
	g := newGuard(t, cfg)

	allow[0] = "addrB"
	cfg[ledger.ChainSolana] = Limits{MaxTotal: d("100"), MaxPerTransaction: d("100")}

	_, err := g.Authorize(solTransfer("addrB", "0.5"))
	assert.Equal(t, CodeRecipientNotAllowed, xerrors.CodeOf(err))
	limits, ok := g.Limits(ledger.ChainSolana)
	require.True(t, ok)
	assert.True(t, limits.MaxTotal.Equal(d("1")))

	limits.AllowList[0] = "addrB"
	_, err = g.Authorize(solTransfer("addrB", "0.5"))
	assert.Equal(t, CodeRecipientNotAllowed, xerrors.CodeOf(err))
	again, _ := g.Limits(ledger.ChainSolana)
	assert.Equal(t, []string{"addrA"}, again.AllowList)
}

func TestConcurrentAuthorizeNeverExceedsTotal(t *testing.T) {
	const (
		workers  = 32
		attempts = 50
	)
	maxTotal := d("1.5")
	g := newGuard(t, Config{ledger.ChainSolana: {MaxTotal: maxTotal, MaxPerTransaction: d("0.3")}})

	amounts := []string{"0.01", "0.05", "0.3", "0.07", "0.000000001", "0.2"}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		approved = decimal.Zero
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < attempts; i++ {
				amount := amounts[(w+i)%len(amounts)]
				approval, err := g.Authorize(solTransfer("dest", amount))
				if err != nil {
					continue
				}
				if (w+i)%7 == 0 {
					g.RecordFailure(approval)
					continue
				}
				mu.Lock()
				approved = approved.Add(approval.Amount)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.True(t, approved.LessThanOrEqual(maxTotal), "approved %s exceeds %s", approved, maxTotal)
	assert.True(t, g.Usage()[ledger.ChainSolana].Spent.Equal(approved))
}

func TestParseLimits(t *testing.T) {
	limits, err := ParseLimits("0.10", "0.05", []string{"addrA"})
	require.NoError(t, err)
	assert.True(t, limits.MaxTotal.Equal(d("0.1")))
	assert.Equal(t, []string{"addrA"}, limits.AllowList)

	_, err = ParseLimits("ten", "0.05", nil)
	assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))

	_, err = ParseLimits("1e60000000", "0.05", nil)
	assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))
}
