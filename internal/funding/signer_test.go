package funding

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/keyvault"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/ledger/ethereum"
	"AgentPay-Chain/internal/ledger/provider"
	"AgentPay-Chain/pkg/logger"
)

func newPrimaryKey(t *testing.T) (string, ledger.SigningKey) {
	t.Helper()
	raw, err := crypto.GenerateKey()
	require.NoError(t, err)
	secret := common.Bytes2Hex(crypto.FromECDSA(raw))
	key, err := keyvault.RestoreKey(ledger.ChainEthereum, secret)
	require.NoError(t, err)
	return secret, key
}

func newRegistry(t *testing.T, funded string) *provider.Registry {
	t.Helper()
	balance := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	sim := simulated.NewBackend(coretypes.GenesisAlloc{
		common.HexToAddress(funded): coretypes.Account{Balance: balance},
	})
	t.Cleanup(func() { sim.Close() })
	adapter := ethereum.NewSimulated(sim, ethereum.Config{PollInterval: 10 * time.Millisecond}, ethereum.WithLogger(logger.Discard()))
	registry, err := provider.NewStatic(adapter)
	require.NoError(t, err)
	return registry
}

func TestKeyedSignerFundsSessionAddress(t *testing.T) {
	_, primary := newPrimaryKey(t)
	registry := newRegistry(t, primary.Address())
	signer := NewKeyedSigner(registry, map[ledger.Chain]ledger.SigningKey{ledger.ChainEthereum: primary}, WithLogger(logger.Discard()))
	defer signer.Close()

	session, err := keyvault.Generate()
	require.NoError(t, err)
	to, err := session.Address(ledger.ChainEthereum)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conf, err := signer.RequestTransfer(ctx, Request{Chain: ledger.ChainEthereum, To: to, Amount: decimal.RequireFromString("0.05")})
	require.NoError(t, err)
	assert.Equal(t, primary.Address(), conf.From)
	assert.Equal(t, to, conf.To)
	assert.NotEmpty(t, conf.TxID)

	adapter, _ := registry.Adapter(ledger.ChainEthereum)
	balance, err := adapter.GetBalance(ctx, to)
	require.NoError(t, err)
	assert.True(t, balance.Amount.Equal(decimal.RequireFromString("0.05")))

	addr, err := signer.Address(ledger.ChainEthereum)
	require.NoError(t, err)
	assert.Equal(t, primary.Address(), addr)
}

func TestKeyedSignerUnavailableChain(t *testing.T) {
	_, primary := newPrimaryKey(t)
	registry := newRegistry(t, primary.Address())
	signer := NewKeyedSigner(registry, map[ledger.Chain]ledger.SigningKey{ledger.ChainEthereum: primary})

	_, err := signer.Address(ledger.ChainSolana)
	assert.Equal(t, CodeFundingUnavailable, xerrors.CodeOf(err))

	_, err = signer.RequestTransfer(context.Background(), Request{Chain: ledger.ChainSolana, To: "x", Amount: decimal.NewFromInt(1)})
	assert.Equal(t, CodeFundingUnavailable, xerrors.CodeOf(err))

	signer.Close()
	_, err = signer.Address(ledger.ChainEthereum)
	assert.Equal(t, CodeFundingUnavailable, xerrors.CodeOf(err))
}

func TestFromEnv(t *testing.T) {
	secret, primary := newPrimaryKey(t)
	registry := newRegistry(t, primary.Address())

	t.Setenv("TEST_FUNDING_ETH", "0x"+secret)
	t.Setenv("TEST_FUNDING_SOL", "")
	signer, err := FromEnv(registry, map[string]string{"ethereum": "TEST_FUNDING_ETH", "solana": "TEST_FUNDING_SOL"})
	require.NoError(t, err)
	addr, err := signer.Address(ledger.ChainEthereum)
	require.NoError(t, err)
	assert.Equal(t, primary.Address(), addr)
	_, err = signer.Address(ledger.ChainSolana)
	assert.Error(t, err)

	t.Setenv("TEST_FUNDING_ETH", "not-hex")
	_, err = FromEnv(registry, map[string]string{"ethereum": "TEST_FUNDING_ETH"})
	assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))

	_, err = FromEnv(registry, map[string]string{"dogecoin": "TEST_FUNDING_ETH"})
	assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))
}
