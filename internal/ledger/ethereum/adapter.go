package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"AgentPay-Chain/internal/keyvault"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/pkg/logger"
)

// transferGas is the intrinsic gas of a plain value transfer.
const transferGas uint64 = 21_000

// Backend is the subset of ethclient used by the adapter. Both a dialled
// *ethclient.Client and the simulated backend's client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
}

// Config describes how to construct an EVM adapter.
type Config struct {
	Name           string
	RPCURL         string
	ChainID        *big.Int
	Confirmations  uint64
	PollInterval   time.Duration
	RPCTimeout     time.Duration
	ConfirmTimeout time.Duration
}

// Adapter implements ledger.Adapter for EVM compatible chains using EIP-1559
// dynamic fee transactions.
type Adapter struct {
	name    string
	backend Backend
	closer  func()
	// commit mines a block after each send on simulated backends.
	commit func()

	chainMu sync.Mutex
	chainID *big.Int

	confirmations  uint64
	pollInterval   time.Duration
	rpcTimeout     time.Duration
	confirmTimeout time.Duration
	log            *slog.Logger
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithCommit installs a hook invoked after every send and confirmation poll.
func WithCommit(commit func()) Option {
	return func(a *Adapter) { a.commit = commit }
}

// WithLogger overrides the component logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// Dial connects to the configured RPC endpoint and returns a ready adapter.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Adapter, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	a := New(client, cfg, opts...)
	a.closer = client.Close
	return a, nil
}

// NewSimulated wraps a go-ethereum simulated backend. Every submitted
// transaction is mined immediately.
func NewSimulated(sim *simulated.Backend, cfg Config, opts ...Option) *Adapter {
	opts = append([]Option{WithCommit(func() { sim.Commit() })}, opts...)
	if cfg.Name == "" {
		cfg.Name = "simulated"
	}
	return New(sim.Client(), cfg, opts...)
}

// New builds an adapter on top of an existing backend.
func New(backend Backend, cfg Config, opts ...Option) *Adapter {
	a := &Adapter{
		name:           cfg.Name,
		backend:        backend,
		confirmations:  cfg.Confirmations,
		pollInterval:   cfg.PollInterval,
		rpcTimeout:     cfg.RPCTimeout,
		confirmTimeout: cfg.ConfirmTimeout,
		log:            logger.Named("ledger.ethereum"),
	}
	if cfg.ChainID != nil {
		a.chainID = new(big.Int).Set(cfg.ChainID)
	}
	if a.confirmations == 0 {
		a.confirmations = 1
	}
	if a.pollInterval <= 0 {
		a.pollInterval = 2 * time.Second
	}
	if a.rpcTimeout <= 0 {
		a.rpcTimeout = 10 * time.Second
	}
	if a.confirmTimeout <= 0 {
		a.confirmTimeout = 3 * time.Minute
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Chain implements ledger.Adapter.
func (a *Adapter) Chain() ledger.Chain { return ledger.ChainEthereum }

// Decimals implements ledger.Adapter.
func (a *Adapter) Decimals() int32 { return ledger.EthereumDecimals }

// Close releases network connections held by the adapter.
func (a *Adapter) Close() {
	if a.closer != nil {
		a.closer()
		a.closer = nil
	}
}

// ValidateAddress accepts 0x-prefixed hex addresses. Mixed-case input must
// carry a valid EIP-55 checksum.
func (a *Adapter) ValidateAddress(address string) error {
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return ledger.InvalidAddress(ledger.ChainEthereum, address, nil)
	}
	body := address[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if common.HexToAddress(address).Hex() != address {
			return ledger.InvalidAddress(ledger.ChainEthereum, address, errors.New("EIP-55 校验和错误"))
		}
	}
	return nil
}

// GetBalance implements ledger.Adapter.
func (a *Adapter) GetBalance(ctx context.Context, address string) (ledger.Balance, error) {
	if err := a.ValidateAddress(address); err != nil {
		return ledger.Balance{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()

	wei, err := a.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return ledger.Balance{}, ledger.NetworkError(ledger.ChainEthereum, err, "查询以太坊余额失败")
	}
	return ledger.Balance{
		Chain:   ledger.ChainEthereum,
		Address: address,
		Amount:  ledger.FromAtomic(wei, ledger.EthereumDecimals),
		ReadAt:  time.Now().UTC(),
	}, nil
}

// EstimateFee returns the worst-case fee of a plain transfer at current fee
// levels, which is what the sender's balance must cover on top of the value.
func (a *Adapter) EstimateFee(ctx context.Context, from string) (decimal.Decimal, error) {
	if err := a.ValidateAddress(from); err != nil {
		return decimal.Zero, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()

	_, feeCap, err := a.feeCaps(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	maxFee := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(transferGas))
	return ledger.FromAtomic(maxFee, ledger.EthereumDecimals), nil
}

// BuildTransfer constructs an unsigned EIP-1559 transaction. A non-empty
// payload is sent as call data to spec.To with gas estimated by the node.
func (a *Adapter) BuildTransfer(ctx context.Context, spec ledger.TransferSpec) (*ledger.UnsignedTransfer, error) {
	if err := a.ValidateAddress(spec.From); err != nil {
		return nil, err
	}
	if err := a.ValidateAddress(spec.To); err != nil {
		return nil, err
	}
	if spec.Sweep && len(spec.Payload) > 0 {
		return nil, ledger.InvalidAmount(spec.Amount, "全额转出不支持附带调用数据")
	}
	value, err := ledger.ToAtomic(spec.Amount, ledger.EthereumDecimals)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()

	chainID, err := a.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}
	from := common.HexToAddress(spec.From)
	to := common.HexToAddress(spec.To)

	nonce, err := a.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, ledger.NetworkError(ledger.ChainEthereum, err, "查询交易计数失败")
	}
	tipCap, feeCap, err := a.feeCaps(ctx)
	if err != nil {
		return nil, err
	}

	gas := transferGas
	if len(spec.Payload) > 0 {
		gas, err = a.backend.EstimateGas(ctx, gethcore.CallMsg{
			From:  from,
			To:    &to,
			Value: value,
			Data:  spec.Payload,
		})
		if err != nil {
			return nil, ledger.Rejected(ledger.ChainEthereum, "", false, err, "预估交易 gas 失败")
		}
	}

	maxFee := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(gas))
	amount := spec.Amount
	if spec.Sweep {
		if value.Cmp(maxFee) <= 0 {
			return nil, ledger.FeeExceedsBalance(ledger.ChainEthereum, spec.Amount, ledger.FromAtomic(maxFee, ledger.EthereumDecimals))
		}
		value = new(big.Int).Sub(value, maxFee)
		amount = ledger.FromAtomic(value, ledger.EthereumDecimals)
	}

	tx := &coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      spec.Payload,
	}
	return &ledger.UnsignedTransfer{
		Chain:  ledger.ChainEthereum,
		From:   from.Hex(),
		To:     to.Hex(),
		Amount: amount,
		Atomic: value,
		MaxFee: ledger.FromAtomic(maxFee, ledger.EthereumDecimals),
		Native: tx,
	}, nil
}

// Sign signs the transaction with the session's Ethereum key.
func (a *Adapter) Sign(transfer *ledger.UnsignedTransfer, key ledger.SigningKey) (*ledger.SignedTransfer, error) {
	inner, ok := transfer.Native.(*coretypes.DynamicFeeTx)
	if !ok || transfer.Chain != ledger.ChainEthereum {
		return nil, errors.New("交易不是由以太坊适配器构建的")
	}
	ethKey, ok := key.(*keyvault.EthereumKey)
	if !ok || ethKey.PrivateKey() == nil {
		return nil, errors.New("签名密钥不是有效的以太坊会话密钥")
	}
	if !strings.EqualFold(ethKey.Address(), transfer.From) {
		return nil, fmt.Errorf("签名密钥地址 %s 与发送方 %s 不一致", ethKey.Address(), transfer.From)
	}
	signed, err := coretypes.SignTx(coretypes.NewTx(inner), coretypes.LatestSignerForChainID(inner.ChainID), ethKey.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return &ledger.SignedTransfer{Unsigned: transfer, TxID: signed.Hash().Hex(), Native: signed}, nil
}

// Submit broadcasts the transaction and waits until its receipt is buried
// under the configured number of confirmations.
func (a *Adapter) Submit(ctx context.Context, signed *ledger.SignedTransfer) (*ledger.TransferReceipt, error) {
	tx, ok := signed.Native.(*coretypes.Transaction)
	if !ok {
		return nil, errors.New("交易不是由以太坊适配器签名的")
	}
	txID := signed.TxID

	sendCtx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	err := a.backend.SendTransaction(sendCtx, tx)
	cancel()
	if err != nil {
		if a.knownTransaction(err) {
			a.log.Warn("transaction already known to node", slog.String("tx_id", txID))
		} else {
			return nil, a.classifySendError(txID, err)
		}
	}
	a.log.Info("transaction broadcast", slog.String("tx_id", txID), slog.Uint64("nonce", tx.Nonce()))
	if a.commit != nil {
		a.commit()
	}

	receipt, err := a.waitForReceipt(ctx, tx.Hash())
	if err != nil {
		return nil, ledger.SubmissionFailed(ledger.ChainEthereum, txID, true, err, "等待交易确认超时或失败")
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, ledger.Rejected(ledger.ChainEthereum, txID, true, nil, "交易已上链但执行失败")
	}

	fee := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), effectiveGasPrice(receipt, tx))
	transfer := signed.Unsigned
	return &ledger.TransferReceipt{
		Chain:       ledger.ChainEthereum,
		TxID:        txID,
		From:        transfer.From,
		To:          transfer.To,
		Amount:      transfer.Amount,
		Fee:         ledger.FromAtomic(fee, ledger.EthereumDecimals),
		BlockNumber: receipt.BlockNumber.Uint64(),
		ConfirmedAt: time.Now().UTC(),
	}, nil
}

// Status reconciles a previously submitted transaction. A transaction that is
// neither mined nor pending counts as expired once its nonce has been used.
func (a *Adapter) Status(ctx context.Context, txID string, transfer *ledger.UnsignedTransfer) (ledger.TxStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()

	hash := common.HexToHash(txID)
	receipt, err := a.backend.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		if receipt.Status == coretypes.ReceiptStatusSuccessful {
			return ledger.TxConfirmed, nil
		}
		return ledger.TxFailed, nil
	case !errors.Is(err, gethcore.NotFound):
		return ledger.TxUnknown, ledger.NetworkError(ledger.ChainEthereum, err, "查询交易回执失败")
	}

	_, pending, err := a.backend.TransactionByHash(ctx, hash)
	switch {
	case err == nil && pending:
		return ledger.TxPending, nil
	case err != nil && !errors.Is(err, gethcore.NotFound):
		return ledger.TxUnknown, ledger.NetworkError(ledger.ChainEthereum, err, "查询交易失败")
	}

	if transfer == nil {
		return ledger.TxUnknown, nil
	}
	inner, ok := transfer.Native.(*coretypes.DynamicFeeTx)
	if !ok {
		return ledger.TxUnknown, nil
	}
	mined, err := a.backend.NonceAt(ctx, common.HexToAddress(transfer.From), nil)
	if err != nil {
		return ledger.TxUnknown, ledger.NetworkError(ledger.ChainEthereum, err, "查询交易计数失败")
	}
	if mined > inner.Nonce {
		return ledger.TxExpired, nil
	}
	return ledger.TxUnknown, nil
}

func (a *Adapter) waitForReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, a.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := a.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			head, headErr := a.backend.BlockNumber(ctx)
			if headErr != nil {
				lastErr = headErr
				break
			}
			mined := receipt.BlockNumber.Uint64()
			if head >= mined && head-mined+1 >= a.confirmations {
				return receipt, nil
			}
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return receipt, nil
			}
		case errors.Is(err, gethcore.NotFound):
		default:
			lastErr = err
		}

		if a.commit != nil {
			a.commit()
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w (最近一次错误: %v)", ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Adapter) resolveChainID(ctx context.Context) (*big.Int, error) {
	a.chainMu.Lock()
	defer a.chainMu.Unlock()
	if a.chainID != nil {
		return a.chainID, nil
	}
	id, err := a.backend.ChainID(ctx)
	if err != nil {
		return nil, ledger.NetworkError(ledger.ChainEthereum, err, "获取链 ID 失败")
	}
	a.chainID = id
	return id, nil
}

// feeCaps returns the priority tip and a fee cap of twice the current base
// fee plus the tip.
func (a *Adapter) feeCaps(ctx context.Context) (*big.Int, *big.Int, error) {
	head, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, ledger.NetworkError(ledger.ChainEthereum, err, "获取最新区块失败")
	}
	tip, err := a.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, ledger.NetworkError(ledger.ChainEthereum, err, "获取小费建议失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return tip, feeCap, nil
}

// classifySendError separates node-side rejections, which prove the
// transaction was not accepted, from transport failures where the request may
// have reached the node.
func (a *Adapter) classifySendError(txID string, err error) error {
	var rpcErr gethrpc.Error
	switch {
	case errors.As(err, &rpcErr),
		errors.Is(err, core.ErrInsufficientFunds),
		errors.Is(err, core.ErrNonceTooLow),
		errors.Is(err, core.ErrNonceTooHigh),
		errors.Is(err, core.ErrIntrinsicGas),
		errors.Is(err, core.ErrFeeCapTooLow),
		errors.Is(err, txpool.ErrUnderpriced):
		return ledger.Rejected(ledger.ChainEthereum, txID, false, err, "节点拒绝了交易")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ledger.SubmissionFailed(ledger.ChainEthereum, txID, false, err, "无法连接以太坊节点")
	}
	return ledger.SubmissionFailed(ledger.ChainEthereum, txID, true, err, "发送交易失败，交易可能已广播")
}

func (a *Adapter) knownTransaction(err error) bool {
	if errors.Is(err, txpool.ErrAlreadyKnown) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}

func effectiveGasPrice(receipt *coretypes.Receipt, tx *coretypes.Transaction) *big.Int {
	if receipt.EffectiveGasPrice != nil {
		return receipt.EffectiveGasPrice
	}
	return tx.GasFeeCap()
}

var _ ledger.Adapter = (*Adapter)(nil)
