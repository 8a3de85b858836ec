package solana

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/keyvault"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/pkg/logger"
)

// RPC is the subset of the solana-go rpc client used by the adapter.
type RPC interface {
	GetBalance(ctx context.Context, account sol.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetFeeForMessage(ctx context.Context, message string, commitment rpc.CommitmentType) (*rpc.GetFeeForMessageResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	SendTransactionWithOpts(ctx context.Context, transaction *sol.Transaction, opts rpc.TransactionOpts) (sol.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...sol.Signature) (*rpc.GetSignatureStatusesResult, error)
	Close() error
}

// Config describes how to construct a Solana adapter.
type Config struct {
	Name   string
	RPCURL string
	// Commitment is "finalized" (default) or "confirmed".
	Commitment     string
	PollInterval   time.Duration
	RPCTimeout     time.Duration
	ConfirmTimeout time.Duration
}

// Adapter implements ledger.Adapter on top of the Solana JSON-RPC API using
// system program transfers.
type Adapter struct {
	name           string
	client         RPC
	commitment     rpc.CommitmentType
	pollInterval   time.Duration
	rpcTimeout     time.Duration
	confirmTimeout time.Duration
	log            *slog.Logger
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithLogger overrides the component logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// Dial creates an adapter talking to the configured RPC endpoint.
func Dial(cfg Config, opts ...Option) (*Adapter, error) {
	endpoint := strings.TrimSpace(cfg.RPCURL)
	if endpoint == "" {
		return nil, errors.New("未配置 Solana RPC 地址")
	}
	return New(rpc.New(endpoint), cfg, opts...)
}

// New builds an adapter over an existing RPC client.
func New(client RPC, cfg Config, opts ...Option) (*Adapter, error) {
	commitment, err := parseCommitment(cfg.Commitment)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		name:           cfg.Name,
		client:         client,
		commitment:     commitment,
		pollInterval:   cfg.PollInterval,
		rpcTimeout:     cfg.RPCTimeout,
		confirmTimeout: cfg.ConfirmTimeout,
		log:            logger.Named("ledger.solana"),
	}
	if a.pollInterval <= 0 {
		a.pollInterval = time.Second
	}
	if a.rpcTimeout <= 0 {
		a.rpcTimeout = 10 * time.Second
	}
	if a.confirmTimeout <= 0 {
		a.confirmTimeout = 90 * time.Second
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

func parseCommitment(raw string) (rpc.CommitmentType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "finalized":
		return rpc.CommitmentFinalized, nil
	case "confirmed":
		return rpc.CommitmentConfirmed, nil
	default:
		return "", fmt.Errorf("不支持的 Solana commitment: %s", raw)
	}
}

// Chain implements ledger.Adapter.
func (a *Adapter) Chain() ledger.Chain { return ledger.ChainSolana }

// Decimals implements ledger.Adapter.
func (a *Adapter) Decimals() int32 { return ledger.SolanaDecimals }

// Close releases the RPC client.
func (a *Adapter) Close() {
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			a.log.Debug("close solana rpc client", slog.String("error", err.Error()))
		}
	}
}

// ValidateAddress accepts canonical base58 encoded 32 byte public keys.
func (a *Adapter) ValidateAddress(address string) error {
	_, err := parsePublicKey(address)
	return err
}

// GetBalance implements ledger.Adapter.
func (a *Adapter) GetBalance(ctx context.Context, address string) (ledger.Balance, error) {
	pub, err := parsePublicKey(address)
	if err != nil {
		return ledger.Balance{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()

	res, err := a.client.GetBalance(ctx, pub, a.commitment)
	if err != nil {
		return ledger.Balance{}, ledger.NetworkError(ledger.ChainSolana, err, "查询 Solana 余额失败")
	}
	return ledger.Balance{
		Chain:   ledger.ChainSolana,
		Address: address,
		Amount:  ledger.FromAtomicUint64(res.Value, ledger.SolanaDecimals),
		ReadAt:  time.Now().UTC(),
	}, nil
}

// EstimateFee prices a one-lamport self transfer against the latest
// blockhash.
func (a *Adapter) EstimateFee(ctx context.Context, from string) (decimal.Decimal, error) {
	pub, err := parsePublicKey(from)
	if err != nil {
		return decimal.Zero, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()

	blockhash, err := a.latestBlockhash(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	tx, err := sol.NewTransaction(
		[]sol.Instruction{system.NewTransferInstruction(1, pub, pub).Build()},
		blockhash.Blockhash,
		sol.TransactionPayer(pub),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("构建费用估算交易失败: %w", err)
	}
	lamports, err := a.feeForMessage(ctx, tx)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.FromAtomicUint64(lamports, ledger.SolanaDecimals), nil
}

// BuildTransfer constructs a system transfer, or adopts a prebuilt swap
// transaction when spec.Payload is set. Either way the latest blockhash is
// stamped so the transfer expiry is known.
func (a *Adapter) BuildTransfer(ctx context.Context, spec ledger.TransferSpec) (*ledger.UnsignedTransfer, error) {
	from, err := parsePublicKey(spec.From)
	if err != nil {
		return nil, err
	}
	to, err := parsePublicKey(spec.To)
	if err != nil {
		return nil, err
	}
	atomic, err := ledger.ToAtomic(spec.Amount, ledger.SolanaDecimals)
	if err != nil {
		return nil, err
	}
	if !atomic.IsUint64() {
		return nil, ledger.InvalidAmount(spec.Amount, "金额超过 Solana 可表示范围")
	}
	if spec.Sweep && len(spec.Payload) > 0 {
		return nil, ledger.InvalidAmount(spec.Amount, "全额转出不支持预构建交易")
	}

	ctx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()

	blockhash, err := a.latestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	var tx *sol.Transaction
	if len(spec.Payload) > 0 {
		tx, err = decodePrebuilt(spec.Payload, from, atomic.Uint64())
		if err != nil {
			return nil, err
		}
		tx.Message.RecentBlockhash = blockhash.Blockhash
	} else {
		tx, err = systemTransfer(atomic.Uint64(), from, to, blockhash.Blockhash)
		if err != nil {
			return nil, err
		}
	}

	fee, err := a.feeForMessage(ctx, tx)
	if err != nil {
		return nil, err
	}
	amount := spec.Amount
	if spec.Sweep {
		// 转账金额不影响消息手续费，按同一区块哈希重建即可。
		if atomic.Uint64() <= fee {
			return nil, ledger.FeeExceedsBalance(ledger.ChainSolana, spec.Amount, ledger.FromAtomicUint64(fee, ledger.SolanaDecimals))
		}
		atomic = new(big.Int).SetUint64(atomic.Uint64() - fee)
		amount = ledger.FromAtomic(atomic, ledger.SolanaDecimals)
		tx, err = systemTransfer(atomic.Uint64(), from, to, blockhash.Blockhash)
		if err != nil {
			return nil, err
		}
	}
	return &ledger.UnsignedTransfer{
		Chain:      ledger.ChainSolana,
		From:       from.String(),
		To:         to.String(),
		Amount:     amount,
		Atomic:     atomic,
		MaxFee:     ledger.FromAtomicUint64(fee, ledger.SolanaDecimals),
		ValidUntil: blockhash.LastValidBlockHeight,
		Native:     tx,
	}, nil
}

func systemTransfer(lamports uint64, from, to sol.PublicKey, blockhash sol.Hash) (*sol.Transaction, error) {
	tx, err := sol.NewTransaction(
		[]sol.Instruction{system.NewTransferInstruction(lamports, from, to).Build()},
		blockhash,
		sol.TransactionPayer(from),
	)
	if err != nil {
		return nil, fmt.Errorf("构建 Solana 转账失败: %w", err)
	}
	return tx, nil
}

// Sign signs the transaction with the session's Solana key. Transactions that
// need any other signer are refused.
func (a *Adapter) Sign(transfer *ledger.UnsignedTransfer, key ledger.SigningKey) (*ledger.SignedTransfer, error) {
	tx, ok := transfer.Native.(*sol.Transaction)
	if !ok || transfer.Chain != ledger.ChainSolana {
		return nil, errors.New("交易不是由 Solana 适配器构建的")
	}
	solKey, ok := key.(*keyvault.SolanaKey)
	if !ok || len(solKey.PrivateKey()) == 0 {
		return nil, errors.New("签名密钥不是有效的 Solana 会话密钥")
	}
	if solKey.Address() != transfer.From {
		return nil, fmt.Errorf("签名密钥地址 %s 与发送方 %s 不一致", solKey.Address(), transfer.From)
	}

	priv := solKey.PrivateKey()
	pub := solKey.PublicKey()
	if _, err := tx.Sign(func(signer sol.PublicKey) *sol.PrivateKey {
		if signer.Equals(pub) {
			return &priv
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	if len(tx.Signatures) == 0 {
		return nil, errors.New("签名后交易缺少签名")
	}
	return &ledger.SignedTransfer{Unsigned: transfer, TxID: tx.Signatures[0].String(), Native: tx}, nil
}

// Submit sends the transaction with preflight simulation and polls the
// signature until it reaches the configured commitment or the blockhash
// expires.
func (a *Adapter) Submit(ctx context.Context, signed *ledger.SignedTransfer) (*ledger.TransferReceipt, error) {
	tx, ok := signed.Native.(*sol.Transaction)
	if !ok {
		return nil, errors.New("交易不是由 Solana 适配器签名的")
	}
	txID := signed.TxID

	sendCtx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	sig, err := a.client.SendTransactionWithOpts(sendCtx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: a.commitment,
	})
	cancel()
	if err != nil {
		return nil, a.classifySendError(txID, err)
	}
	a.log.Info("transaction broadcast", slog.String("tx_id", sig.String()))

	slot, err := a.waitForCommitment(ctx, sig, signed.Unsigned.ValidUntil)
	if err != nil {
		return nil, err
	}

	transfer := signed.Unsigned
	return &ledger.TransferReceipt{
		Chain:       ledger.ChainSolana,
		TxID:        sig.String(),
		From:        transfer.From,
		To:          transfer.To,
		Amount:      transfer.Amount,
		Fee:         transfer.MaxFee,
		BlockNumber: slot,
		ConfirmedAt: time.Now().UTC(),
	}, nil
}

// Status reconciles a previously submitted signature.
func (a *Adapter) Status(ctx context.Context, txID string, transfer *ledger.UnsignedTransfer) (ledger.TxStatus, error) {
	sig, err := sol.SignatureFromBase58(txID)
	if err != nil {
		return ledger.TxUnknown, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无效的 Solana 交易签名: "+txID)
	}
	ctx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()

	res, err := a.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return ledger.TxUnknown, ledger.NetworkError(ledger.ChainSolana, err, "查询交易状态失败")
	}
	if status := firstStatus(res); status != nil {
		switch {
		case status.Err != nil:
			return ledger.TxFailed, nil
		case a.reached(status.ConfirmationStatus):
			return ledger.TxConfirmed, nil
		default:
			return ledger.TxPending, nil
		}
	}

	if transfer == nil || transfer.ValidUntil == 0 {
		return ledger.TxUnknown, nil
	}
	height, err := a.client.GetBlockHeight(ctx, a.commitment)
	if err != nil {
		return ledger.TxUnknown, ledger.NetworkError(ledger.ChainSolana, err, "查询区块高度失败")
	}
	if height > transfer.ValidUntil {
		return ledger.TxExpired, nil
	}
	return ledger.TxPending, nil
}

func (a *Adapter) waitForCommitment(ctx context.Context, sig sol.Signature, validUntil uint64) (uint64, error) {
	txID := sig.String()
	ctx, cancel := context.WithTimeout(ctx, a.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		res, err := a.client.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			lastErr = err
		} else if status := firstStatus(res); status != nil {
			if status.Err != nil {
				return 0, ledger.Rejected(ledger.ChainSolana, txID, true,
					fmt.Errorf("%v", status.Err), "交易已上链但执行失败")
			}
			if a.reached(status.ConfirmationStatus) {
				return status.Slot, nil
			}
		} else if validUntil > 0 {
			height, heightErr := a.client.GetBlockHeight(ctx, a.commitment)
			if heightErr != nil {
				lastErr = heightErr
			} else if height > validUntil {
				return 0, ledger.SubmissionFailed(ledger.ChainSolana, txID, false,
					fmt.Errorf("区块高度 %d 已超过有效高度 %d", height, validUntil), "交易已过期且未上链")
			}
		}

		select {
		case <-ctx.Done():
			cause := ctx.Err()
			if lastErr != nil {
				cause = fmt.Errorf("%w (最近一次错误: %v)", cause, lastErr)
			}
			return 0, ledger.SubmissionFailed(ledger.ChainSolana, txID, true, cause, "等待交易确认超时或失败")
		case <-ticker.C:
		}
	}
}

func (a *Adapter) reached(status rpc.ConfirmationStatusType) bool {
	switch status {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return a.commitment == rpc.CommitmentConfirmed
	default:
		return false
	}
}

func (a *Adapter) latestBlockhash(ctx context.Context) (*rpc.LatestBlockhashResult, error) {
	res, err := a.client.GetLatestBlockhash(ctx, a.commitment)
	if err != nil {
		return nil, ledger.NetworkError(ledger.ChainSolana, err, "获取最新 blockhash 失败")
	}
	if res == nil || res.Value == nil {
		return nil, ledger.NetworkError(ledger.ChainSolana, errors.New("empty result"), "获取最新 blockhash 失败")
	}
	return res.Value, nil
}

func (a *Adapter) feeForMessage(ctx context.Context, tx *sol.Transaction) (uint64, error) {
	raw, err := tx.Message.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("序列化交易消息失败: %w", err)
	}
	res, err := a.client.GetFeeForMessage(ctx, base64.StdEncoding.EncodeToString(raw), a.commitment)
	if err != nil {
		return 0, ledger.NetworkError(ledger.ChainSolana, err, "查询交易费用失败")
	}
	if res == nil || res.Value == nil {
		return 0, ledger.NetworkError(ledger.ChainSolana, errors.New("blockhash not found"), "查询交易费用失败")
	}
	return *res.Value, nil
}

// classifySendError treats JSON-RPC errors as preflight rejections, which the
// node returns before forwarding the transaction.
func (a *Adapter) classifySendError(txID string, err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return ledger.Rejected(ledger.ChainSolana, txID, false, err, "节点预检拒绝了交易")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ledger.SubmissionFailed(ledger.ChainSolana, txID, false, err, "无法连接 Solana 节点")
	}
	return ledger.SubmissionFailed(ledger.ChainSolana, txID, true, err, "发送交易失败，交易可能已广播")
}

func parsePublicKey(address string) (sol.PublicKey, error) {
	pub, err := sol.PublicKeyFromBase58(address)
	if err != nil {
		return sol.PublicKey{}, ledger.InvalidAddress(ledger.ChainSolana, address, err)
	}
	if pub.String() != address {
		return sol.PublicKey{}, ledger.InvalidAddress(ledger.ChainSolana, address, errors.New("非规范编码"))
	}
	return pub, nil
}

// decodePrebuilt decodes a serialized transaction returned by a swap quoter
// and checks that the session key pays for it. The top-level system transfers
// it funds from the session may not exceed the authorized lamports.
func decodePrebuilt(payload []byte, payer sol.PublicKey, authorized uint64) (*sol.Transaction, error) {
	tx, err := sol.TransactionFromDecoder(bin.NewBinDecoder(payload))
	if err != nil {
		return nil, ledger.Rejected(ledger.ChainSolana, "", false, err, "无法解析预构建的 Solana 交易")
	}
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(payer) {
		return nil, ledger.Rejected(ledger.ChainSolana, "", false, nil, "预构建交易的付费账户不是会话地址")
	}
	if int(tx.Message.Header.NumRequiredSignatures) != 1 {
		return nil, ledger.Rejected(ledger.ChainSolana, "", false, nil, "预构建交易需要额外的签名者")
	}
	moved, err := directLamports(tx, payer)
	if err != nil {
		return nil, ledger.Rejected(ledger.ChainSolana, "", false, err, "无法解析预构建交易中的系统指令")
	}
	if moved > authorized {
		return nil, ledger.Rejected(ledger.ChainSolana, "", false, nil,
			fmt.Sprintf("预构建交易直接转出 %d lamports，超过授权的 %d", moved, authorized))
	}
	tx.Signatures = nil
	return tx, nil
}

// directLamports sums the top-level system transfers funded by payer. Debits
// made through cross-program invocations are not visible here.
func directLamports(tx *sol.Transaction, payer sol.PublicKey) (uint64, error) {
	var total uint64
	for _, inst := range tx.Message.Instructions {
		programID, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil {
			return 0, err
		}
		if !programID.Equals(sol.SystemProgramID) {
			continue
		}
		accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			return 0, err
		}
		decoded, err := system.DecodeInstruction(accounts, inst.Data)
		if err != nil {
			return 0, err
		}
		transfer, ok := decoded.Impl.(*system.Transfer)
		if !ok || transfer.Lamports == nil || !transfer.GetFundingAccount().PublicKey.Equals(payer) {
			continue
		}
		if total+*transfer.Lamports < total {
			return 0, errors.New("lamports overflow")
		}
		total += *transfer.Lamports
	}
	return total, nil
}

func firstStatus(res *rpc.GetSignatureStatusesResult) *rpc.SignatureStatusesResult {
	if res == nil || len(res.Value) == 0 {
		return nil
	}
	return res.Value[0]
}

var _ ledger.Adapter = (*Adapter)(nil)
