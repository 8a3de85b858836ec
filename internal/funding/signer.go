package funding

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/keyvault"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/pkg/logger"
)

// CodeFundingUnavailable 表示资金签名器没有配置对应链的主密钥。
const CodeFundingUnavailable xerrors.Code = "FUNDING_UNAVAILABLE"

func init() {
	xerrors.Register(CodeFundingUnavailable, xerrors.Attributes{
		Message:  "funding signer unavailable",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryConfig,
	})
}

// Request 描述一次从用户主地址到会话地址的注资。
type Request struct {
	Chain  ledger.Chain
	To     string
	Amount decimal.Decimal
}

// Confirmation 是注资完成后的链上确认。
type Confirmation struct {
	Chain       ledger.Chain    `json:"chain"`
	TxID        string          `json:"tx_id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

// Signer 代表用户的主钱包。会话只调用它并等待结果，不持有其私钥。
type Signer interface {
	// Address 返回用户在指定链上的主地址，也是退款的目标地址。
	Address(chain ledger.Chain) (string, error)
	// RequestTransfer 从主地址向会话地址转账并等待确认。
	RequestTransfer(ctx context.Context, req Request) (*Confirmation, error)
}

// AdapterSource 按链返回账本适配器，provider.Registry 满足该接口。
type AdapterSource interface {
	Adapter(chain ledger.Chain) (ledger.Adapter, bool)
}

// KeyedSigner 在开发与测试环境中直接持有用户主密钥并通过账本适配器付款。
type KeyedSigner struct {
	mu       sync.Mutex
	adapters AdapterSource
	keys     map[ledger.Chain]ledger.SigningKey
	log      *slog.Logger
}

// Option 自定义 KeyedSigner。
type Option func(*KeyedSigner)

// WithLogger 替换默认日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(s *KeyedSigner) {
		if log != nil {
			s.log = log
		}
	}
}

// NewKeyedSigner 使用已经还原的主密钥构建签名器。
func NewKeyedSigner(adapters AdapterSource, keys map[ledger.Chain]ledger.SigningKey, opts ...Option) *KeyedSigner {
	s := &KeyedSigner{
		adapters: adapters,
		keys:     make(map[ledger.Chain]ledger.SigningKey, len(keys)),
		log:      logger.Named("funding"),
	}
	for chain, key := range keys {
		if key != nil {
			s.keys[chain] = key
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// FromEnv 从环境变量读取每条链的主密钥。未设置的链不可用于注资，但不会导致构建失败。
func FromEnv(adapters AdapterSource, envNames map[string]string, opts ...Option) (*KeyedSigner, error) {
	keys := make(map[ledger.Chain]ledger.SigningKey)
	for name, envName := range envNames {
		chain, ok := ledger.ParseChain(name)
		if !ok {
			return nil, xerrors.New(xerrors.CodeConfig, fmt.Sprintf("资金签名器配置了未知链 %s", name))
		}
		secret := strings.TrimSpace(os.Getenv(envName))
		if secret == "" {
			continue
		}
		key, err := keyvault.RestoreKey(chain, secret)
		if err != nil {
			for _, k := range keys {
				keyvault.EraseKey(k)
			}
			return nil, xerrors.Wrap(xerrors.CodeConfig, err, fmt.Sprintf("环境变量 %s 中的主密钥无效", envName))
		}
		keys[chain] = key
	}
	return NewKeyedSigner(adapters, keys, opts...), nil
}

// Address 实现 Signer。
func (s *KeyedSigner) Address(chain ledger.Chain) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[chain]
	if !ok {
		return "", xerrors.New(CodeFundingUnavailable, fmt.Sprintf("链 %s 未配置主密钥", chain))
	}
	return key.Address(), nil
}

// RequestTransfer 实现 Signer。同一签名器上的注资按顺序执行以避免 nonce 冲突。
func (s *KeyedSigner) RequestTransfer(ctx context.Context, req Request) (*Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[req.Chain]
	if !ok {
		return nil, xerrors.New(CodeFundingUnavailable, fmt.Sprintf("链 %s 未配置主密钥", req.Chain))
	}
	adapter, ok := s.adapters.Adapter(req.Chain)
	if !ok {
		return nil, xerrors.New(ledger.CodeUnsupportedChain, fmt.Sprintf("链 %s 没有可用的适配器", req.Chain))
	}

	unsigned, err := adapter.BuildTransfer(ctx, ledger.TransferSpec{
		From:   key.Address(),
		To:     req.To,
		Amount: req.Amount,
	})
	if err != nil {
		return nil, err
	}
	signed, err := adapter.Sign(unsigned, key)
	if err != nil {
		return nil, err
	}
	receipt, err := adapter.Submit(ctx, signed)
	if err != nil {
		s.log.Warn("funding transfer failed",
			slog.String("chain", string(req.Chain)),
			slog.String("tx_id", signed.TxID),
			slog.Any("error", err))
		return nil, err
	}

	logger.Audit().Info("session funded",
		slog.String("chain", string(req.Chain)),
		slog.String("from", receipt.From),
		slog.String("to", receipt.To),
		slog.String("amount", receipt.Amount.String()),
		slog.String("tx_id", receipt.TxID))

	return &Confirmation{
		Chain:       req.Chain,
		TxID:        receipt.TxID,
		From:        receipt.From,
		To:          receipt.To,
		Amount:      receipt.Amount,
		Fee:         receipt.Fee,
		ConfirmedAt: receipt.ConfirmedAt,
	}, nil
}

// Close 擦除持有的主密钥。
func (s *KeyedSigner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for chain, key := range s.keys {
		keyvault.EraseKey(key)
		delete(s.keys, chain)
	}
}
