package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/keyvault"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/alerting"
)

// Refund 记录撤销时单条链的退款结果。
type Refund struct {
	Chain  ledger.Chain    `json:"chain"`
	To     string          `json:"to,omitempty"`
	Amount decimal.Decimal `json:"amount"`
	Fee    decimal.Decimal `json:"fee"`
	TxID   string          `json:"tx_id,omitempty"`
	// Skipped 为 true 时余额不足以覆盖手续费，未发起退款。
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// RevokeResult 是 Revoke 的结果。第二次调用只返回 AlreadyRevoked。
type RevokeResult struct {
	AlreadyRevoked bool                    `json:"already_revoked"`
	Refunds        map[ledger.Chain]Refund `json:"refunds,omitempty"`
}

// Revoke 将每条链的剩余余额扣除实时手续费后退回用户主地址，然后擦除密钥、
// 清除存储并关闭 Guard。任一链退款出错时中止撤销，会话保持 Active，密钥保留以便资金可追回。
func (m *Manager) Revoke(ctx context.Context) (*RevokeResult, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	keys, guard, err := m.active()
	if err != nil {
		if xerrors.CodeOf(err) == CodeRevoked {
			return &RevokeResult{AlreadyRevoked: true}, nil
		}
		return nil, err
	}

	result := &RevokeResult{Refunds: make(map[ledger.Chain]Refund, len(m.adapters))}
	for _, chain := range m.Chains() {
		refund, err := m.refund(ctx, keys, chain)
		if err != nil {
			wrapped := xerrors.Wrap(CodeRefundFailed, err, fmt.Sprintf("链 %s 退款失败，会话保持可用", chain),
				xerrors.WithMetadata("chain", string(chain)))
			m.audit.Error("refund failed, revoke aborted",
				slog.String("chain", string(chain)),
				slog.String("tx_id", refund.TxID),
				slog.Any("error", err))
			m.notify(ctx, alerting.FromError(wrapped, m.id, string(chain), refund.TxID))
			return result, wrapped
		}
		result.Refunds[chain] = refund
	}

	if err := keyvault.Clear(ctx, m.store); err != nil {
		// 资金已全部退回，残留的密钥只控制空地址。
		m.log.Warn("clear persisted session secret failed", slog.Any("error", err))
	}

	m.mu.Lock()
	keyvault.Erase(keys)
	guard.Close()
	m.keys = nil
	m.state = StateRevoked
	m.pending = make(map[string]*PendingTransfer)
	m.mu.Unlock()

	m.balanceMu.Lock()
	m.latest = make(map[ledger.Chain]BalanceResult)
	m.balanceMu.Unlock()

	m.audit.Info("session revoked", slog.Int("refunds", len(result.Refunds)))
	return result, nil
}

func (m *Manager) refund(ctx context.Context, keys *keyvault.SessionKeys, chain ledger.Chain) (Refund, error) {
	refund := Refund{Chain: chain}
	adapter := m.adapters[chain]

	key, err := keys.Key(chain)
	if err != nil {
		return refund, err
	}
	balance, err := adapter.GetBalance(ctx, key.Address())
	if err != nil {
		return refund, err
	}
	fee, err := adapter.EstimateFee(ctx, key.Address())
	if err != nil {
		return refund, err
	}
	refund.Fee = fee

	if !balance.Amount.GreaterThan(fee) {
		return m.skipRefund(refund, balance.Amount, fee), nil
	}

	to, err := m.funder.Address(chain)
	if err != nil {
		return refund, err
	}
	refund.To = to

	// 退款金额由适配器按写入交易的同一份手续费扣除。
	unsigned, err := adapter.BuildTransfer(ctx, ledger.TransferSpec{
		From:   key.Address(),
		To:     to,
		Amount: balance.Amount,
		Sweep:  true,
	})
	if ledger.IsCode(err, ledger.CodeFeeExceedsBalance) {
		return m.skipRefund(refund, balance.Amount, fee), nil
	}
	if err != nil {
		return refund, err
	}
	refund.Amount = unsigned.Amount
	refund.Fee = unsigned.MaxFee

	signed, err := adapter.Sign(unsigned, key)
	if err != nil {
		return refund, err
	}
	refund.TxID = signed.TxID
	receipt, err := adapter.Submit(ctx, signed)
	if err != nil {
		return refund, err
	}
	refund.Fee = receipt.Fee

	m.audit.Info("refund confirmed",
		slog.String("chain", string(chain)),
		slog.String("to", to),
		slog.String("amount", refund.Amount.String()),
		slog.String("fee", receipt.Fee.String()),
		slog.String("tx_id", receipt.TxID))
	return refund, nil
}

func (m *Manager) skipRefund(refund Refund, balance, fee decimal.Decimal) Refund {
	refund.Skipped = true
	refund.Amount = decimal.Zero
	refund.Reason = fmt.Sprintf("余额 %s 不足以覆盖手续费 %s", balance, fee)
	m.audit.Info("refund skipped",
		slog.String("chain", string(refund.Chain)),
		slog.String("balance", balance.String()),
		slog.String("fee_buffer", fee.String()))
	return refund
}
