package session

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
)

// BalanceResult 是单条链的余额读取结果。读取失败时 Balance 为空，表示未知而不是零。
type BalanceResult struct {
	Balance *ledger.Balance `json:"balance,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    xerrors.Code    `json:"code,omitempty"`
}

// Known 判断余额是否读取成功。
func (r BalanceResult) Known() bool { return r.Balance != nil }

// Balances 并发读取所有链的余额。某条链失败不会影响其他链的结果。
func (m *Manager) Balances(ctx context.Context) (map[ledger.Chain]BalanceResult, error) {
	keys, _, err := m.active()
	if err != nil {
		return nil, err
	}

	chains := m.Chains()
	results := make([]BalanceResult, len(chains))
	var g errgroup.Group
	for i, chain := range chains {
		adapter := m.adapters[chain]
		address, err := keys.Address(chain)
		if err != nil {
			results[i] = BalanceResult{Error: err.Error(), Code: xerrors.CodeOf(err)}
			continue
		}
		g.Go(func() error {
			balance, err := adapter.GetBalance(ctx, address)
			if err != nil {
				results[i] = BalanceResult{Error: err.Error(), Code: xerrors.CodeOf(err)}
				m.log.Warn("balance read failed", slog.String("chain", string(chain)), slog.Any("error", err))
				return nil
			}
			results[i] = BalanceResult{Balance: &balance}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[ledger.Chain]BalanceResult, len(chains))
	for i, chain := range chains {
		out[chain] = results[i]
	}
	m.remember(out)
	return out, nil
}

func (m *Manager) remember(results map[ledger.Chain]BalanceResult) {
	m.balanceMu.Lock()
	defer m.balanceMu.Unlock()
	for chain, result := range results {
		// 读取失败时保留上一次成功的快照。
		if !result.Known() {
			if prev, ok := m.latest[chain]; ok && prev.Known() {
				continue
			}
		}
		m.latest[chain] = result
	}
}

// LatestBalances 返回后台轮询缓存的最近一次余额快照，可能已过期。
func (m *Manager) LatestBalances() map[ledger.Chain]BalanceResult {
	m.balanceMu.RLock()
	defer m.balanceMu.RUnlock()
	out := make(map[ledger.Chain]BalanceResult, len(m.latest))
	for chain, result := range m.latest {
		out[chain] = result
	}
	return out
}

// WatchBalances 按固定间隔刷新余额缓存，直到 ctx 取消或会话撤销。
func (m *Manager) WatchBalances(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.Balances(ctx); err != nil {
			switch xerrors.CodeOf(err) {
			case CodeRevoked:
				return nil
			case CodeNotStarted:
			default:
				m.log.Warn("balance poll failed", slog.Any("error", err))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
