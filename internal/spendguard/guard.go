package spendguard

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/pkg/logger"
)

const (
	CodeRecipientNotAllowed         xerrors.Code = "RECIPIENT_NOT_ALLOWED"
	CodePerTransactionLimitExceeded xerrors.Code = "PER_TRANSACTION_LIMIT_EXCEEDED"
	CodeSessionLimitExceeded        xerrors.Code = "SESSION_LIMIT_EXCEEDED"
	CodeChainNotConfigured          xerrors.Code = "CHAIN_NOT_CONFIGURED"
	CodeSessionClosed               xerrors.Code = "SESSION_CLOSED"
)

func init() {
	for code, message := range map[xerrors.Code]string{
		CodeRecipientNotAllowed:         "recipient not in allow-list",
		CodePerTransactionLimitExceeded: "per-transaction limit exceeded",
		CodeSessionLimitExceeded:        "session limit exceeded",
		CodeChainNotConfigured:          "chain has no spend limits",
		CodeSessionClosed:               "spend guard closed",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:  message,
			Severity: xerrors.SeverityInfo,
			Category: xerrors.CategorySecurity,
		})
	}
}

// Approval 是一次成功授权，金额已在授权时预留。
type Approval struct {
	ID        string
	Chain     ledger.Chain
	Recipient string
	Amount    decimal.Decimal
	IssuedAt  time.Time
}

// Usage 是单条链的只读消费快照。
type Usage struct {
	Limit          decimal.Decimal `json:"limit"`
	PerTransaction decimal.Decimal `json:"per_transaction"`
	Spent          decimal.Decimal `json:"spent"`
	Remaining      decimal.Decimal `json:"remaining"`
}

type approvalState int

const (
	approvalOpen approvalState = iota
	approvalSettled
	approvalRolledBack
)

// Guard 在转账提交前执行白名单与限额校验。授权与预留在同一把锁内完成，
// 并发授权的总和不会超过上限。
type Guard struct {
	mu        sync.Mutex
	cfg       Config
	allow     map[ledger.Chain]map[string]struct{}
	spent     map[ledger.Chain]decimal.Decimal
	approvals map[string]approvalState
	closed    bool

	log *slog.Logger
	now func() time.Time
}

// Option 定义 Guard 的可选配置。
type Option func(*Guard)

// WithLogger 替换审计日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(g *Guard) {
		if log != nil {
			g.log = log
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// New 校验配置并创建处于 Active 状态的 Guard。
func New(cfg Config, opts ...Option) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.clone()
	g := &Guard{
		cfg:       cfg,
		allow:     make(map[ledger.Chain]map[string]struct{}, len(cfg)),
		spent:     make(map[ledger.Chain]decimal.Decimal, len(cfg)),
		approvals: make(map[string]approvalState),
		log:       logger.Audit(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	for chain, limits := range cfg {
		g.spent[chain] = decimal.Zero
		if len(limits.AllowList) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(limits.AllowList))
		for _, addr := range limits.AllowList {
			set[addr] = struct{}{}
		}
		g.allow[chain] = set
	}
	return g, nil
}

// Authorize 依次检查白名单、单笔上限与累计上限，通过后立即预留金额。
func (g *Guard) Authorize(req ledger.TransferRequest) (*Approval, error) {
	if !req.Amount.IsPositive() {
		return nil, ledger.InvalidAmount(req.Amount, "金额必须大于 0")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, g.reject(req, xerrors.New(CodeSessionClosed, "会话已撤销，拒绝新的转账"))
	}
	limits, ok := g.cfg[req.Chain]
	if !ok {
		return nil, g.reject(req, xerrors.New(CodeChainNotConfigured,
			fmt.Sprintf("链 %s 未配置消费限额", req.Chain)))
	}
	if set, ok := g.allow[req.Chain]; ok {
		if _, allowed := set[req.Recipient]; !allowed {
			return nil, g.reject(req, xerrors.New(CodeRecipientNotAllowed,
				fmt.Sprintf("收款地址 %s 不在白名单中", req.Recipient)))
		}
	}
	if req.Amount.GreaterThan(limits.MaxPerTransaction) {
		return nil, g.reject(req, xerrors.New(CodePerTransactionLimitExceeded,
			fmt.Sprintf("单笔金额 %s %s 超过上限 %s", req.Amount, req.Chain.Symbol(), limits.MaxPerTransaction)))
	}
	spent := g.spent[req.Chain]
	if spent.Add(req.Amount).GreaterThan(limits.MaxTotal) {
		return nil, g.reject(req, xerrors.New(CodeSessionLimitExceeded,
			fmt.Sprintf("累计金额将超过会话上限 %s %s，剩余额度 %s",
				limits.MaxTotal, req.Chain.Symbol(), limits.MaxTotal.Sub(spent))))
	}

	g.spent[req.Chain] = spent.Add(req.Amount)
	approval := &Approval{
		ID:        uuid.NewString(),
		Chain:     req.Chain,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		IssuedAt:  g.now(),
	}
	g.approvals[approval.ID] = approvalOpen
	g.log.Info("spend authorized",
		slog.String("approval_id", approval.ID),
		slog.String("chain", string(req.Chain)),
		slog.String("recipient", req.Recipient),
		slog.String("amount", req.Amount.String()),
		slog.String("spent", g.spent[req.Chain].String()),
		slog.String("limit", limits.MaxTotal.String()),
	)
	return approval, nil
}

// RecordFailure 回滚一次已证明未发生资金移动的授权。每个 Approval 至多回滚一次，
// 返回是否实际回滚。
func (g *Guard) RecordFailure(approval *Approval) bool {
	if approval == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.approvals[approval.ID]
	if !ok || state != approvalOpen {
		return false
	}
	g.approvals[approval.ID] = approvalRolledBack
	spent := g.spent[approval.Chain].Sub(approval.Amount)
	if spent.IsNegative() {
		spent = decimal.Zero
	}
	g.spent[approval.Chain] = spent
	g.log.Info("spend reservation rolled back",
		slog.String("approval_id", approval.ID),
		slog.String("chain", string(approval.Chain)),
		slog.String("amount", approval.Amount.String()),
		slog.String("spent", spent.String()),
	)
	return true
}

// Settle 将授权标记为已落地或结果不明，此后不可再回滚。
func (g *Guard) Settle(approval *Approval) {
	if approval == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if state, ok := g.approvals[approval.ID]; ok && state == approvalOpen {
		g.approvals[approval.ID] = approvalSettled
	}
}

// Usage 返回每条链的消费快照。
func (g *Guard) Usage() map[ledger.Chain]Usage {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[ledger.Chain]Usage, len(g.cfg))
	for chain, limits := range g.cfg {
		spent := g.spent[chain]
		remaining := limits.MaxTotal.Sub(spent)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		out[chain] = Usage{
			Limit:          limits.MaxTotal,
			PerTransaction: limits.MaxPerTransaction,
			Spent:          spent,
			Remaining:      remaining,
		}
	}
	return out
}

// Limits 返回指定链限额的副本。
func (g *Guard) Limits(chain ledger.Chain) (Limits, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	limits, ok := g.cfg[chain]
	if ok && limits.AllowList != nil {
		limits.AllowList = append([]string(nil), limits.AllowList...)
	}
	return limits, ok
}

// Close 使 Guard 进入 Closed 状态，之后所有授权都会被拒绝。
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.log.Info("spend guard closed")
}

// Closed 判断 Guard 是否已关闭。
func (g *Guard) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Guard) reject(req ledger.TransferRequest, err *xerrors.Error) error {
	g.log.Warn("spend rejected",
		slog.String("code", string(err.Code())),
		slog.String("chain", string(req.Chain)),
		slog.String("recipient", req.Recipient),
		slog.String("amount", req.Amount.String()),
	)
	return err
}
