package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/funding"
	"AgentPay-Chain/internal/keyvault"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/spendguard"
	"AgentPay-Chain/pkg/logger"
)

const (
	// CodeNotStarted 表示会话尚未调用 Start。
	CodeNotStarted xerrors.Code = "SESSION_NOT_STARTED"
	// CodeRevoked 表示会话已撤销，不能再执行任何操作。
	CodeRevoked xerrors.Code = "SESSION_REVOKED"
	// CodePendingNotFound 表示没有需要核对的待定转账。
	CodePendingNotFound xerrors.Code = "PENDING_TRANSFER_NOT_FOUND"
	// CodeRefundFailed 表示撤销时的退款失败，会话保持 Active。
	CodeRefundFailed xerrors.Code = "REFUND_FAILED"
)

func init() {
	xerrors.Register(CodeNotStarted, xerrors.Attributes{
		Message:  "session not started",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
	xerrors.Register(CodeRevoked, xerrors.Attributes{
		Message:  "session revoked",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategorySecurity,
	})
	xerrors.Register(CodePendingNotFound, xerrors.Attributes{
		Message:  "pending transfer not found",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
	xerrors.Register(CodeRefundFailed, xerrors.Attributes{
		Message:  "session refund failed",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryNetwork,
		Alert:    true,
	})
}

// State 是会话状态机：Uninitialized -> Active -> Revoked。
type State string

const (
	StateUninitialized State = "uninitialized"
	StateActive        State = "active"
	StateRevoked       State = "revoked"
)

// Config 汇总会话依赖的协作者。
type Config struct {
	// Adapters 按链提供账本适配器，会话在这些链上持有密钥。
	Adapters map[ledger.Chain]ledger.Adapter
	Store    keyvault.SecretStore
	Funding  funding.Signer
	Limits   spendguard.Config
}

// PendingTransfer 是提交结果不明、等待核对的转账。其预留金额不会被释放。
type PendingTransfer struct {
	Chain       ledger.Chain    `json:"chain"`
	TxID        string          `json:"tx_id"`
	Recipient   string          `json:"recipient"`
	Amount      decimal.Decimal `json:"amount"`
	SubmittedAt time.Time       `json:"submitted_at"`

	approval *spendguard.Approval
	transfer *ledger.UnsignedTransfer
}

// Manager 编排一个代理会话的完整生命周期。
type Manager struct {
	id       string
	adapters map[ledger.Chain]ledger.Adapter
	store    keyvault.SecretStore
	funder   funding.Signer
	limits   spendguard.Config
	alerts   alerting.Dispatcher

	mu      sync.Mutex
	state   State
	keys    *keyvault.SessionKeys
	guard   *spendguard.Guard
	pending map[string]*PendingTransfer

	// opMu 串行化会改变链上状态的操作：转账、注资、核对与撤销。
	opMu sync.Mutex

	balanceMu sync.RWMutex
	latest    map[ledger.Chain]BalanceResult

	log   *slog.Logger
	audit *slog.Logger
	now   func() time.Time
}

// Option 自定义 Manager。
type Option func(*Manager)

// WithLogger 替换运行日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithAuditLogger 替换资金审计日志记录器。
func WithAuditLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.audit = log
		}
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(m *Manager) { m.alerts = d }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithID 指定会话标识，默认随机生成。
func WithID(id string) Option {
	return func(m *Manager) {
		if id != "" {
			m.id = id
		}
	}
}

// New 创建处于 Uninitialized 状态的会话。限额配置在此校验，非法配置直接返回 ConfigError。
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Adapters) == 0 {
		return nil, xerrors.New(xerrors.CodeConfig, "会话没有可用的账本适配器")
	}
	if cfg.Store == nil {
		return nil, xerrors.New(xerrors.CodeConfig, "会话缺少密钥存储")
	}
	if cfg.Funding == nil {
		return nil, xerrors.New(xerrors.CodeConfig, "会话缺少资金签名器")
	}

	adapters := make(map[ledger.Chain]ledger.Adapter, len(cfg.Adapters))
	for chain, adapter := range cfg.Adapters {
		if adapter == nil {
			continue
		}
		if adapter.Chain() != chain {
			return nil, xerrors.New(xerrors.CodeConfig, fmt.Sprintf("适配器 %s 被注册到了链 %s", adapter.Chain(), chain))
		}
		adapters[chain] = adapter
	}

	m := &Manager{
		id:       uuid.NewString(),
		adapters: adapters,
		store:    cfg.Store,
		funder:   cfg.Funding,
		limits:   cfg.Limits,
		state:    StateUninitialized,
		pending:  make(map[string]*PendingTransfer),
		latest:   make(map[ledger.Chain]BalanceResult),
		log:      logger.Named("session"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.audit == nil {
		m.audit = logger.Session(m.id)
	}
	return m, nil
}

// ID 返回会话标识。
func (m *Manager) ID() string { return m.id }

// State 返回当前状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Chains 返回会话覆盖的链，按名称排序。
func (m *Manager) Chains() []ledger.Chain {
	chains := make([]ledger.Chain, 0, len(m.adapters))
	for chain := range m.adapters {
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}

// Start 从存储还原密钥，存储中没有或密钥损坏时重新生成并持久化。
// 对已处于 Active 的会话重复调用返回现有地址。
func (m *Manager) Start(ctx context.Context) (map[ledger.Chain]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateActive:
		return m.keys.Addresses(), nil
	case StateRevoked:
		return nil, xerrors.New(CodeRevoked, "会话已撤销")
	}

	keys, err := m.loadOrGenerate(ctx)
	if err != nil {
		return nil, err
	}
	guard, err := spendguard.New(m.limits, spendguard.WithLogger(m.audit), spendguard.WithClock(m.now))
	if err != nil {
		keyvault.Erase(keys)
		return nil, err
	}

	m.keys = keys
	m.guard = guard
	m.state = StateActive

	addresses := keys.Addresses()
	attrs := []any{slog.String("session_id", m.id)}
	for _, chain := range m.Chains() {
		attrs = append(attrs, slog.String(string(chain), addresses[chain]))
	}
	m.audit.Info("session started", attrs...)
	return addresses, nil
}

func (m *Manager) loadOrGenerate(ctx context.Context) (*keyvault.SessionKeys, error) {
	secrets, found, err := keyvault.Load(ctx, m.store)
	if err != nil {
		return nil, err
	}
	if found {
		keys, err := keyvault.Restore(secrets)
		if err == nil {
			m.log.Info("session keys restored", slog.String("session_id", m.id))
			return keys, nil
		}
		if xerrors.CodeOf(err) != keyvault.CodeMalformedSecret {
			return nil, err
		}
		m.log.Warn("persisted session secret is malformed, regenerating",
			slog.String("session_id", m.id), slog.Any("error", err))
	}

	keys, err := keyvault.Generate()
	if err != nil {
		return nil, err
	}
	fresh, err := keys.Secrets()
	if err != nil {
		keyvault.Erase(keys)
		return nil, err
	}
	if err := keyvault.Save(ctx, m.store, fresh); err != nil {
		keyvault.Erase(keys)
		return nil, err
	}
	m.log.Info("session keys generated", slog.String("session_id", m.id))
	return keys, nil
}

// active 返回 Active 状态下的密钥与 Guard。
func (m *Manager) active() (*keyvault.SessionKeys, *spendguard.Guard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateActive:
		return m.keys, m.guard, nil
	case StateRevoked:
		return nil, nil, xerrors.New(CodeRevoked, "会话已撤销")
	default:
		return nil, nil, xerrors.New(CodeNotStarted, "会话尚未启动")
	}
}

func (m *Manager) adapter(chain ledger.Chain) (ledger.Adapter, error) {
	adapter, ok := m.adapters[chain]
	if !ok {
		return nil, xerrors.New(ledger.CodeUnsupportedChain, fmt.Sprintf("会话不支持链 %s", chain))
	}
	return adapter, nil
}

// Addresses 根据密钥即时计算每条链上的会话地址。
func (m *Manager) Addresses() (map[ledger.Chain]string, error) {
	keys, _, err := m.active()
	if err != nil {
		return nil, err
	}
	return keys.Addresses(), nil
}

// Usage 返回每条链的限额使用情况。
func (m *Manager) Usage() (map[ledger.Chain]spendguard.Usage, error) {
	_, guard, err := m.active()
	if err != nil {
		return nil, err
	}
	return guard.Usage(), nil
}

// Limits 返回会话的限额配置。
func (m *Manager) Limits(chain ledger.Chain) (spendguard.Limits, bool) {
	limits, ok := m.limits[chain]
	return limits, ok
}

// Fund 通过资金签名器从用户主地址向会话地址注资。注资是入账，不经过 SpendGuard。
func (m *Manager) Fund(ctx context.Context, chain ledger.Chain, amount decimal.Decimal) (*funding.Confirmation, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	keys, _, err := m.active()
	if err != nil {
		return nil, err
	}
	if _, err := m.adapter(chain); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, ledger.InvalidAmount(amount, "注资金额必须大于 0")
	}
	to, err := keys.Address(chain)
	if err != nil {
		return nil, err
	}

	conf, err := m.funder.RequestTransfer(ctx, funding.Request{Chain: chain, To: to, Amount: amount})
	if err != nil {
		m.log.Warn("funding failed", slog.String("chain", string(chain)), slog.Any("error", err))
		return nil, err
	}
	m.audit.Info("session funded",
		slog.String("chain", string(chain)),
		slog.String("to", to),
		slog.String("amount", amount.String()),
		slog.String("tx_id", conf.TxID))
	return conf, nil
}

// Transfer 是受保护的转账路径：校验、授权预留、构建、签名、提交并等待确认。
// 只有能证明资金未移动的失败才会释放预留；结果不明的提交记为待定，等待 Reconcile。
func (m *Manager) Transfer(ctx context.Context, req ledger.TransferRequest) (*ledger.TransferReceipt, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	keys, guard, err := m.active()
	if err != nil {
		return nil, err
	}
	adapter, err := m.adapter(req.Chain)
	if err != nil {
		return nil, err
	}
	if err := adapter.ValidateAddress(req.Recipient); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, ledger.InvalidAmount(req.Amount, "金额必须大于 0")
	}

	approval, err := guard.Authorize(req)
	if err != nil {
		metrics.ObserveGuardDecision(string(req.Chain), string(xerrors.CodeOf(err)))
		return nil, err
	}
	metrics.ObserveGuardDecision(string(req.Chain), "approved")
	defer m.publishSpent(guard, req.Chain)

	key, err := keys.Key(req.Chain)
	if err != nil {
		guard.RecordFailure(approval)
		return nil, err
	}

	unsigned, err := adapter.BuildTransfer(ctx, ledger.TransferSpec{
		From:    key.Address(),
		To:      req.Recipient,
		Amount:  req.Amount,
		Payload: req.Payload,
	})
	if err != nil {
		guard.RecordFailure(approval)
		metrics.ObserveSubmission(string(req.Chain), "build_failed")
		return nil, err
	}
	signed, err := adapter.Sign(unsigned, key)
	if err != nil {
		guard.RecordFailure(approval)
		metrics.ObserveSubmission(string(req.Chain), "sign_failed")
		return nil, err
	}

	receipt, err := adapter.Submit(ctx, signed)
	if err != nil {
		m.handleSubmitFailure(ctx, guard, approval, unsigned, signed.TxID, req, err)
		return nil, err
	}

	guard.Settle(approval)
	metrics.ObserveSubmission(string(req.Chain), "confirmed")
	m.audit.Info("transfer confirmed",
		slog.String("approval_id", approval.ID),
		slog.String("chain", string(req.Chain)),
		slog.String("to", receipt.To),
		slog.String("amount", receipt.Amount.String()),
		slog.String("fee", receipt.Fee.String()),
		slog.String("tx_id", receipt.TxID),
		slog.String("memo", req.Memo))
	return receipt, nil
}

func (m *Manager) handleSubmitFailure(ctx context.Context, guard *spendguard.Guard, approval *spendguard.Approval,
	unsigned *ledger.UnsignedTransfer, txID string, req ledger.TransferRequest, err error) {
	if !ledger.MayHaveMoved(err) {
		guard.RecordFailure(approval)
		metrics.ObserveSubmission(string(req.Chain), "rolled_back")
		m.audit.Warn("transfer failed before broadcast, reservation released",
			slog.String("approval_id", approval.ID),
			slog.String("chain", string(req.Chain)),
			slog.String("tx_id", txID),
			slog.Any("error", err))
		return
	}

	if id := ledger.TxIDOf(err); id != "" {
		txID = id
	}
	pending := &PendingTransfer{
		Chain:       req.Chain,
		TxID:        txID,
		Recipient:   req.Recipient,
		Amount:      req.Amount,
		SubmittedAt: m.now().UTC(),
		approval:    approval,
		transfer:    unsigned,
	}
	m.mu.Lock()
	m.pending[pendingKey(req.Chain, txID)] = pending
	m.mu.Unlock()

	metrics.ObserveSubmission(string(req.Chain), "ambiguous")
	m.audit.Warn("transfer outcome unknown, reservation kept",
		slog.String("approval_id", approval.ID),
		slog.String("chain", string(req.Chain)),
		slog.String("tx_id", txID),
		slog.String("amount", req.Amount.String()),
		slog.Any("error", err))

	event := alerting.FromError(err, m.id, string(req.Chain), txID)
	event.Metadata = map[string]string{"amount": req.Amount.String(), "recipient": req.Recipient}
	m.notify(ctx, event)
}

// Pending 返回等待核对的转账。
func (m *Manager) Pending() []PendingTransfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingTransfer, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, PendingTransfer{
			Chain:       p.Chain,
			TxID:        p.TxID,
			Recipient:   p.Recipient,
			Amount:      p.Amount,
			SubmittedAt: p.SubmittedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Reconcile 查询待定转账的链上状态。只有链上证明交易永远无法落地（过期）时才释放预留；
// 已确认或执行失败的交易保留预留并结束跟踪，仍在途或状态未知的继续保持待定。
func (m *Manager) Reconcile(ctx context.Context, chain ledger.Chain, txID string) (ledger.TxStatus, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	_, guard, err := m.active()
	if err != nil {
		return ledger.TxUnknown, err
	}
	adapter, err := m.adapter(chain)
	if err != nil {
		return ledger.TxUnknown, err
	}

	key := pendingKey(chain, txID)
	m.mu.Lock()
	pending, ok := m.pending[key]
	m.mu.Unlock()
	if !ok {
		return ledger.TxUnknown, xerrors.New(CodePendingNotFound, fmt.Sprintf("链 %s 上没有待核对的交易 %s", chain, txID))
	}

	status, err := adapter.Status(ctx, txID, pending.transfer)
	if err != nil {
		return ledger.TxUnknown, err
	}

	switch status {
	case ledger.TxExpired:
		guard.RecordFailure(pending.approval)
		m.dropPending(key)
		m.audit.Info("pending transfer expired, reservation released",
			slog.String("chain", string(chain)), slog.String("tx_id", txID),
			slog.String("amount", pending.Amount.String()))
	case ledger.TxConfirmed, ledger.TxFailed:
		guard.Settle(pending.approval)
		m.dropPending(key)
		m.audit.Info("pending transfer settled",
			slog.String("chain", string(chain)), slog.String("tx_id", txID),
			slog.String("status", string(status)))
	default:
		m.log.Info("pending transfer still unresolved",
			slog.String("chain", string(chain)), slog.String("tx_id", txID),
			slog.String("status", string(status)))
	}
	m.publishSpent(guard, chain)
	return status, nil
}

func (m *Manager) dropPending(key string) {
	m.mu.Lock()
	delete(m.pending, key)
	m.mu.Unlock()
}

func (m *Manager) publishSpent(guard *spendguard.Guard, chain ledger.Chain) {
	if usage, ok := guard.Usage()[chain]; ok {
		metrics.SetSessionSpent(string(chain), usage.Spent)
	}
}

func (m *Manager) notify(ctx context.Context, event alerting.Event) {
	if m.alerts == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.alerts.Notify(notifyCtx, event); err != nil {
		m.log.Warn("alert dispatch failed", slog.String("code", string(event.Code)), slog.Any("error", err))
	}
}

func pendingKey(chain ledger.Chain, txID string) string {
	return string(chain) + "/" + txID
}
