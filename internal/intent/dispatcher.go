package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/internal/swap"
	"AgentPay-Chain/pkg/logger"
)

// Status 是工具调用结果的状态。
type Status string

const (
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusError    Status = "error"
)

// Result 是每次工具调用唯一的输出，Detail 会展示给用户。
type Result struct {
	ID     string       `json:"id"`
	Tool   string       `json:"tool"`
	Status Status       `json:"status"`
	Detail string       `json:"detail"`
	Code   xerrors.Code `json:"code,omitempty"`
	Data   any          `json:"data,omitempty"`
}

// Session 是调度器依赖的会话能力，由 session.Manager 实现。
type Session interface {
	Transfer(ctx context.Context, req ledger.TransferRequest) (*ledger.TransferReceipt, error)
	Balances(ctx context.Context) (map[ledger.Chain]session.BalanceResult, error)
	Addresses() (map[ledger.Chain]string, error)
}

// SwapResult 是兑换成功后的数据。
type SwapResult struct {
	Quote   *swap.Quote             `json:"quote"`
	Receipt *ledger.TransferReceipt `json:"receipt"`
}

// Dispatcher 将工具调用映射到会话操作。
type Dispatcher struct {
	session Session
	quoter  swap.Quoter
	log     *slog.Logger
}

// Option 自定义 Dispatcher。
type Option func(*Dispatcher)

// WithQuoter 启用 swapTokens。
func WithQuoter(q swap.Quoter) Option {
	return func(d *Dispatcher) { d.quoter = q }
}

// WithLogger 替换日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// NewDispatcher 创建调度器。
func NewDispatcher(s Session, opts ...Option) *Dispatcher {
	d := &Dispatcher{session: s, log: logger.Named("intent")}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

type invocation struct {
	ctx context.Context
	id  string
}

// Dispatch 解析并执行一次工具调用，无论成功失败都恰好返回一个 Result。
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Result {
	id := strings.TrimSpace(call.ID)
	if id == "" {
		id = uuid.NewString()
	}
	run := &invocation{ctx: ctx, id: id}

	var result Result
	parsed, err := Parse(call)
	if err != nil {
		result = failure(run, call.Name, err)
	} else {
		result = parsed.dispatch(d, run)
	}

	metrics.ObserveToolCall(metricTool(call.Name), string(result.Status))
	d.log.Info("tool call handled",
		slog.String("call_id", result.ID),
		slog.String("tool", call.Name),
		slog.String("status", string(result.Status)),
		slog.String("code", string(result.Code)))
	return result
}

func (t Transfer) dispatch(d *Dispatcher, run *invocation) Result {
	receipt, err := d.session.Transfer(run.ctx, ledger.TransferRequest{
		Chain:     t.Chain,
		Recipient: t.To,
		Amount:    t.Amount,
		Memo:      t.Reason,
	})
	if err != nil {
		return failure(run, t.Tool(), err)
	}
	return Result{
		ID:     run.id,
		Tool:   t.Tool(),
		Status: StatusApproved,
		Detail: fmt.Sprintf("已向 %s 转账 %s %s，交易 %s", receipt.To, receipt.Amount, t.Chain.Symbol(), receipt.TxID),
		Data:   receipt,
	}
}

func (b Balance) dispatch(d *Dispatcher, run *invocation) Result {
	balances, err := d.session.Balances(run.ctx)
	if err != nil {
		return failure(run, b.Tool(), err)
	}
	parts := make([]string, 0, len(balances))
	for _, chain := range ledger.SupportedChains() {
		res, ok := balances[chain]
		if !ok {
			continue
		}
		if res.Known() {
			parts = append(parts, fmt.Sprintf("%s %s", res.Balance.Amount, chain.Symbol()))
		} else {
			parts = append(parts, fmt.Sprintf("%s 未知", chain.Symbol()))
		}
	}
	return Result{
		ID:     run.id,
		Tool:   b.Tool(),
		Status: StatusApproved,
		Detail: "当前余额: " + strings.Join(parts, ", "),
		Data:   balances,
	}
}

func (s Swap) dispatch(d *Dispatcher, run *invocation) Result {
	if d.quoter == nil {
		return failure(run, s.Tool(), xerrors.New(CodeNoHandler, "未配置报价服务，无法兑换"))
	}
	addresses, err := d.session.Addresses()
	if err != nil {
		return failure(run, s.Tool(), err)
	}

	quote, err := d.quoter.Quote(run.ctx, swap.QuoteRequest{
		Chain:        s.Chain,
		InputSymbol:  s.InputSymbol,
		OutputSymbol: s.OutputSymbol,
		Amount:       s.Amount,
		Taker:        addresses[s.Chain],
	})
	if err != nil {
		return failure(run, s.Tool(), err)
	}
	// SpendGuard 以报价的实际输入数量授权，报价不得超出请求金额。
	if quote.InputAmount.GreaterThan(s.Amount) {
		return failure(run, s.Tool(), xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("报价输入 %s 超过请求金额 %s", quote.InputAmount, s.Amount)))
	}

	memo := s.Reason
	if memo == "" {
		memo = fmt.Sprintf("swap %s->%s", s.InputSymbol, s.OutputSymbol)
	}
	receipt, err := d.session.Transfer(run.ctx, ledger.TransferRequest{
		Chain:     s.Chain,
		Recipient: quote.Router,
		Amount:    quote.InputAmount,
		Memo:      memo,
		Payload:   quote.Payload,
	})
	if err != nil {
		return failure(run, s.Tool(), err)
	}
	return Result{
		ID:     run.id,
		Tool:   s.Tool(),
		Status: StatusApproved,
		Detail: fmt.Sprintf("已用 %s %s 兑换约 %s %s，交易 %s",
			quote.InputAmount, s.InputSymbol, quote.OutputAmount, s.OutputSymbol, receipt.TxID),
		Data: SwapResult{Quote: quote, Receipt: receipt},
	}
}

func (n NoHandler) dispatch(_ *Dispatcher, run *invocation) Result {
	return Result{
		ID:     run.id,
		Tool:   n.Name,
		Status: StatusRejected,
		Code:   CodeNoHandler,
		Detail: fmt.Sprintf("不支持的工具 %q，可用工具: %s", n.Name, strings.Join(Tools(), ", ")),
	}
}

// failure 将错误转换为结果：校验与安全拒绝返回 rejected，其余返回 error。
func failure(run *invocation, tool string, err error) Result {
	status := StatusError
	switch xerrors.CategoryOf(err) {
	case xerrors.CategoryValidation, xerrors.CategorySecurity:
		status = StatusRejected
	}
	detail := err.Error()
	if ledger.MayHaveMoved(err) && (ledger.IsCode(err, ledger.CodeSubmissionFailed) || ledger.IsCode(err, ledger.CodeRejected)) {
		detail += "；交易可能已上链，额度暂不释放，请稍后核对"
	}
	return Result{
		ID:     run.id,
		Tool:   tool,
		Status: status,
		Code:   xerrors.CodeOf(err),
		Detail: detail,
	}
}

func metricTool(name string) string {
	for _, tool := range Tools() {
		if tool == name {
			return name
		}
	}
	return "unknown"
}
