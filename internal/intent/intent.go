package intent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
)

// 工具名称是对 LLM 层公开的稳定契约。
const (
	ToolTransferSOL = "transferSOL"
	ToolTransferETH = "transferETH"
	ToolGetBalance  = "getBalance"
	ToolSwapTokens  = "swapTokens"
)

// CodeNoHandler 表示工具名称不在固定词汇表中。
const CodeNoHandler xerrors.Code = "NO_HANDLER"

func init() {
	xerrors.Register(CodeNoHandler, xerrors.Attributes{
		Message:  "no handler for tool",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
}

// Tools 返回支持的工具名称。
func Tools() []string {
	return []string{ToolTransferSOL, ToolTransferETH, ToolGetBalance, ToolSwapTokens}
}

// Call 是意图源发出的一次工具调用。
type Call struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Intent 是封闭的意图变体集合。dispatch 未导出，新增变体必须在本包内实现处理逻辑。
type Intent interface {
	Tool() string
	dispatch(d *Dispatcher, run *invocation) Result
}

// Transfer 是原生币转账意图。
type Transfer struct {
	Name   string
	Chain  ledger.Chain
	To     string
	Amount decimal.Decimal
	Reason string
}

// Tool 实现 Intent。
func (t Transfer) Tool() string { return t.Name }

// Balance 是余额查询意图。
type Balance struct{}

// Tool 实现 Intent。
func (Balance) Tool() string { return ToolGetBalance }

// Swap 是兑换意图，输入必须是会话链的原生币。
type Swap struct {
	Chain        ledger.Chain
	InputSymbol  string
	OutputSymbol string
	Amount       decimal.Decimal
	Reason       string
}

// Tool 实现 Intent。
func (Swap) Tool() string { return ToolSwapTokens }

// NoHandler 覆盖词汇表之外的工具名称。
type NoHandler struct {
	Name string
}

// Tool 实现 Intent。
func (n NoHandler) Tool() string { return n.Name }

// Parse 将工具调用解析为意图，参数校验在此完成。
func Parse(call Call) (Intent, error) {
	switch call.Name {
	case ToolTransferSOL:
		return parseTransfer(call, ledger.ChainSolana)
	case ToolTransferETH:
		return parseTransfer(call, ledger.ChainEthereum)
	case ToolGetBalance:
		return Balance{}, nil
	case ToolSwapTokens:
		return parseSwap(call)
	default:
		return NoHandler{Name: call.Name}, nil
	}
}

func parseTransfer(call Call, chain ledger.Chain) (Intent, error) {
	to, err := requiredString(call.Args, "to")
	if err != nil {
		return nil, err
	}
	amount, err := requiredAmount(call.Args, "amount")
	if err != nil {
		return nil, err
	}
	reason, err := optionalString(call.Args, "reason")
	if err != nil {
		return nil, err
	}
	return Transfer{Name: call.Name, Chain: chain, To: to, Amount: amount, Reason: reason}, nil
}

func parseSwap(call Call) (Intent, error) {
	input, err := requiredString(call.Args, "inputSymbol")
	if err != nil {
		return nil, err
	}
	output, err := requiredString(call.Args, "outputSymbol")
	if err != nil {
		return nil, err
	}
	amount, err := requiredAmount(call.Args, "amount")
	if err != nil {
		return nil, err
	}
	reason, err := optionalString(call.Args, "reason")
	if err != nil {
		return nil, err
	}

	input = strings.ToUpper(input)
	output = strings.ToUpper(output)
	chain, ok := nativeChain(input)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("仅支持以原生币 SOL 或 ETH 作为兑换输入，收到 %s", input))
	}
	if input == output {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "兑换的输入与输出代币相同")
	}
	return Swap{Chain: chain, InputSymbol: input, OutputSymbol: output, Amount: amount, Reason: reason}, nil
}

func nativeChain(symbol string) (ledger.Chain, bool) {
	for _, chain := range ledger.SupportedChains() {
		if chain.Symbol() == symbol {
			return chain, true
		}
	}
	return "", false
}

func requiredString(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("缺少参数 %s", key))
	}
	value, ok := raw.(string)
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %s 必须是字符串", key))
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %s 不能为空", key))
	}
	return value, nil
}

func optionalString(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %s 必须是字符串", key))
	}
	return strings.TrimSpace(value), nil
}

// requiredAmount 接受十进制字符串或 JSON 数字，拒绝非正数。
func requiredAmount(args map[string]any, key string) (decimal.Decimal, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("缺少参数 %s", key))
	}

	var text string
	switch v := raw.(type) {
	case string:
		text = strings.TrimSpace(v)
	case json.Number:
		text = v.String()
	case float64:
		text = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		text = strconv.Itoa(v)
	case int64:
		text = strconv.FormatInt(v, 10)
	default:
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %s 必须是数字", key))
	}

	amount, err := ledger.ParseAmount(text)
	if err != nil {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %s 无效: %s", key, xerrors.MessageOf(err)))
	}
	if !amount.IsPositive() {
		return decimal.Zero, ledger.InvalidAmount(amount, "金额必须大于 0")
	}
	return amount, nil
}
