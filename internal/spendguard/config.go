package spendguard

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
)

// Limits 描述单条链上的消费上限。
type Limits struct {
	// MaxTotal 是会话生命周期内累计授权金额的上限（含）。
	MaxTotal decimal.Decimal `json:"max_total"`
	// MaxPerTransaction 是单笔金额上限（含），不得超过 MaxTotal。
	MaxPerTransaction decimal.Decimal `json:"max_per_transaction"`
	// AllowList 非空时，收款地址必须与其中一项完全一致。
	AllowList []string `json:"allow_list,omitempty"`
}

// Config 为每条链配置限额。未出现在 Config 中的链一律拒绝。
type Config map[ledger.Chain]Limits

// Validate 校验限额，违反约束时返回 ConfigError，不做截断修正。
func (c Config) Validate() error {
	if len(c) == 0 {
		return xerrors.New(xerrors.CodeConfig, "消费限额配置为空")
	}
	for _, chain := range c.Chains() {
		limits := c[chain]
		if _, ok := ledger.ParseChain(string(chain)); !ok {
			return xerrors.New(xerrors.CodeConfig, fmt.Sprintf("不支持的链: %s", chain))
		}
		if limits.MaxTotal.IsNegative() {
			return xerrors.New(xerrors.CodeConfig, fmt.Sprintf("链 %s 的总额上限不能为负数", chain))
		}
		if !limits.MaxPerTransaction.IsPositive() {
			return xerrors.New(xerrors.CodeConfig, fmt.Sprintf("链 %s 的单笔上限必须大于 0", chain))
		}
		if limits.MaxPerTransaction.GreaterThan(limits.MaxTotal) {
			return xerrors.New(xerrors.CodeConfig, fmt.Sprintf("链 %s 的单笔上限 %s 超过总额上限 %s",
				chain, limits.MaxPerTransaction, limits.MaxTotal))
		}
		for _, addr := range limits.AllowList {
			if strings.TrimSpace(addr) == "" {
				return xerrors.New(xerrors.CodeConfig, fmt.Sprintf("链 %s 的白名单包含空地址", chain))
			}
		}
	}
	return nil
}

// Chains 返回配置了限额的链，按名称排序。
func (c Config) Chains() []ledger.Chain {
	chains := make([]ledger.Chain, 0, len(c))
	for chain := range c {
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}

func (c Config) clone() Config {
	out := make(Config, len(c))
	for chain, limits := range c {
		allow := make([]string, len(limits.AllowList))
		copy(allow, limits.AllowList)
		limits.AllowList = allow
		out[chain] = limits
	}
	return out
}

// ParseLimits 从十进制字符串构造限额，供配置文件与 CLI 使用。
func ParseLimits(maxTotal, maxPerTransaction string, allowList []string) (Limits, error) {
	total, err := ledger.ParseAmount(maxTotal)
	if err != nil {
		return Limits{}, xerrors.Wrap(xerrors.CodeConfig, err, fmt.Sprintf("无法解析总额上限 %q", maxTotal))
	}
	perTx, err := ledger.ParseAmount(maxPerTransaction)
	if err != nil {
		return Limits{}, xerrors.Wrap(xerrors.CodeConfig, err, fmt.Sprintf("无法解析单笔上限 %q", maxPerTransaction))
	}
	return Limits{MaxTotal: total, MaxPerTransaction: perTx, AllowList: allowList}, nil
}
