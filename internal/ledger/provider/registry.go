package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/ledger/ethereum"
	"AgentPay-Chain/internal/ledger/solana"
)

// Registry manages one ledger adapter per supported chain.
type Registry struct {
	adapters map[ledger.Chain]ledger.Adapter
	names    map[ledger.Chain]string
}

// Timeouts bounds the network calls of every adapter built by NewRegistry.
type Timeouts struct {
	RPC     time.Duration
	Confirm time.Duration
}

// NewRegistry loads chain definitions and instantiates concrete adapters.
func NewRegistry(ctx context.Context, cfg config.Web3Config, timeouts Timeouts) (*Registry, error) {
	defs, err := ledger.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	return FromDefinitions(ctx, defs, cfg.Confirmations, timeouts)
}

// FromDefinitions builds adapters from already parsed chain definitions.
func FromDefinitions(ctx context.Context, defs ledger.ChainDefinitions, confirmations uint64, timeouts Timeouts) (*Registry, error) {
	r := &Registry{
		adapters: make(map[ledger.Chain]ledger.Adapter),
		names:    make(map[ledger.Chain]string),
	}

	names := make([]string, 0, len(defs.Chains))
	for name := range defs.Chains {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		chain := defs.Chains[name]
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}

		var (
			adapter ledger.Adapter
			err     error
		)
		switch chainType {
		case "evm", "ethereum":
			cfg := ethereum.Config{
				Name:           name,
				RPCURL:         chain.RPCURL,
				Confirmations:  chain.Confirmations,
				PollInterval:   chain.PollInterval,
				RPCTimeout:     timeouts.RPC,
				ConfirmTimeout: timeouts.Confirm,
			}
			if cfg.Confirmations == 0 {
				cfg.Confirmations = confirmations
			}
			if chain.ChainID > 0 {
				cfg.ChainID = big.NewInt(chain.ChainID)
			}
			adapter, err = ethereum.Dial(ctx, cfg)
		case "solana":
			adapter, err = solana.Dial(solana.Config{
				Name:           name,
				RPCURL:         chain.RPCURL,
				Commitment:     chain.Commitment,
				PollInterval:   chain.PollInterval,
				RPCTimeout:     timeouts.RPC,
				ConfirmTimeout: timeouts.Confirm,
			})
		default:
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		if err := r.register(name, adapter); err != nil {
			adapter.Close()
			r.Close()
			return nil, err
		}
	}

	if len(r.adapters) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	return r, nil
}

// NewStatic wraps adapters that were constructed elsewhere, such as simulated
// backends in tests.
func NewStatic(adapters ...ledger.Adapter) (*Registry, error) {
	r := &Registry{
		adapters: make(map[ledger.Chain]ledger.Adapter),
		names:    make(map[ledger.Chain]string),
	}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		if err := r.register(string(adapter.Chain()), adapter); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(name string, adapter ledger.Adapter) error {
	chain := adapter.Chain()
	if existing, ok := r.names[chain]; ok {
		return fmt.Errorf("链 %s 与 %s 重复配置了 %s", name, existing, chain)
	}
	r.adapters[chain] = adapter
	r.names[chain] = name
	return nil
}

// Adapter returns the adapter serving chain.
func (r *Registry) Adapter(chain ledger.Chain) (ledger.Adapter, bool) {
	if r == nil {
		return nil, false
	}
	adapter, ok := r.adapters[chain]
	return adapter, ok
}

// Adapters returns a copy of the chain to adapter mapping.
func (r *Registry) Adapters() map[ledger.Chain]ledger.Adapter {
	if r == nil {
		return nil
	}
	out := make(map[ledger.Chain]ledger.Adapter, len(r.adapters))
	for chain, adapter := range r.adapters {
		out[chain] = adapter
	}
	return out
}

// Name returns the chains.yaml entry backing chain.
func (r *Registry) Name(chain ledger.Chain) string {
	if r == nil {
		return ""
	}
	return r.names[chain]
}

// Close releases all adapters managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for chain, adapter := range r.adapters {
		if adapter != nil {
			adapter.Close()
		}
		delete(r.adapters, chain)
		delete(r.names, chain)
	}
}

// Chains returns the registered chains in a stable order.
func (r *Registry) Chains() []ledger.Chain {
	if r == nil {
		return nil
	}
	chains := make([]ledger.Chain, 0, len(r.adapters))
	for chain := range r.adapters {
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}
