package ledger

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Chain identifies one supported ledger.
type Chain string

const (
	ChainSolana   Chain = "solana"
	ChainEthereum Chain = "ethereum"
)

// SupportedChains lists every ledger a session holds a key for, in a stable
// order.
func SupportedChains() []Chain {
	return []Chain{ChainSolana, ChainEthereum}
}

// ParseChain normalises a user supplied chain name.
func ParseChain(raw string) (Chain, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "solana", "sol":
		return ChainSolana, true
	case "ethereum", "eth", "evm":
		return ChainEthereum, true
	default:
		return "", false
	}
}

// Symbol returns the ticker of the chain's native coin.
func (c Chain) Symbol() string {
	switch c {
	case ChainSolana:
		return "SOL"
	case ChainEthereum:
		return "ETH"
	default:
		return strings.ToUpper(string(c))
	}
}

// Balance is a read-only snapshot of an address's native balance.
type Balance struct {
	Chain   Chain           `json:"chain"`
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
	ReadAt  time.Time       `json:"read_at"`
}

// TransferRequest is an agent initiated outgoing transfer from the session key.
// Payload carries a prebuilt transaction (swap routes) and is nil for plain
// native transfers.
type TransferRequest struct {
	Chain     Chain           `json:"chain"`
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo,omitempty"`
	Payload   []byte          `json:"payload,omitempty"`
}

// TransferSpec is what an adapter needs to construct an unsigned transfer.
type TransferSpec struct {
	From    string
	To      string
	Amount  decimal.Decimal
	Payload []byte
	// Sweep treats Amount as the whole spendable balance. The adapter deducts
	// the MaxFee of the transaction it builds, priced from the same fee read
	// that goes into the transaction, and the UnsignedTransfer carries the net
	// amount. Sweeps cannot carry a payload.
	Sweep bool
}

// UnsignedTransfer is a fully constructed but unsigned chain transaction.
// Native holds the chain specific representation and is only interpreted by
// the adapter that built it.
type UnsignedTransfer struct {
	Chain  Chain
	From   string
	To     string
	Amount decimal.Decimal
	Atomic *big.Int
	// MaxFee is the upper bound of the network fee in native units.
	MaxFee decimal.Decimal
	// ValidUntil is the last block height at which the transfer can land,
	// zero when the chain has no such expiry.
	ValidUntil uint64
	Native     any
}

// SignedTransfer is ready for broadcast.
type SignedTransfer struct {
	Unsigned *UnsignedTransfer
	TxID     string
	Native   any
}

// TransferReceipt is returned once the chain confirmed the transfer.
type TransferReceipt struct {
	Chain       Chain           `json:"chain"`
	TxID        string          `json:"tx_id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	BlockNumber uint64          `json:"block_number"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

// TxStatus is the reconciled on-chain state of a previously submitted transfer.
type TxStatus string

const (
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
	TxPending   TxStatus = "pending"
	// TxExpired means the transfer was never included and no longer can be.
	TxExpired TxStatus = "expired"
	TxUnknown TxStatus = "unknown"
)

// SigningKey is the public face of a session key for one chain. Adapters
// type-assert it to the concrete key type they know how to sign with.
type SigningKey interface {
	Chain() Chain
	Address() string
}

// Adapter is the uniform capability interface over one ledger. Adapters hold
// no per-session state and are safe for concurrent use.
type Adapter interface {
	Chain() Chain
	Decimals() int32
	ValidateAddress(address string) error
	GetBalance(ctx context.Context, address string) (Balance, error)
	EstimateFee(ctx context.Context, from string) (decimal.Decimal, error)
	BuildTransfer(ctx context.Context, spec TransferSpec) (*UnsignedTransfer, error)
	Sign(transfer *UnsignedTransfer, key SigningKey) (*SignedTransfer, error)
	Submit(ctx context.Context, signed *SignedTransfer) (*TransferReceipt, error)
	Status(ctx context.Context, txID string, transfer *UnsignedTransfer) (TxStatus, error)
	Close()
}
