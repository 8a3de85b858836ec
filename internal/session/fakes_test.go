package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"AgentPay-Chain/internal/funding"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/alerting"
)

// fakeLedger is an in-memory ledger that moves balances on Submit.
type fakeLedger struct {
	mu         sync.Mutex
	chain      ledger.Chain
	decimals   int32
	balances   map[string]decimal.Decimal
	fee        decimal.Decimal
	// feeRise is added to fee after every EstimateFee, modelling a fee
	// market that moves between the estimate and the build.
	feeRise    decimal.Decimal
	balanceErr error
	submitErr  error
	status     ledger.TxStatus
	submitted  []ledger.TransferSpec
	seq        int
}

func newFakeLedger(chain ledger.Chain, decimals int32, fee string) *fakeLedger {
	return &fakeLedger{
		chain:    chain,
		decimals: decimals,
		balances: make(map[string]decimal.Decimal),
		fee:      decimal.RequireFromString(fee),
		status:   ledger.TxUnknown,
	}
}

func (f *fakeLedger) Chain() ledger.Chain { return f.chain }
func (f *fakeLedger) Decimals() int32     { return f.decimals }
func (f *fakeLedger) Close()              {}

func (f *fakeLedger) ValidateAddress(address string) error {
	if address == "" || strings.Contains(address, "bad") {
		return ledger.InvalidAddress(f.chain, address, nil)
	}
	return nil
}

func (f *fakeLedger) GetBalance(_ context.Context, address string) (ledger.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return ledger.Balance{}, ledger.NetworkError(f.chain, f.balanceErr, "读取余额失败")
	}
	return ledger.Balance{Chain: f.chain, Address: address, Amount: f.balances[address], ReadAt: time.Now()}, nil
}

func (f *fakeLedger) EstimateFee(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	quoted := f.fee
	f.fee = f.fee.Add(f.feeRise)
	return quoted, nil
}

func (f *fakeLedger) BuildTransfer(_ context.Context, spec ledger.TransferSpec) (*ledger.UnsignedTransfer, error) {
	if err := f.ValidateAddress(spec.To); err != nil {
		return nil, err
	}
	f.mu.Lock()
	fee := f.fee
	f.mu.Unlock()
	amount := spec.Amount
	if spec.Sweep {
		if !amount.GreaterThan(fee) {
			return nil, ledger.FeeExceedsBalance(f.chain, amount, fee)
		}
		amount = amount.Sub(fee)
	}
	atomic, err := ledger.ToAtomic(amount, f.decimals)
	if err != nil {
		return nil, err
	}
	return &ledger.UnsignedTransfer{
		Chain:  f.chain,
		From:   spec.From,
		To:     spec.To,
		Amount: amount,
		Atomic: atomic,
		MaxFee: fee,
	}, nil
}

func (f *fakeLedger) Sign(transfer *ledger.UnsignedTransfer, key ledger.SigningKey) (*ledger.SignedTransfer, error) {
	if key.Chain() != f.chain || key.Address() != transfer.From {
		return nil, errors.New("signing key mismatch")
	}
	f.mu.Lock()
	f.seq++
	id := fmt.Sprintf("%s-tx-%d", f.chain, f.seq)
	f.mu.Unlock()
	return &ledger.SignedTransfer{Unsigned: transfer, TxID: id}, nil
}

func (f *fakeLedger) Submit(_ context.Context, signed *ledger.SignedTransfer) (*ledger.TransferReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	t := signed.Unsigned
	cost := t.Amount.Add(f.fee)
	if f.balances[t.From].LessThan(cost) {
		return nil, ledger.Rejected(f.chain, signed.TxID, false, nil, "余额不足")
	}
	f.balances[t.From] = f.balances[t.From].Sub(cost)
	f.balances[t.To] = f.balances[t.To].Add(t.Amount)
	f.submitted = append(f.submitted, ledger.TransferSpec{From: t.From, To: t.To, Amount: t.Amount})
	return &ledger.TransferReceipt{
		Chain:       f.chain,
		TxID:        signed.TxID,
		From:        t.From,
		To:          t.To,
		Amount:      t.Amount,
		Fee:         f.fee,
		BlockNumber: uint64(len(f.submitted)),
		ConfirmedAt: time.Now(),
	}, nil
}

func (f *fakeLedger) Status(context.Context, string, *ledger.UnsignedTransfer) (ledger.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeLedger) set(fn func(f *fakeLedger)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeLedger) balance(address string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[address]
}

func (f *fakeLedger) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

// fakeFunder credits the session address directly on the fake ledger.
type fakeFunder struct {
	ledgers map[ledger.Chain]*fakeLedger
	calls   int
}

func (f *fakeFunder) Address(chain ledger.Chain) (string, error) {
	return "user-" + string(chain), nil
}

func (f *fakeFunder) RequestTransfer(_ context.Context, req funding.Request) (*funding.Confirmation, error) {
	f.calls++
	l := f.ledgers[req.Chain]
	l.set(func(l *fakeLedger) { l.balances[req.To] = l.balances[req.To].Add(req.Amount) })
	return &funding.Confirmation{
		Chain:       req.Chain,
		TxID:        fmt.Sprintf("fund-%d", f.calls),
		From:        "user-" + string(req.Chain),
		To:          req.To,
		Amount:      req.Amount,
		ConfirmedAt: time.Now(),
	}, nil
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerts) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
