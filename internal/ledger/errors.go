package ledger

import (
	stdErrors "errors"
	"strconv"

	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
)

const (
	CodeInvalidAddress   xerrors.Code = "INVALID_ADDRESS"
	CodeInvalidAmount    xerrors.Code = "INVALID_AMOUNT"
	CodeNetwork          xerrors.Code = "NETWORK_ERROR"
	CodeSubmissionFailed xerrors.Code = "SUBMISSION_FAILED"
	CodeRejected         xerrors.Code = "REJECTED"
	CodeUnsupportedChain xerrors.Code = "UNSUPPORTED_CHAIN"
	// CodeFeeExceedsBalance is returned by a sweep whose balance cannot cover
	// the fee of the transaction that would move it.
	CodeFeeExceedsBalance xerrors.Code = "FEE_EXCEEDS_BALANCE"
)

// metaBroadcast marks errors raised after the payload may have reached the
// network.
const metaBroadcast = "broadcast"

func init() {
	xerrors.Register(CodeInvalidAddress, xerrors.Attributes{
		Message:  "invalid address",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:  "invalid amount",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
	xerrors.Register(CodeNetwork, xerrors.Attributes{
		Message:   "chain rpc unavailable",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryNetwork,
		Retryable: true,
	})
	xerrors.Register(CodeSubmissionFailed, xerrors.Attributes{
		Message:   "transfer submission failed",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryNetwork,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRejected, xerrors.Attributes{
		Message:  "transfer rejected by chain",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryRejected,
	})
	xerrors.Register(CodeFeeExceedsBalance, xerrors.Attributes{
		Message:  "balance does not cover fee",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
	xerrors.Register(CodeUnsupportedChain, xerrors.Attributes{
		Message:  "unsupported chain",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
}

// InvalidAddress reports a recipient or sender that is not a canonical
// address on the chain.
func InvalidAddress(chain Chain, address string, cause error) *xerrors.Error {
	msg := "无效的 " + chain.Symbol() + " 地址: " + address
	if cause != nil {
		return xerrors.Wrap(CodeInvalidAddress, cause, msg)
	}
	return xerrors.New(CodeInvalidAddress, msg)
}

// InvalidAmount reports a non-positive or over-precise amount.
func InvalidAmount(amount decimal.Decimal, reason string) *xerrors.Error {
	return xerrors.New(CodeInvalidAmount, reason+": "+amount.String())
}

// FeeExceedsBalance reports a sweep that would leave nothing to send.
func FeeExceedsBalance(chain Chain, balance, fee decimal.Decimal) *xerrors.Error {
	return xerrors.New(CodeFeeExceedsBalance,
		"余额 "+balance.String()+" "+chain.Symbol()+" 不足以覆盖手续费 "+fee.String(),
		xerrors.WithMetadata("chain", string(chain)))
}

// NetworkError wraps a failed read-only RPC call.
func NetworkError(chain Chain, cause error, message string) *xerrors.Error {
	return xerrors.Wrap(CodeNetwork, cause, message, xerrors.WithMetadata("chain", string(chain)))
}

// SubmissionFailed wraps a transient submit/confirm failure. broadcast tells
// whether the signed payload may already be on the network.
func SubmissionFailed(chain Chain, txID string, broadcast bool, cause error, message string) *xerrors.Error {
	return xerrors.Wrap(CodeSubmissionFailed, cause, message,
		xerrors.WithMetadata("chain", string(chain)),
		xerrors.WithMetadata("tx_id", txID),
		xerrors.WithMetadata(metaBroadcast, strconv.FormatBool(broadcast)),
	)
}

// Rejected wraps a deterministic rejection.
func Rejected(chain Chain, txID string, broadcast bool, cause error, message string) *xerrors.Error {
	return xerrors.Wrap(CodeRejected, cause, message,
		xerrors.WithMetadata("chain", string(chain)),
		xerrors.WithMetadata("tx_id", txID),
		xerrors.WithMetadata(metaBroadcast, strconv.FormatBool(broadcast)),
		xerrors.WithRetryable(false),
	)
}

// MayHaveMoved reports whether a transfer failure cannot be proven to have
// happened before the payload reached the network. Errors that are not ledger
// errors are treated as unproven.
func MayHaveMoved(err error) bool {
	e, ok := xerrors.From(err)
	if !ok {
		return true
	}
	switch e.Code() {
	case CodeInvalidAddress, CodeInvalidAmount, CodeUnsupportedChain, CodeNetwork:
		return false
	case CodeSubmissionFailed, CodeRejected:
		broadcast, parseErr := strconv.ParseBool(e.Metadata()[metaBroadcast])
		return parseErr != nil || broadcast
	default:
		return true
	}
}

// TxIDOf extracts the transaction id attached to a submission error.
func TxIDOf(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Metadata()["tx_id"]
	}
	return ""
}

// IsCode is a shorthand for errors.Is against a bare code.
func IsCode(err error, code xerrors.Code) bool {
	return stdErrors.Is(err, xerrors.New(code, ""))
}
