package exchange

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies exchange failures independently of the exchange that produced them.
type Kind int

const (
	Unknown Kind = iota
	InsufficientFunds
	MarketOffline
	DustTrade
	OrderNotOpen
	Throttled
	Unauthorized
)

func (k Kind) String() string {
	switch k {
	case InsufficientFunds:
		return "insufficient_funds"
	case MarketOffline:
		return "market_offline"
	case DustTrade:
		return "dust_trade"
	case OrderNotOpen:
		return "order_not_open"
	case Throttled:
		return "throttled"
	case Unauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Error is a classified exchange failure.
type Error struct {
	Kind   Kind
	Op     string // e.g. "buy_limit"
	Market string
	Err    error
}

// NewError builds a classified error.
func NewError(kind Kind, op, market string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Market: market, Err: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("exchange %s", e.Kind)
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Market != "" {
		msg += " on " + e.Market
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: DustTrade}) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Op == "" && other.Market == "" && other.Err == nil
}

// KindOf extracts the kind of err. Unclassified errors are Unknown; context expiry counts as Throttled
// so callers simply retry on the next event.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Throttled
	}
	return Unknown
}

// Classify wraps err as an *Error of the given kind unless it already carries one.
func Classify(err error, kind Kind, op, market string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return NewError(kind, op, market, err)
}
