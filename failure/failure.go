// Package failure classifies errors so callers can decide between surfacing,
// re-signing, re-authenticating and retrying.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the class an error belongs to.
type Kind int

const (
	Unknown Kind = iota
	Validation
	Authorization
	Cryptographic
	Infrastructure
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Authorization:
		return "authorization"
	case Cryptographic:
		return "cryptographic"
	case Infrastructure:
		return "infrastructure"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String. Unrecognized names are Unknown.
func ParseKind(s string) Kind {
	for k := Validation; k <= NotFound; k++ {
		if k.String() == s {
			return k
		}
	}
	return Unknown
}

// Error carries a Kind and optionally the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// New returns a sentinel error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap annotates err with an operation name, keeping its kind.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return Unknown
		}
		if e.Kind != Unknown {
			return e.Kind
		}
		err = e.Err
	}
	return Unknown
}

// Retryable reports whether an automatic retry of the failed call is reasonable.
func Retryable(err error) bool {
	return KindOf(err) == Infrastructure
}

// rpcCodeBase is the JSON-RPC server error range kinds are mapped into.
const rpcCodeBase = -32000

// ErrorCode lets go-ethereum's rpc package carry the kind to remote callers.
func (e *Error) ErrorCode() int {
	return rpcCodeBase - int(KindOf(e))
}

// FromCode rebuilds a classified error from a remote code and message.
func FromCode(code int, msg string) *Error {
	kind := Kind(rpcCodeBase - code)
	if kind < Unknown || kind > NotFound {
		kind = Unknown
	}
	return &Error{Kind: kind, Msg: msg}
}
