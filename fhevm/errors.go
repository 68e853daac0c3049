package fhevm

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"

	"ratevault-backend/failure"
)

var (
	ErrBackendUnavailable = failure.New(failure.Infrastructure, "fhevm: simulated backend unavailable")
	ErrSdkUnavailable     = failure.New(failure.Infrastructure, "fhevm: relayer sdk unavailable")
	ErrUnsupportedNetwork = failure.New(failure.Infrastructure, "fhevm: unsupported network")
	ErrEncodingFailure    = failure.New(failure.Validation, "fhevm: value cannot be encoded")
	ErrMissingPayload     = failure.New(failure.Cryptographic, "fhevm: backend returned no payload for handle")
	ErrEmptyResponse      = failure.New(failure.Infrastructure, "fhevm: relayer returned an empty response")
)

// remoteError classifies an error returned by a backend call. Errors the
// backend classified keep their kind; transport failures become
// infrastructure errors.
func remoteError(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *failure.Error
	if errors.As(err, &classified) {
		return failure.Wrap(op, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return failure.Wrap(op, failure.FromCode(rpcErr.ErrorCode(), rpcErr.Error()))
	}
	return failure.Wrap(op, &failure.Error{Kind: failure.Infrastructure, Err: fmt.Errorf("transport: %w", err)})
}
