package service

import "ratevault-backend/failure"

var (
	ErrNotRated      = failure.New(failure.Validation, "no rating submitted")
	ErrReplayedTx    = failure.New(failure.Authorization, "transaction id already used")
	ErrBadSignature  = failure.New(failure.Cryptographic, "transaction signature does not match sender")
	ErrNotConnected  = failure.New(failure.Authorization, "no account connected")
	ErrWrongNetwork  = failure.New(failure.Validation, "instance is bound to another network")
	ErrQueueFull     = failure.New(failure.Infrastructure, "job queue is full")
	ErrQueueStopped  = failure.New(failure.Infrastructure, "job queue is stopped")
	ErrUnsupportedOp = failure.New(failure.Validation, "unsupported job kind")
	ErrStateChanged  = failure.New(failure.Infrastructure, "rating kept changing while it was read")
)
