package fhe

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"ratevault-backend/encryption"
)

// ExecutorState is the persisted form of an Executor, key material included.
type ExecutorState struct {
	Scheme      string                      `json:"scheme"`
	PublicKey   hexutil.Bytes               `json:"public_key"`
	PrivateKey  hexutil.Bytes               `json:"private_key"`
	Counter     uint64                      `json:"counter"`
	Ciphertexts map[string]hexutil.Bytes    `json:"ciphertexts"`
	Bounds      map[string]uint64           `json:"bounds"`
	ACL         map[string][]common.Address `json:"acl"`
}

func (e *Executor) Snapshot() (*ExecutorState, error) {
	pub, err := e.scheme.ExportPublicKey()
	if err != nil {
		return nil, err
	}
	priv, err := e.scheme.ExportPrivateKey()
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	state := &ExecutorState{
		Scheme:      e.scheme.Name(),
		PublicKey:   pub,
		PrivateKey:  priv,
		Counter:     e.counter,
		Ciphertexts: make(map[string]hexutil.Bytes, len(e.cts)),
		Bounds:      make(map[string]uint64, len(e.bounds)),
		ACL:         make(map[string][]common.Address, len(e.acl)),
	}
	for h, ct := range e.cts {
		state.Ciphertexts[h.Hex()] = ct
	}
	for h, b := range e.bounds {
		state.Bounds[h.Hex()] = b
	}
	for h, set := range e.acl {
		accounts := make([]common.Address, 0, len(set))
		for a := range set {
			accounts = append(accounts, a)
		}
		state.ACL[h.Hex()] = accounts
	}
	return state, nil
}

// RestoreExecutor rebuilds an executor, scheme keys included, from state.
func RestoreExecutor(state *ExecutorState, signer *ecdsa.PrivateKey, cfg Config, opts ...Option) (*Executor, error) {
	scheme, err := encryption.ImportScheme(state.Scheme, state.PublicKey, state.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to restore %s scheme: %w", state.Scheme, err)
	}
	e := NewExecutor(scheme, signer, cfg, opts...)
	e.counter = state.Counter
	for raw, ct := range state.Ciphertexts {
		h, err := HexToHandle(raw)
		if err != nil {
			return nil, err
		}
		e.cts[h] = ct
	}
	for raw, b := range state.Bounds {
		h, err := HexToHandle(raw)
		if err != nil {
			return nil, err
		}
		e.bounds[h] = b
	}
	for raw, accounts := range state.ACL {
		h, err := HexToHandle(raw)
		if err != nil {
			return nil, err
		}
		for _, a := range accounts {
			e.allowLocked(h, a)
		}
	}
	return e, nil
}
