package service

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"ratevault-backend/grant"
)

// Session is the connected account and network of a client. Every identity
// or network change evicts the cached grants of the account that was
// connected before it.
type Session struct {
	grants *grant.Manager
	logger *zap.Logger

	mu      sync.RWMutex
	signer  Signer
	chainID uint64
}

func NewSession(grants *grant.Manager, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{grants: grants, logger: logger}
}

// Connect sets the account and network of a fresh session.
func (s *Session) Connect(signer Signer, chainID uint64) error {
	return s.replace(signer, chainID, "connect")
}

func (s *Session) Signer() (Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.signer == nil {
		return nil, ErrNotConnected
	}
	return s.signer, nil
}

func (s *Session) ChainID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainID
}

// RequireNetwork fails with ErrWrongNetwork unless the session is on
// chainID.
func (s *Session) RequireNetwork(chainID uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.chainID != chainID {
		return fmt.Errorf("%w: session on %d, node on %d", ErrWrongNetwork, s.chainID, chainID)
	}
	return nil
}

func (s *Session) SwitchAccount(next Signer) error {
	s.mu.RLock()
	chainID := s.chainID
	s.mu.RUnlock()
	return s.replace(next, chainID, "account switch")
}

func (s *Session) SwitchNetwork(chainID uint64) error {
	s.mu.RLock()
	signer := s.signer
	s.mu.RUnlock()
	return s.replace(signer, chainID, "network switch")
}

func (s *Session) Disconnect() error {
	return s.replace(nil, 0, "disconnect")
}

func (s *Session) replace(signer Signer, chainID uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.signer; prev != nil {
		if err := s.grants.EvictUser(prev.Address()); err != nil {
			return err
		}
		s.logger.Debug("evicted grants",
			zap.String("user", prev.Address().Hex()),
			zap.String("reason", reason))
	}
	s.signer = signer
	s.chainID = chainID
	return nil
}

// Address of the connected account, or the zero address.
func (s *Session) Address() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.signer == nil {
		return common.Address{}
	}
	return s.signer.Address()
}
