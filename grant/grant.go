// Package grant issues, caches and expires user decryption grants.
package grant

import (
	"bytes"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"ratevault-backend/failure"
	"ratevault-backend/fhe"
)

const (
	CacheKeyPrefix      = "decryptionSignature."
	DefaultDurationDays = 365
)

var (
	ErrGrantExpired     = failure.New(failure.Cryptographic, "grant: expired")
	ErrDecryptionFailed = failure.New(failure.Cryptographic, "grant: decryption failed")
	ErrNoContracts      = failure.New(failure.Validation, "grant: no contract addresses")
	ErrSigningRejected  = failure.New(failure.Authorization, "grant: signer did not sign")
	ErrCorruptEntry     = failure.New(failure.Infrastructure, "grant: unreadable cache entry")
)

// Grant authorizes UserAddress to decrypt handles of ContractAddresses,
// re-encrypted to PublicKey, from StartTimestamp for DurationDays.
type Grant struct {
	PublicKey         hexutil.Bytes      `json:"publicKey"`
	PrivateKey        hexutil.Bytes      `json:"privateKey"`
	Signature         hexutil.Bytes      `json:"signature"`
	ContractAddresses []common.Address   `json:"contractAddresses"`
	UserAddress       common.Address     `json:"userAddress"`
	StartTimestamp    int64              `json:"startTimestamp"`
	DurationDays      int64              `json:"durationDays"`
	TypedData         apitypes.TypedData `json:"eip712"`
}

// ExpiresAt is the first unix second the grant is no longer valid.
func (g *Grant) ExpiresAt() int64 {
	return g.StartTimestamp + g.DurationDays*fhe.SecondsPerDay
}

func (g *Grant) Valid(now time.Time) bool {
	return now.Unix() < g.ExpiresAt()
}

// CacheKey is decryptionSignature.<user>.<sorted contracts joined by ",">.
func CacheKey(user common.Address, contracts []common.Address) string {
	sorted := sortContracts(contracts)
	hexes := make([]string, len(sorted))
	for i, c := range sorted {
		hexes[i] = c.Hex()
	}
	return userPrefix(user) + strings.Join(hexes, ",")
}

func userPrefix(user common.Address) string {
	return CacheKeyPrefix + user.Hex() + "."
}

// sortContracts returns a sorted, de-duplicated copy.
func sortContracts(contracts []common.Address) []common.Address {
	out := slices.Clone(contracts)
	slices.SortFunc(out, func(a, b common.Address) int { return bytes.Compare(a[:], b[:]) })
	return slices.Compact(out)
}
