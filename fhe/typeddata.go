package fhe

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	UserDecryptPrimaryType  = "UserDecryptRequestVerification"
	DecryptionDomainName    = "Decryption"
	DecryptionDomainVersion = "1"
)

// SecondsPerDay converts validity durations.
const SecondsPerDay = 86400

// UserDecryptTypedData builds the EIP-712 message a user signs to authorize
// decryption of handles under contracts, re-encrypted to publicKey.
func UserDecryptTypedData(meta Metadata, publicKey []byte, contracts []common.Address, startTimestamp, durationDays int64) apitypes.TypedData {
	addrs := make([]interface{}, len(contracts))
	for i, c := range contracts {
		addrs[i] = c.Hex()
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			UserDecryptPrimaryType: {
				{Name: "publicKey", Type: "bytes"},
				{Name: "contractAddresses", Type: "address[]"},
				{Name: "startTimestamp", Type: "uint256"},
				{Name: "durationDays", Type: "uint256"},
			},
		},
		PrimaryType: UserDecryptPrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              DecryptionDomainName,
			Version:           DecryptionDomainVersion,
			ChainId:           math.NewHexOrDecimal256(int64(meta.GatewayChainID)),
			VerifyingContract: meta.VerifyingContractDecryption.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"publicKey":         hexutil.Encode(publicKey),
			"contractAddresses": addrs,
			"startTimestamp":    strconv.FormatInt(startTimestamp, 10),
			"durationDays":      strconv.FormatInt(durationDays, 10),
		},
	}
}

// TypedDataHash is the EIP-712 digest that gets signed.
func TypedDataHash(td apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	return hash, err
}
