package fhe

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	LocalChainID          uint64 = 31337
	SepoliaChainID        uint64 = 11155111
	DefaultGatewayChainID uint64 = 55815
)

var (
	DefaultDecryptionVerifier        = common.HexToAddress("0x5ffdaAB0373E62E2ea2944776209aEf29E631A64")
	DefaultInputVerificationContract = common.HexToAddress("0x812b06e1CDCE800494b79fFE4f925A504a9A9810")
)

// Metadata is what a client needs to talk to a coprocessor deployment.
type Metadata struct {
	ChainID                            uint64         `json:"chainId"`
	GatewayChainID                     uint64         `json:"gatewayChainId"`
	ACLAddress                         common.Address `json:"ACLAddress"`
	InputVerifierAddress               common.Address `json:"InputVerifierAddress"`
	KMSVerifierAddress                 common.Address `json:"KMSVerifierAddress"`
	CoprocessorSigner                  common.Address `json:"coprocessorSigner"`
	VerifyingContractDecryption        common.Address `json:"verifyingContractAddressDecryption"`
	VerifyingContractInputVerification common.Address `json:"verifyingContractAddressInputVerification"`
}

// Config selects the chain and verifier contracts of an executor.
type Config struct {
	ChainID                            uint64
	GatewayChainID                     uint64
	VerifyingContractDecryption        common.Address
	VerifyingContractInputVerification common.Address
}

func (c Config) withDefaults() Config {
	if c.ChainID == 0 {
		c.ChainID = LocalChainID
	}
	if c.GatewayChainID == 0 {
		c.GatewayChainID = DefaultGatewayChainID
	}
	if c.VerifyingContractDecryption == (common.Address{}) {
		c.VerifyingContractDecryption = DefaultDecryptionVerifier
	}
	if c.VerifyingContractInputVerification == (common.Address{}) {
		c.VerifyingContractInputVerification = DefaultInputVerificationContract
	}
	return c
}

// newMetadata places the ACL and verifier contracts at the addresses the
// coprocessor account would deploy them to.
func newMetadata(cfg Config, signer common.Address) Metadata {
	return Metadata{
		ChainID:                            cfg.ChainID,
		GatewayChainID:                     cfg.GatewayChainID,
		ACLAddress:                         crypto.CreateAddress(signer, 0),
		InputVerifierAddress:               crypto.CreateAddress(signer, 1),
		KMSVerifierAddress:                 crypto.CreateAddress(signer, 2),
		CoprocessorSigner:                  signer,
		VerifyingContractDecryption:        cfg.VerifyingContractDecryption,
		VerifyingContractInputVerification: cfg.VerifyingContractInputVerification,
	}
}
