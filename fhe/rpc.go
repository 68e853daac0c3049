package fhe

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"ratevault-backend/failure"
)

// SimulationClientVersion is reported by web3_clientVersion on nodes that
// host an in-process coprocessor.
const SimulationClientVersion = "ratevault-sim/v1.0.0"

// Web3API serves the web3 namespace.
type Web3API struct {
	version string
}

func (api *Web3API) ClientVersion() string {
	return api.version
}

// EthAPI serves the subset of the eth namespace clients use for network
// detection.
type EthAPI struct {
	chainID uint64
}

func (api *EthAPI) ChainId() *hexutil.Big {
	return (*hexutil.Big)(new(big.Int).SetUint64(api.chainID))
}

// FhevmAPI exposes the executor over JSON-RPC under the fhevm namespace.
type FhevmAPI struct {
	executor *Executor
}

func (api *FhevmAPI) RelayerMetadata() Metadata {
	return api.executor.Metadata()
}

func (api *FhevmAPI) PublicKey() (*NetworkKey, error) {
	key, err := api.executor.NetworkKey()
	return key, rpcError("fhevm_publicKey", err)
}

func (api *FhevmAPI) IngestInput(ctx context.Context, req InputRequest) (*InputResponse, error) {
	resp, err := api.executor.Ingest(ctx, req)
	return resp, rpcError("fhevm_ingestInput", err)
}

func (api *FhevmAPI) UserDecrypt(ctx context.Context, req UserDecryptRequest) (*UserDecryptResponse, error) {
	resp, err := api.executor.UserDecrypt(ctx, req)
	return resp, rpcError("fhevm_userDecrypt", err)
}

// rpcError returns a *failure.Error so the rpc package forwards its code.
func rpcError(op string, err error) error {
	if err == nil {
		return nil
	}
	return failure.Wrap(op, err)
}

// NewRPCServer registers the web3, eth and fhevm namespaces for executor.
func NewRPCServer(executor *Executor, clientVersion string) (*rpc.Server, error) {
	if clientVersion == "" {
		clientVersion = SimulationClientVersion
	}
	srv := rpc.NewServer()
	services := map[string]any{
		"web3":  &Web3API{version: clientVersion},
		"eth":   &EthAPI{chainID: executor.Metadata().ChainID},
		"fhevm": &FhevmAPI{executor: executor},
	}
	for namespace, service := range services {
		if err := srv.RegisterName(namespace, service); err != nil {
			srv.Stop()
			return nil, fmt.Errorf("failed to register %s namespace: %w", namespace, err)
		}
	}
	return srv, nil
}
