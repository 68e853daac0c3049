package fhevm

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"ratevault-backend/fhe"
)

// simulationMarkers are substrings of web3_clientVersion that identify a node
// hosting an in-process coprocessor.
var simulationMarkers = []string{"ratevault-sim", "hardhat"}

// MockInstance runs against a local node's simulated coprocessor over
// JSON-RPC.
type MockInstance struct {
	*runtime
	client *rpc.Client
	owned  bool // client was dialled by CreateInstance
}

// NewMockInstance checks that client is a simulation node and fetches its
// coprocessor configuration.
func NewMockInstance(ctx context.Context, client *rpc.Client, logger *zap.Logger) (*MockInstance, error) {
	var version string
	if err := client.CallContext(ctx, &version, "web3_clientVersion"); err != nil {
		return nil, fmt.Errorf("%w: web3_clientVersion: %v", ErrBackendUnavailable, err)
	}
	if !isSimulationNode(version) {
		return nil, fmt.Errorf("%w: %q is not a simulation node", ErrBackendUnavailable, version)
	}

	var meta fhe.Metadata
	if err := client.CallContext(ctx, &meta, "fhevm_relayerMetadata"); err != nil {
		return nil, fmt.Errorf("%w: fhevm_relayerMetadata: %v", ErrBackendUnavailable, err)
	}
	var key fhe.NetworkKey
	if err := client.CallContext(ctx, &key, "fhevm_publicKey"); err != nil {
		return nil, fmt.Errorf("%w: fhevm_publicKey: %v", ErrBackendUnavailable, err)
	}
	key.Metadata = meta

	m := &MockInstance{client: client}
	rt, err := newRuntime(&key, m, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	m.runtime = rt
	return m, nil
}

func isSimulationNode(version string) bool {
	version = strings.ToLower(version)
	for _, marker := range simulationMarkers {
		if strings.Contains(version, marker) {
			return true
		}
	}
	return false
}

func (m *MockInstance) ingest(ctx context.Context, req fhe.InputRequest) (*fhe.InputResponse, error) {
	var resp fhe.InputResponse
	if err := m.client.CallContext(ctx, &resp, "fhevm_ingestInput", req); err != nil {
		return nil, remoteError("ingest input", err)
	}
	return &resp, nil
}

func (m *MockInstance) userDecrypt(ctx context.Context, req fhe.UserDecryptRequest) (*fhe.UserDecryptResponse, error) {
	var resp fhe.UserDecryptResponse
	if err := m.client.CallContext(ctx, &resp, "fhevm_userDecrypt", req); err != nil {
		return nil, remoteError("user decrypt", err)
	}
	return &resp, nil
}

// Close releases the RPC client if the instance dialled it. A client the
// caller supplied stays open.
func (m *MockInstance) Close() {
	if m.owned {
		m.client.Close()
	}
}
