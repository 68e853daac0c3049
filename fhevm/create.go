package fhevm

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"ratevault-backend/fhe"
)

// Status is reported while an instance is being created.
type Status string

const (
	StatusCreatingMock     Status = "creating-mock"
	StatusSDKLoading       Status = "sdk-loading"
	StatusSDKLoaded        Status = "sdk-loaded"
	StatusSDKInitializing  Status = "sdk-initializing"
	StatusCreatingInstance Status = "creating-instance"
)

// Config selects and configures a backend.
type Config struct {
	// RPCURL is dialed unless RPCClient is set.
	RPCURL    string
	RPCClient *rpc.Client

	RelayerURL string
	HTTPClient *http.Client
	// SDK is reused across calls so a failed load can be retried. One is
	// created from RelayerURL when nil.
	SDK *SDKLoader

	LocalChainIDs   []uint64
	RelayerChainIDs []uint64

	OnStatus func(Status)
	Logger   *zap.Logger
}

func (c Config) withDefaults() Config {
	if len(c.LocalChainIDs) == 0 {
		c.LocalChainIDs = []uint64{fhe.LocalChainID}
	}
	if len(c.RelayerChainIDs) == 0 {
		c.RelayerChainIDs = []uint64{fhe.SepoliaChainID}
	}
	if c.OnStatus == nil {
		c.OnStatus = func(Status) {}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// CreateInstance reads the chain id from the RPC endpoint and builds the
// matching variant.
func CreateInstance(ctx context.Context, cfg Config) (Instance, error) {
	cfg = cfg.withDefaults()

	client := cfg.RPCClient
	owned := false
	if client == nil {
		var err error
		client, err = rpc.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrBackendUnavailable, cfg.RPCURL, err)
		}
		owned = true
	}
	closeClient := func() {
		if owned {
			client.Close()
		}
	}

	chainID, err := ethclient.NewClient(client).ChainID(ctx)
	if err != nil {
		closeClient()
		return nil, fmt.Errorf("%w: eth_chainId: %v", ErrBackendUnavailable, err)
	}
	id := chainID.Uint64()
	logger := cfg.Logger.With(zap.Uint64("chain_id", id))

	switch {
	case slices.Contains(cfg.LocalChainIDs, id):
		cfg.OnStatus(StatusCreatingMock)
		inst, err := NewMockInstance(ctx, client, logger)
		if err != nil {
			closeClient()
			return nil, err
		}
		inst.owned = owned
		logger.Info("created simulated fhevm instance")
		return inst, nil

	case slices.Contains(cfg.RelayerChainIDs, id):
		closeClient()
		loader := cfg.SDK
		if loader == nil {
			loader = NewSDKLoader(cfg.RelayerURL, cfg.HTTPClient)
		}
		cfg.OnStatus(StatusSDKLoading)
		key, err := loader.Load(ctx)
		if err != nil {
			return nil, err
		}
		cfg.OnStatus(StatusSDKLoaded)
		cfg.OnStatus(StatusSDKInitializing)
		if key.Metadata.ChainID != id {
			return nil, fmt.Errorf("%w: relayer serves chain %d, node reports %d", ErrSdkUnavailable, key.Metadata.ChainID, id)
		}
		cfg.OnStatus(StatusCreatingInstance)
		inst, err := NewRelayerInstance(ctx, loader, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("created relayer fhevm instance")
		return inst, nil

	default:
		closeClient()
		return nil, fmt.Errorf("%w: chain id %d", ErrUnsupportedNetwork, id)
	}
}
