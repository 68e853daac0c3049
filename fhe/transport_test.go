package fhe

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratevault-backend/failure"
)

func TestRPCServer(t *testing.T) {
	env := newTestEnv(t)
	srv, err := NewRPCServer(env.executor, "")
	require.NoError(t, err)
	defer srv.Stop()

	client := rpc.DialInProc(srv)
	defer client.Close()
	ctx := context.Background()

	var version string
	require.NoError(t, client.CallContext(ctx, &version, "web3_clientVersion"))
	assert.Equal(t, SimulationClientVersion, version)

	chainID, err := ethclient.NewClient(client).ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(LocalChainID), chainID.Uint64())

	var meta Metadata
	require.NoError(t, client.CallContext(ctx, &meta, "fhevm_relayerMetadata"))
	assert.Equal(t, env.executor.Metadata(), meta)

	_, user := newAccount(t)
	ct, err := env.scheme.Encrypt(big.NewInt(7))
	require.NoError(t, err)
	var resp InputResponse
	require.NoError(t, client.CallContext(ctx, &resp, "fhevm_ingestInput", InputRequest{
		ContractAddress: testContract,
		UserAddress:     user,
		ContractChainID: LocalChainID,
		Ciphertexts:     []hexutil.Bytes{ct},
		Types:           []FheType{Euint32},
	}))
	require.Len(t, resp.Handles, 1)
	require.NoError(t, env.executor.VerifyInput(resp.Handles, resp.InputProof, testContract, user))

	err = client.CallContext(ctx, &resp, "fhevm_ingestInput", InputRequest{ContractChainID: LocalChainID})
	require.Error(t, err)
	var rpcErr rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, failure.Validation, failure.FromCode(rpcErr.ErrorCode(), rpcErr.Error()).Kind)
}

func TestRelayerHandler(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(NewRelayerHandler(env.executor, nil))
	defer server.Close()

	res, err := http.Get(server.URL + "/keyurl")
	require.NoError(t, err)
	var key RelayerEnvelope[NetworkKey]
	require.NoError(t, json.NewDecoder(res.Body).Decode(&key))
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, env.scheme.Name(), key.Response.Scheme)
	assert.Equal(t, env.executor.Metadata().CoprocessorSigner, key.Response.Metadata.CoprocessorSigner)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		kind   string
	}{
		{"garbage input body", "/input-proof", "{", http.StatusBadRequest, "validation"},
		{"empty input", "/input-proof", `{"contractChainId":31337,"ciphertexts":[],"types":[]}`, http.StatusBadRequest, "validation"},
		{"garbage decrypt body", "/user-decrypt", "[]", http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := http.Post(server.URL+tt.path, "application/json", bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			defer res.Body.Close()
			var body RelayerError
			require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
			assert.Equal(t, tt.status, res.StatusCode)
			assert.Equal(t, tt.kind, body.Kind)
		})
	}
}

func TestStatusForKind(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, StatusForKind(failure.Authorization))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusForKind(failure.Cryptographic))
	assert.Equal(t, http.StatusServiceUnavailable, StatusForKind(failure.Infrastructure))
	assert.Equal(t, http.StatusInternalServerError, StatusForKind(failure.Unknown))
}
