package fhevm

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratevault-backend/encryption"
	"ratevault-backend/failure"
	"ratevault-backend/fhe"
)

var contract = common.HexToAddress("0x00000000000000000000000000000000000000c0")

func newExecutor(t *testing.T, chainID uint64, scheme string) *fhe.Executor {
	t.Helper()
	s, err := encryption.NewScheme(scheme, 512)
	require.NoError(t, err)
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	return fhe.NewExecutor(s, signer, fhe.Config{ChainID: chainID})
}

func rpcClient(t *testing.T, ex *fhe.Executor, version string) *rpc.Client {
	t.Helper()
	srv, err := fhe.NewRPCServer(ex, version)
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	return rpc.DialInProc(srv)
}

func relayerServer(t *testing.T, ex *fhe.Executor) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Mount("/v1", fhe.NewRelayerHandler(ex, nil))
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

// roundTrip encrypts two scores as user, lets the executor accept them for
// the contract, and decrypts them back through inst.
func roundTrip(t *testing.T, inst Instance, ex *fhe.Executor) {
	t.Helper()
	ctx := context.Background()
	userKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	user := crypto.PubkeyToAddress(userKey.PublicKey)

	bundle, err := inst.CreateEncryptedInput(contract, user).Add32(5).Add32(7).Encrypt(ctx)
	require.NoError(t, err)
	require.Len(t, bundle.Handles, 2)
	require.NoError(t, ex.VerifyInput(bundle.Handles, bundle.InputProof, contract, user))

	req := signedRequest(t, inst, userKey, bundle.Handles)
	_, err = inst.UserDecrypt(ctx, req)
	assert.Equal(t, failure.Authorization, failure.KindOf(err))

	for _, h := range bundle.Handles {
		require.NoError(t, ex.Allow(contract, h, user))
	}
	values, err := inst.UserDecrypt(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(5), values[bundle.Handles[0]].Int64())
	assert.Equal(t, int64(7), values[bundle.Handles[1]].Int64())
}

func signedRequest(t *testing.T, inst Instance, userKey *ecdsa.PrivateKey, handles []fhe.Handle) DecryptRequest {
	t.Helper()
	kp, err := inst.GenerateKeypair()
	require.NoError(t, err)
	start := int64(1_700_000_000)
	contracts := []common.Address{contract}
	hash, err := fhe.TypedDataHash(inst.CreateEIP712(kp.PublicKey, contracts, start, 365*20))
	require.NoError(t, err)
	sig, err := crypto.Sign(hash, userKey)
	require.NoError(t, err)

	pairs := make([]fhe.HandleContractPair, len(handles))
	for i, h := range handles {
		pairs[i] = fhe.HandleContractPair{Handle: h, ContractAddress: contract}
	}
	return DecryptRequest{
		Handles:           pairs,
		PrivateKey:        kp.PrivateKey,
		PublicKey:         kp.PublicKey,
		Signature:         sig,
		ContractAddresses: contracts,
		UserAddress:       crypto.PubkeyToAddress(userKey.PublicKey),
		StartTimestamp:    start,
		DurationDays:      365 * 20,
	}
}

func TestCreateInstanceSelectsMock(t *testing.T) {
	ex := newExecutor(t, fhe.LocalChainID, encryption.SchemePaillier)
	var statuses []Status
	inst, err := CreateInstance(context.Background(), Config{
		RPCClient: rpcClient(t, ex, ""),
		OnStatus:  func(s Status) { statuses = append(statuses, s) },
	})
	require.NoError(t, err)
	defer inst.Close()

	assert.IsType(t, &MockInstance{}, inst)
	assert.Equal(t, []Status{StatusCreatingMock}, statuses)
	assert.Equal(t, ex.Metadata(), inst.Metadata())
	roundTrip(t, inst, ex)
}

func TestCreateInstanceSelectsRelayer(t *testing.T) {
	ex := newExecutor(t, fhe.SepoliaChainID, encryption.SchemeElGamal)
	server := relayerServer(t, ex)
	var statuses []Status
	inst, err := CreateInstance(context.Background(), Config{
		RPCClient:  rpcClient(t, ex, "Geth/v1.14.11"),
		RelayerURL: server.URL,
		OnStatus:   func(s Status) { statuses = append(statuses, s) },
	})
	require.NoError(t, err)
	defer inst.Close()

	assert.IsType(t, &RelayerInstance{}, inst)
	assert.Equal(t, []Status{StatusSDKLoading, StatusSDKLoaded, StatusSDKInitializing, StatusCreatingInstance}, statuses)
	roundTrip(t, inst, ex)
}

func TestMockInstanceLeavesSuppliedClientOpen(t *testing.T) {
	ex := newExecutor(t, fhe.LocalChainID, encryption.SchemeElGamal)
	client := rpcClient(t, ex, "")
	inst, err := CreateInstance(context.Background(), Config{RPCClient: client})
	require.NoError(t, err)
	inst.Close()

	var meta fhe.Metadata
	require.NoError(t, client.CallContext(context.Background(), &meta, "fhevm_relayerMetadata"))
	assert.Equal(t, ex.Metadata(), meta)

	again, err := CreateInstance(context.Background(), Config{RPCClient: client})
	require.NoError(t, err)
	defer again.Close()
	roundTrip(t, again, ex)
}

func TestRelayerEmptyResponse(t *testing.T) {
	ex := newExecutor(t, fhe.SepoliaChainID, encryption.SchemeElGamal)
	relayer := fhe.NewRelayerHandler(ex, nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"response":null}`))
			return
		}
		http.StripPrefix("/v1", relayer).ServeHTTP(w, r)
	}))
	defer server.Close()

	inst, err := CreateInstance(context.Background(), Config{RPCClient: rpcClient(t, ex, ""), RelayerURL: server.URL})
	require.NoError(t, err)
	defer inst.Close()

	userKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	user := crypto.PubkeyToAddress(userKey.PublicKey)

	_, err = inst.CreateEncryptedInput(contract, user).Add32(5).Encrypt(context.Background())
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.True(t, failure.Retryable(err))

	handle := fhe.Handle{30: byte(fhe.Euint32)}
	_, err = inst.UserDecrypt(context.Background(), signedRequest(t, inst, userKey, []fhe.Handle{handle}))
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, failure.Infrastructure, failure.KindOf(err))
}

func TestCreateInstanceFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("not a simulation node", func(t *testing.T) {
		ex := newExecutor(t, fhe.LocalChainID, encryption.SchemeElGamal)
		_, err := CreateInstance(ctx, Config{RPCClient: rpcClient(t, ex, "Geth/v1.14.11")})
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		assert.True(t, failure.Retryable(err))
	})

	t.Run("unsupported chain", func(t *testing.T) {
		ex := newExecutor(t, 1, encryption.SchemeElGamal)
		_, err := CreateInstance(ctx, Config{RPCClient: rpcClient(t, ex, "")})
		assert.ErrorIs(t, err, ErrUnsupportedNetwork)
	})

	t.Run("relayer down", func(t *testing.T) {
		ex := newExecutor(t, fhe.SepoliaChainID, encryption.SchemeElGamal)
		server := httptest.NewServer(http.NotFoundHandler())
		defer server.Close()
		_, err := CreateInstance(ctx, Config{RPCClient: rpcClient(t, ex, ""), RelayerURL: server.URL})
		assert.ErrorIs(t, err, ErrSdkUnavailable)
	})

	t.Run("relayer serves another chain", func(t *testing.T) {
		ex := newExecutor(t, fhe.SepoliaChainID, encryption.SchemeElGamal)
		other := newExecutor(t, 5, encryption.SchemeElGamal)
		server := relayerServer(t, other)
		_, err := CreateInstance(ctx, Config{RPCClient: rpcClient(t, ex, ""), RelayerURL: server.URL})
		assert.ErrorIs(t, err, ErrSdkUnavailable)
	})
}

func TestSDKLoaderRetriesAfterFailure(t *testing.T) {
	ex := newExecutor(t, fhe.SepoliaChainID, encryption.SchemeElGamal)
	relayer := fhe.NewRelayerHandler(ex, nil)
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		http.StripPrefix("/v1", relayer).ServeHTTP(w, r)
	}))
	defer server.Close()

	loader := NewSDKLoader(server.URL, nil)
	assert.Equal(t, Uninitialized, loader.State())

	_, err := loader.Load(context.Background())
	require.ErrorIs(t, err, ErrSdkUnavailable)
	assert.True(t, failure.Retryable(err))
	assert.Equal(t, Failed, loader.State())

	key, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Ready, loader.State())
	assert.Equal(t, ex.Metadata().ChainID, key.Metadata.ChainID)

	_, err = loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestEncryptedInputRejectsUnencodableValues(t *testing.T) {
	ex := newExecutor(t, fhe.LocalChainID, encryption.SchemeElGamal)
	inst, err := NewMockInstance(context.Background(), rpcClient(t, ex, ""), nil)
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name  string
		build func(*EncryptedInput) *EncryptedInput
	}{
		{"empty", func(in *EncryptedInput) *EncryptedInput { return in }},
		{"euint8 overflow", func(in *EncryptedInput) *EncryptedInput { return in.Add8(256) }},
		{"euint16 overflow", func(in *EncryptedInput) *EncryptedInput { return in.Add32(1).Add16(1 << 16) }},
		{"scheme capacity", func(in *EncryptedInput) *EncryptedInput { return in.Add32(1 << 20) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build(inst.CreateEncryptedInput(contract, contract)).Encrypt(ctx)
			assert.ErrorIs(t, err, ErrEncodingFailure)
			assert.Equal(t, failure.Validation, failure.KindOf(err))
		})
	}
}
