package fhevm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"ratevault-backend/failure"
	"ratevault-backend/fhe"
)

const (
	pathKeyURL      = "/v1/keyurl"
	pathInputProof  = "/v1/input-proof"
	pathUserDecrypt = "/v1/user-decrypt"
)

// RelayerInstance talks to a remote coprocessor through its relayer.
type RelayerInstance struct {
	*runtime
	client *relayerClient
}

// NewRelayerInstance builds an instance from a loaded SDK.
func NewRelayerInstance(ctx context.Context, loader *SDKLoader, logger *zap.Logger) (*RelayerInstance, error) {
	key, err := loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	r := &RelayerInstance{client: loader.client}
	rt, err := newRuntime(key, r, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSdkUnavailable, err)
	}
	r.runtime = rt
	return r, nil
}

func (r *RelayerInstance) ingest(ctx context.Context, req fhe.InputRequest) (*fhe.InputResponse, error) {
	var resp fhe.RelayerEnvelope[*fhe.InputResponse]
	if err := r.client.post(ctx, pathInputProof, req, &resp); err != nil {
		return nil, remoteError("input proof", err)
	}
	if resp.Response == nil {
		return nil, fmt.Errorf("%w: %s", ErrEmptyResponse, pathInputProof)
	}
	return resp.Response, nil
}

func (r *RelayerInstance) userDecrypt(ctx context.Context, req fhe.UserDecryptRequest) (*fhe.UserDecryptResponse, error) {
	var resp fhe.RelayerEnvelope[*fhe.UserDecryptResponse]
	if err := r.client.post(ctx, pathUserDecrypt, req, &resp); err != nil {
		return nil, remoteError("user decrypt", err)
	}
	if resp.Response == nil {
		return nil, fmt.Errorf("%w: %s", ErrEmptyResponse, pathUserDecrypt)
	}
	return resp.Response, nil
}

func (r *RelayerInstance) Close() {}

type relayerClient struct {
	baseURL string
	http    *http.Client
}

func (c *relayerClient) keyURL(ctx context.Context) (*fhe.NetworkKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathKeyURL, nil)
	if err != nil {
		return nil, err
	}
	var resp fhe.RelayerEnvelope[*fhe.NetworkKey]
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	if resp.Response == nil || len(resp.Response.PublicKey) == 0 {
		return nil, fmt.Errorf("relayer returned no network key")
	}
	return resp.Response, nil
}

func (c *relayerClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *relayerClient) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 32<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		var relayerErr fhe.RelayerError
		if json.Unmarshal(body, &relayerErr) == nil && relayerErr.Code != 0 {
			return failure.FromCode(relayerErr.Code, relayerErr.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, res.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
