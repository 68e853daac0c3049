package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ratevault-backend/failure"
	"ratevault-backend/fhe"
	"ratevault-backend/models"
	"ratevault-backend/registry"
)

var errTransport = failure.New(failure.Infrastructure, "ledger node unreachable")

// Client talks to a node's ledger routes. It implements service.Ledger.
type Client struct {
	baseURL string
	http    *http.Client

	mu       sync.Mutex
	contract *ContractResponse
}

// NewClient returns a client for the node at baseURL. A nil httpClient gets
// a 30s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Contract returns the registry address and network of the node. The
// answer is cached for the life of the client.
func (c *Client) Contract(ctx context.Context) (*ContractResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.contract != nil {
		return c.contract, nil
	}
	var resp ContractResponse
	if err := c.get(ctx, "/api/contract", &resp); err != nil {
		return nil, err
	}
	c.contract = &resp
	return c.contract, nil
}

func (c *Client) ContractAddress(ctx context.Context) (common.Address, error) {
	contract, err := c.Contract(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return contract.Address, nil
}

func (c *Client) Submit(ctx context.Context, tx *models.Transaction) (*registry.Receipt, error) {
	var receipt registry.Receipt
	if err := c.post(ctx, "/api/tx", tx, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *Client) GetRating(ctx context.Context, id uint64) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := c.get(ctx, fmt.Sprintf("/api/ratings/%d", id), &campaign); err != nil {
		return nil, err
	}
	return &campaign, nil
}

func (c *Client) GetRatings(ctx context.Context, offset, limit uint64) ([]*models.Campaign, error) {
	q := url.Values{}
	q.Set("offset", fmt.Sprint(offset))
	q.Set("limit", fmt.Sprint(limit))
	var campaigns []*models.Campaign
	if err := c.get(ctx, "/api/ratings?"+q.Encode(), &campaigns); err != nil {
		return nil, err
	}
	return campaigns, nil
}

func (c *Client) RatingCount(ctx context.Context) (uint64, error) {
	var resp CountResponse
	if err := c.get(ctx, "/api/ratings/count", &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) GetMyCreatedRatings(ctx context.Context, account common.Address) ([]uint64, error) {
	var resp IDsResponse
	if err := c.get(ctx, "/api/accounts/"+account.Hex()+"/created", &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

func (c *Client) GetMyRatedRatings(ctx context.Context, account common.Address) ([]uint64, error) {
	var resp IDsResponse
	if err := c.get(ctx, "/api/accounts/"+account.Hex()+"/rated", &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

func (c *Client) HasRated(ctx context.Context, id uint64, account common.Address) (bool, error) {
	var resp RatedResponse
	if err := c.get(ctx, fmt.Sprintf("/api/ratings/%d/rated/%s", id, account.Hex()), &resp); err != nil {
		return false, err
	}
	return resp.Rated, nil
}

func (c *Client) GetAggregatedScores(ctx context.Context, id uint64) ([]fhe.Handle, error) {
	var resp HandlesResponse
	if err := c.get(ctx, fmt.Sprintf("/api/ratings/%d/aggregate", id), &resp); err != nil {
		return nil, err
	}
	return resp.Handles, nil
}

func (c *Client) GetMyRating(ctx context.Context, id uint64, account common.Address) ([]fhe.Handle, error) {
	var resp HandlesResponse
	if err := c.get(ctx, fmt.Sprintf("/api/ratings/%d/submissions/%s", id, account.Hex()), &resp); err != nil {
		return nil, err
	}
	return resp.Handles, nil
}

// Ledger returns a window of the node's block log.
func (c *Client) Ledger(ctx context.Context, offset, limit int) (*ChainInfo, error) {
	var info ChainInfo
	if err := c.get(ctx, fmt.Sprintf("/api/ledger?offset=%d&limit=%d", offset, limit), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
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

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errTransport, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", errTransport, err)
	}
	if res.StatusCode != http.StatusOK {
		var apiErr ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return &failure.Error{Kind: failure.ParseKind(apiErr.Kind), Msg: apiErr.Error}
		}
		return fmt.Errorf("%w: %s %s: status %d", errTransport, req.Method, req.URL.Path, res.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
