package fhevm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"ratevault-backend/fhe"
)

// LoaderState is the state of an SDKLoader.
type LoaderState int

const (
	Uninitialized LoaderState = iota
	Loading
	Ready
	Failed
)

func (s LoaderState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SDKLoader fetches the relayer's network key once. Concurrent callers
// share an in-flight load; a failed load is retried on the next call.
type SDKLoader struct {
	client *relayerClient

	mu      sync.Mutex
	state   LoaderState
	attempt *loadAttempt
}

type loadAttempt struct {
	done chan struct{}
	key  *fhe.NetworkKey
	err  error
}

// NewSDKLoader loads from the relayer rooted at baseURL (for example
// "https://relayer.example"). A nil httpClient gets a 30s timeout client.
func NewSDKLoader(baseURL string, httpClient *http.Client) *SDKLoader {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &SDKLoader{
		client: &relayerClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient},
	}
}

func (l *SDKLoader) State() LoaderState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Load returns the network key, loading it if needed.
func (l *SDKLoader) Load(ctx context.Context) (*fhe.NetworkKey, error) {
	l.mu.Lock()
	switch l.state {
	case Ready:
		key := l.attempt.key
		l.mu.Unlock()
		return key, nil
	case Loading:
		attempt := l.attempt
		l.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.key, attempt.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	attempt := &loadAttempt{done: make(chan struct{})}
	l.state = Loading
	l.attempt = attempt
	l.mu.Unlock()

	key, err := l.client.keyURL(ctx)
	if err != nil {
		attempt.err = fmt.Errorf("%w: %v", ErrSdkUnavailable, err)
	} else {
		attempt.key = key
	}

	l.mu.Lock()
	if attempt.err != nil {
		l.state = Failed
	} else {
		l.state = Ready
	}
	close(attempt.done)
	l.mu.Unlock()
	return attempt.key, attempt.err
}
