package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ratevault-backend/api"
	"ratevault-backend/blockchain"
	"ratevault-backend/encryption"
	"ratevault-backend/fhe"
	"ratevault-backend/models"
	"ratevault-backend/registry"
	"ratevault-backend/service"
	"ratevault-backend/storage"
)

const (
	snapshotName = "node"
	keyFileName  = "node_key.json"

	// registryNonce is the deployment nonce of the registry contract; the
	// coprocessor contracts take nonces 0-2.
	registryNonce = 3
)

type Config struct {
	StorageDir       string
	Port             int
	Difficulty       uint8
	Scheme           string
	KeySize          int
	ChainID          uint64
	SnapshotInterval time.Duration
	SnapshotKeep     int
	Development      bool
}

// nodeSnapshot is everything that is not in the block log.
type nodeSnapshot struct {
	Executor *fhe.ExecutorState `json:"executor"`
	Registry *registry.State    `json:"registry"`
}

type Node struct {
	config    *Config
	logger    *zap.Logger
	executor  *fhe.Executor
	registry  *registry.Registry
	ledger    *service.LocalLedger
	rpc       *rpc.Server
	metrics   *service.MetricsCollector
	snapshots *storage.SnapshotStore
	dirty     atomic.Bool
}

func main() {
	config := parseFlags()

	logger, err := newLogger(config.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := setupStorageDirectory(config.StorageDir); err != nil {
		logger.Fatal("failed to setup storage", zap.Error(err))
	}

	node, err := newNode(config, logger)
	if err != nil {
		logger.Fatal("failed to initialize node", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	if err := node.Run(ctx); err != nil {
		logger.Fatal("node stopped", zap.Error(err))
	}
	logger.Info("server shutdown completed")
}

func parseFlags() *Config {
	config := &Config{}

	flag.StringVar(&config.StorageDir, "storage", "data", "Directory for ledger, snapshots and keys")
	flag.IntVar(&config.Port, "port", 8545, "Server port")
	flag.StringVar(&config.Scheme, "scheme", encryption.SchemePaillier, "Homomorphic scheme: paillier, elgamal or bgv")
	flag.IntVar(&config.KeySize, "keysize", 2048, "Paillier modulus size in bits")
	flag.Uint64Var(&config.ChainID, "chain-id", fhe.LocalChainID, "Chain id served to clients")
	flag.DurationVar(&config.SnapshotInterval, "snapshot-interval", 30*time.Second, "How often changed state is snapshotted")
	flag.IntVar(&config.SnapshotKeep, "snapshot-keep", storage.DefaultKeep, "Snapshots kept on disk")
	flag.BoolVar(&config.Development, "dev", false, "Human readable debug logging")

	var difficultyInt int
	flag.IntVar(&difficultyInt, "difficulty", 0, "Mining difficulty (0-32)")

	flag.Parse()

	if difficultyInt < 0 || difficultyInt > 32 {
		log.Fatal("Difficulty must be between 0 and 32")
	}
	config.Difficulty = uint8(difficultyInt)

	return config
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func setupStorageDirectory(baseDir string) error {
	for _, dir := range []string{"", "chain", "snapshots"} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0755); err != nil {
			return err
		}
	}
	return nil
}

// newNode restores the coprocessor and registry from the latest snapshot,
// or starts fresh, opens the block log and replays the blocks the snapshot
// does not cover.
func newNode(config *Config, logger *zap.Logger) (*Node, error) {
	baseDir, err := filepath.Abs(config.StorageDir)
	if err != nil {
		return nil, err
	}
	key, err := encryption.LoadOrGenerateKey(filepath.Join(baseDir, keyFileName))
	if err != nil {
		return nil, err
	}
	snapshots, err := storage.NewSnapshotStore(filepath.Join(baseDir, "snapshots"), config.SnapshotKeep)
	if err != nil {
		return nil, err
	}
	var snap nodeSnapshot
	restored, err := snapshots.LoadLatest(snapshotName, &snap)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	executor, err := newExecutor(config, key, restored, snap.Executor, logger)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewJSONStore(filepath.Join(baseDir, "chain"))
	if err != nil {
		return nil, err
	}
	chain, err := blockchain.Open(registry.ChainName,
		blockchain.WithStore(store),
		blockchain.WithDifficulty(config.Difficulty),
		blockchain.WithLogger(logger.Named("chain")))
	if err != nil {
		return nil, err
	}

	n := &Node{
		config:    config,
		logger:    logger,
		executor:  executor,
		metrics:   service.NewMetricsCollector(),
		snapshots: snapshots,
	}

	address := registryAddress(key)
	reg, err := registry.New(address, executor,
		registry.WithChain(chain),
		registry.WithCommitHook(n.persist),
		registry.WithLogger(logger.Named("registry")))
	if err != nil {
		return nil, err
	}
	n.registry = reg

	from := 0
	switch {
	case restored && (snap.Registry == nil || snap.Executor == nil):
		return nil, errors.New("snapshot is missing registry or coprocessor state")
	case restored:
		if snap.Registry.Blocks > chain.Len() {
			return nil, fmt.Errorf("snapshot covers %d blocks but the block log has %d", snap.Registry.Blocks, chain.Len())
		}
		if err := reg.Restore(snap.Registry); err != nil {
			return nil, fmt.Errorf("failed to restore registry: %w", err)
		}
		from = snap.Registry.Blocks
	case chain.Len() > 0:
		return nil, fmt.Errorf("block log has %d blocks but there is no snapshot to replay them onto", chain.Len())
	}
	replayed, err := reg.Replay(context.Background(), from)
	if err != nil {
		return nil, fmt.Errorf("failed to replay block log: %w", err)
	}
	if replayed > 0 {
		logger.Info("replayed blocks past the snapshot", zap.Int("from", from), zap.Int("blocks", replayed))
		if err := n.saveSnapshot(); err != nil {
			return nil, err
		}
	}

	n.ledger, err = service.NewLocalLedger(reg, logger.Named("ledger"))
	if err != nil {
		return nil, err
	}
	n.rpc, err = fhe.NewRPCServer(executor, "")
	if err != nil {
		return nil, err
	}

	logger.Info("node initialized",
		zap.String("registry", address.Hex()),
		zap.String("coprocessor", crypto.PubkeyToAddress(key.PublicKey).Hex()),
		zap.Uint64("chain_id", config.ChainID),
		zap.String("scheme", config.Scheme),
		zap.Bool("restored", restored),
		zap.Uint64("ratings", reg.RatingCount()))
	return n, nil
}

func newExecutor(config *Config, key *ecdsa.PrivateKey, restored bool, state *fhe.ExecutorState, logger *zap.Logger) (*fhe.Executor, error) {
	cfg := fhe.Config{ChainID: config.ChainID}
	opt := fhe.WithLogger(logger.Named("coprocessor"))
	if restored && state != nil {
		return fhe.RestoreExecutor(state, key, cfg, opt)
	}
	scheme, err := encryption.NewScheme(config.Scheme, config.KeySize)
	if err != nil {
		return nil, err
	}
	return fhe.NewExecutor(scheme, key, cfg, opt), nil
}

func registryAddress(key *ecdsa.PrivateKey) common.Address {
	return crypto.CreateAddress(crypto.PubkeyToAddress(key.PublicKey), registryNonce)
}

// Run serves HTTP until ctx is cancelled, snapshotting changed state along
// the way and once more on the way out.
func (n *Node) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", n.config.Port),
		Handler: api.NewServer(n.ledger, n.executor,
			api.WithRPC(n.rpc),
			api.WithMetrics(n.metrics),
			api.WithLogger(n.logger.Named("api"))).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	changes, unsubscribe := n.watchRegistry()
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.logger.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		n.rpc.Stop()
		return err
	})
	g.Go(func() error {
		return n.snapshotLoop(ctx, changes)
	})

	err := g.Wait()
	if saveErr := n.saveSnapshot(); saveErr != nil {
		n.logger.Error("final snapshot failed", zap.Error(saveErr))
	}
	return err
}

// watchRegistry subscribes to every registry event. The returned channel
// receives a value per state change.
func (n *Node) watchRegistry() (<-chan struct{}, func()) {
	created := make(chan models.RatingCreated, 16)
	submitted := make(chan models.RatingSubmitted, 16)
	closed := make(chan models.RatingClosed, 16)
	subs := []event.Subscription{
		n.registry.SubscribeRatingCreated(created),
		n.registry.SubscribeRatingSubmitted(submitted),
		n.registry.SubscribeRatingClosed(closed),
	}

	changes := make(chan struct{}, 1)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case <-quit:
				return
			case <-created:
			case <-submitted:
			case <-closed:
			}
			select {
			case changes <- struct{}{}:
			default:
			}
		}
	}()
	return changes, func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		close(quit)
	}
}

// snapshotLoop saves the state on each tick that follows a change.
func (n *Node) snapshotLoop(ctx context.Context, changes <-chan struct{}) error {
	ticker := time.NewTicker(n.config.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			n.dirty.Store(true)
		case <-ticker.C:
			if !n.dirty.Load() {
				continue
			}
			if err := n.saveSnapshot(); err != nil {
				n.logger.Error("snapshot failed", zap.Error(err))
			}
		}
	}
}

func (n *Node) saveSnapshot() error {
	n.dirty.Store(false)
	if err := n.registry.Persist(); err != nil {
		n.dirty.Store(true)
		return err
	}
	return nil
}

// persist is the registry's commit hook. The executor state is taken after
// the registry state so every handle the registry references is in it.
func (n *Node) persist(regState *registry.State) error {
	exState, err := n.executor.Snapshot()
	if err != nil {
		return err
	}
	if err := n.snapshots.Save(snapshotName, nodeSnapshot{Executor: exState, Registry: regState}); err != nil {
		return err
	}
	n.logger.Debug("saved snapshot", zap.Int("blocks", regState.Blocks), zap.Int("ratings", len(regState.Campaigns)))
	return nil
}
