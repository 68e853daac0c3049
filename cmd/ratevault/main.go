// Command ratevault is the RatingVault client. It signs ledger
// transactions with a local key, encrypts scores for the node's coprocessor
// and decrypts whatever the key is allowed to see.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ratevault-backend/api"
	"ratevault-backend/encryption"
	"ratevault-backend/failure"
	"ratevault-backend/fhevm"
	"ratevault-backend/grant"
	"ratevault-backend/models"
	"ratevault-backend/service"
	"ratevault-backend/storage"
)

const usage = `usage: ratevault [flags] <command> [args]

commands:
  create -name N -dims a,b[,c...] [-desc D] [-min 1] [-max 10] [-ttl 72h]
  submit <id> <score,score,...>
  close <id>
  list [-offset 0] [-limit 50]
  show <id>
  mine                decrypt every rating you submitted
  stats <id>          decrypt and summarize totals (creator only)
  ledger [-offset 0] [-limit 50]
`

type Config struct {
	NodeURL   string
	KeyFile   string
	GrantDir  string
	Workers   int
	Timeout   time.Duration
	Verbose   bool
	Command   string
	Arguments []string
}

type client struct {
	instance fhevm.Instance
	gateway  *service.Gateway
	session  *service.Session
	ledger   *api.Client
	queue    *service.Queue
	out      *json.Encoder
}

func main() {
	config := parseFlags()

	logger := zap.NewNop()
	if config.Verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			log.Fatalf("Failed to create logger: %v", err)
		}
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	c, err := connect(ctx, config, logger)
	if err != nil {
		fail(err)
	}
	defer c.close()

	if err := c.run(ctx, config.Command, config.Arguments); err != nil {
		fail(err)
	}
}

func parseFlags() *Config {
	config := &Config{}
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".ratevault")

	flag.StringVar(&config.NodeURL, "node", "http://localhost:8545", "Node base URL")
	flag.StringVar(&config.KeyFile, "key", filepath.Join(base, "key.json"), "Account key file, created if missing")
	flag.StringVar(&config.GrantDir, "grants", filepath.Join(base, "grants"), "Directory of cached decryption grants")
	flag.IntVar(&config.Workers, "workers", 4, "Concurrent decryptions")
	flag.DurationVar(&config.Timeout, "timeout", 2*time.Minute, "Overall command timeout")
	flag.BoolVar(&config.Verbose, "v", false, "Debug logging to stderr")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	config.Command = flag.Arg(0)
	config.Arguments = flag.Args()[1:]
	return config
}

// connect builds the client stack against the node and checks the session
// and the node agree on the network.
func connect(ctx context.Context, config *Config, logger *zap.Logger) (*client, error) {
	if err := os.MkdirAll(filepath.Dir(config.KeyFile), 0700); err != nil {
		return nil, err
	}
	key, err := encryption.LoadOrGenerateKey(config.KeyFile)
	if err != nil {
		return nil, err
	}

	ledger := api.NewClient(config.NodeURL, nil)
	contract, err := ledger.Contract(ctx)
	if err != nil {
		return nil, err
	}
	instance, err := fhevm.CreateInstance(ctx, fhevm.Config{
		RPCURL:     strings.TrimRight(config.NodeURL, "/") + "/rpc",
		RelayerURL: config.NodeURL,
		Logger:     logger.Named("fhevm"),
		OnStatus: func(s fhevm.Status) {
			logger.Debug("instance status", zap.String("status", string(s)))
		},
	})
	if err != nil {
		return nil, err
	}

	kv, err := storage.NewJSONStore(config.GrantDir)
	if err != nil {
		instance.Close()
		return nil, err
	}
	grants := grant.NewManager(instance, grant.NewCache(kv, grant.WithCacheLogger(logger)), grant.WithLogger(logger))

	session := service.NewSession(grants, logger.Named("session"))
	if err := session.Connect(grant.NewKeySigner(key), instance.Metadata().ChainID); err != nil {
		instance.Close()
		return nil, err
	}
	if err := session.RequireNetwork(contract.ChainID); err != nil {
		instance.Close()
		return nil, err
	}

	gateway := service.NewGateway(ledger, instance, grants, service.WithGatewayLogger(logger.Named("gateway")))
	queue := service.NewQueue(gateway, config.Workers, 64, logger.Named("queue"))
	queue.Start()

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	return &client{
		instance: instance,
		gateway:  gateway,
		session:  session,
		ledger:   ledger,
		queue:    queue,
		out:      out,
	}, nil
}

func (c *client) close() {
	c.queue.Stop()
	c.instance.Close()
}

func (c *client) run(ctx context.Context, command string, args []string) error {
	signer, err := c.session.Signer()
	if err != nil {
		return err
	}

	switch command {
	case "create":
		fs := flag.NewFlagSet("create", flag.ContinueOnError)
		name := fs.String("name", "", "Campaign name")
		desc := fs.String("desc", "", "Campaign description")
		dims := fs.String("dims", "", "Comma separated dimension names")
		minScore := fs.Uint("min", 1, "Lowest score")
		maxScore := fs.Uint("max", 10, "Highest score")
		ttl := fs.Duration("ttl", 0, "Time until the campaign expires, 0 for never")
		if err := fs.Parse(args); err != nil {
			return err
		}
		params := models.CreateRatingParams{
			Name:        *name,
			Description: *desc,
			Dimensions:  splitList(*dims),
			MinScore:    uint32(*minScore),
			MaxScore:    uint32(*maxScore),
		}
		if *ttl > 0 {
			params.Deadline = uint64(time.Now().Add(*ttl).Unix())
		}
		id, err := c.gateway.CreateRating(ctx, signer, params)
		if err != nil {
			return err
		}
		return c.out.Encode(map[string]uint64{"id": id})

	case "submit":
		if len(args) != 2 {
			return errUsage
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		scores, err := parseScores(args[1])
		if err != nil {
			return err
		}
		ch, err := c.queue.Enqueue(ctx, service.Job{Kind: service.JobSubmit, Signer: signer, RatingID: id, Scores: scores})
		if err != nil {
			return err
		}
		res := <-ch
		if res.Err != nil {
			return res.Err
		}
		return c.out.Encode(map[string]any{"id": id, "submitted": true})

	case "close":
		id, err := singleID(args)
		if err != nil {
			return err
		}
		if err := c.gateway.CloseRating(ctx, signer, id); err != nil {
			return err
		}
		return c.out.Encode(map[string]any{"id": id, "closed": true})

	case "list":
		offset, limit, err := pageFlags("list", args)
		if err != nil {
			return err
		}
		ratings, err := c.ledger.GetRatings(ctx, uint64(offset), uint64(limit))
		if err != nil {
			return err
		}
		return c.out.Encode(ratings)

	case "show":
		id, err := singleID(args)
		if err != nil {
			return err
		}
		rating, err := c.ledger.GetRating(ctx, id)
		if err != nil {
			return err
		}
		return c.out.Encode(rating)

	case "mine":
		return c.decryptMine(ctx, signer)

	case "stats":
		id, err := singleID(args)
		if err != nil {
			return err
		}
		stats, err := c.gateway.AggregatedStats(ctx, signer, id)
		if err != nil {
			return err
		}
		return c.out.Encode(stats)

	case "ledger":
		offset, limit, err := pageFlags("ledger", args)
		if err != nil {
			return err
		}
		info, err := c.ledger.Ledger(ctx, offset, limit)
		if err != nil {
			return err
		}
		return c.out.Encode(info)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, command)
}

type mineResult struct {
	RatingID uint64   `json:"rating_id"`
	Scores   []uint64 `json:"scores,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// decryptMine fans the decryptions of every rated campaign out over the
// queue. One failed campaign does not hide the others.
func (c *client) decryptMine(ctx context.Context, signer service.Signer) error {
	ids, err := c.ledger.GetMyRatedRatings(ctx, signer.Address())
	if err != nil {
		return err
	}
	jobs := make([]service.Job, len(ids))
	for i, id := range ids {
		jobs[i] = service.Job{Kind: service.JobDecryptMine, Signer: signer, RatingID: id}
	}
	chans, err := c.queue.EnqueueBatch(ctx, jobs)
	if err != nil {
		return err
	}
	results := make([]mineResult, 0, len(chans))
	for _, ch := range chans {
		res := <-ch
		r := mineResult{RatingID: res.RatingID, Scores: res.Values}
		if res.Err != nil {
			r.Error = res.Err.Error()
		}
		results = append(results, r)
	}
	return c.out.Encode(results)
}

var errUsage = failure.New(failure.Validation, "bad arguments")

func singleID(args []string) (uint64, error) {
	if len(args) != 1 {
		return 0, errUsage
	}
	return parseID(args[0])
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid rating id %q", errUsage, s)
	}
	return id, nil
}

func parseScores(s string) ([]uint64, error) {
	parts := splitList(s)
	scores := make([]uint64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid score %q", errUsage, p)
		}
		scores[i] = v
	}
	return scores, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func pageFlags(name string, args []string) (offset, limit int, err error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.IntVar(&offset, "offset", 0, "First entry")
	fs.IntVar(&limit, "limit", 50, "Entries per page")
	if err := fs.Parse(args); err != nil {
		return 0, 0, err
	}
	return offset, limit, nil
}

// fail prints err with its kind and exits. Usage errors exit 2.
func fail(err error) {
	kind := failure.KindOf(err)
	fmt.Fprintf(os.Stderr, "ratevault: %s error: %v\n", kind, err)
	if errors.Is(err, errUsage) {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if failure.Retryable(err) {
		fmt.Fprintln(os.Stderr, "the node may be unavailable, try again")
	}
	os.Exit(1)
}
