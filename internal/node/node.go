// Package node assembles a running peer: identity, storage, policy, the
// worker pool, the protocol service, the reactor and the admin server.
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/peerctl/internal/admin"
	"github.com/danmuck/peerctl/internal/identity"
	"github.com/danmuck/peerctl/internal/policy"
	"github.com/danmuck/peerctl/internal/reactor"
	"github.com/danmuck/peerctl/internal/service"
	"github.com/danmuck/peerctl/internal/storage"
	"github.com/danmuck/peerctl/internal/worker"
)

// PolicyConfig seeds the policy store on start.
type PolicyConfig struct {
	Default policy.Config
	Seed    []string
	Follow  []string
	Block   []string
}

type Config struct {
	// DataDir holds the key, storage and policy databases. Empty runs the
	// node in memory with a fresh identity.
	DataDir string
	KeyFile string
	Reactor reactor.Config
	Worker  worker.Config
	Service service.Config
	Policy  PolicyConfig
	Admin   admin.Config
}

func DefaultConfig() Config {
	return Config{
		Reactor: reactor.DefaultConfig(),
		Worker:  worker.DefaultConfig(),
		Service: service.DefaultConfig(),
		Policy:  PolicyConfig{Default: policy.DefaultConfig()},
		Admin:   admin.DefaultConfig(),
	}
}

type Node struct {
	cfg     Config
	signer  *identity.Signer
	store   storage.Store
	policy  *policy.Store
	pool    *worker.Pool
	service *service.Service
	reactor *reactor.Reactor
	admin   *admin.Server
}

func New(cfg Config) (*Node, error) {
	n := &Node{cfg: cfg}
	if err := n.open(); err != nil {
		return nil, multierr.Append(err, n.Close())
	}
	log.Info().Msgf("node.New id=%s listen=%s data_dir=%q", n.signer.ID(), n.reactor.LocalAddr(), cfg.DataDir)
	return n, nil
}

func (n *Node) open() error {
	var err error
	rcfg := n.cfg.Reactor.WithDefaults()
	if err := n.cfg.Service.CheckLimits(rcfg.Limits, rcfg.MaxWriteBuffer); err != nil {
		return err
	}
	if n.cfg.DataDir != "" {
		if err := os.MkdirAll(n.cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("node: data dir: %w", err)
		}
	}
	if n.signer, err = loadSigner(n.cfg); err != nil {
		return err
	}
	if n.store, err = openStore(n.cfg); err != nil {
		return err
	}
	if n.policy, err = openPolicy(n.cfg); err != nil {
		return err
	}

	n.pool = worker.NewPool(n.cfg.Worker, worker.RepositoryExecutor{Store: n.store})
	n.service = service.New(n.cfg.Service, n.signer, n.policy, n.pool)
	if n.reactor, err = reactor.New(n.cfg.Reactor, n.service, n.pool.Results()); err != nil {
		return err
	}
	n.pool.SetWaker(n.reactor.Controller())
	if strings.TrimSpace(n.cfg.Admin.Addr) != "" {
		n.admin = admin.New(n.cfg.Admin, n.signer.ID(), n.reactor.Controller())
	}
	return nil
}

func (n *Node) ID() identity.NodeID {
	return n.signer.ID()
}

// Addr is the bound peer listen address.
func (n *Node) Addr() string {
	return n.reactor.LocalAddr()
}

func (n *Node) Controller() *reactor.Controller {
	return n.reactor.Controller()
}

func (n *Node) Store() storage.Store {
	return n.store
}

func (n *Node) Policy() *policy.Store {
	return n.policy
}

// Run blocks until ctx is done or the reactor stops, then waits for the
// pool and admin server to wind down.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.pool.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return n.reactor.Run(gctx)
	})
	if n.admin != nil {
		g.Go(func() error {
			return n.admin.Run(gctx)
		})
	}
	err := g.Wait()
	log.Info().Msgf("node.Node.Run stopped id=%s err=%v", n.signer.ID(), err)
	return err
}

// Close releases storage and policy. The reactor is closed here only if it
// never ran.
func (n *Node) Close() error {
	var err error
	if n.reactor != nil {
		err = multierr.Append(err, n.reactor.Close())
	}
	if n.store != nil {
		err = multierr.Append(err, n.store.Close())
	}
	if n.policy != nil {
		err = multierr.Append(err, n.policy.Close())
	}
	return err
}

func loadSigner(cfg Config) (*identity.Signer, error) {
	path := cfg.KeyFile
	if path == "" && cfg.DataDir != "" {
		path = filepath.Join(cfg.DataDir, "node.key")
	}
	if path == "" {
		return identity.Generate()
	}
	return identity.LoadOrCreate(path)
}

func openStore(cfg Config) (storage.Store, error) {
	if cfg.DataDir == "" {
		return storage.NewMemoryStore(), nil
	}
	s, err := storage.OpenSQLite(filepath.Join(cfg.DataDir, "storage.db"))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openPolicy(cfg Config) (*policy.Store, error) {
	var (
		pol *policy.Store
		err error
	)
	if cfg.DataDir == "" {
		pol = policy.NewMemory(cfg.Policy.Default)
	} else if pol, err = policy.OpenSQLite(filepath.Join(cfg.DataDir, "policy.db"), cfg.Policy.Default); err != nil {
		return nil, err
	}
	if err := applyPolicy(pol, cfg.Policy); err != nil {
		return nil, multierr.Append(err, pol.Close())
	}
	return pol, nil
}

func applyPolicy(pol *policy.Store, cfg PolicyConfig) error {
	for _, repo := range cfg.Seed {
		if err := pol.Seed(storage.RepoID(repo), cfg.Default.DefaultScope); err != nil {
			return err
		}
	}
	for _, raw := range cfg.Follow {
		id, err := identity.ParseNodeID(raw)
		if err != nil {
			return fmt.Errorf("node: follow %q: %w", raw, err)
		}
		if err := pol.Follow(id, ""); err != nil {
			return err
		}
	}
	for _, raw := range cfg.Block {
		id, err := identity.ParseNodeID(raw)
		if err != nil {
			return fmt.Errorf("node: block %q: %w", raw, err)
		}
		if err := pol.Block(id); err != nil {
			return err
		}
	}
	return nil
}
