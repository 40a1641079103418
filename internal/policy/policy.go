// Package policy decides which peers and repositories the node deals with.
//
// Lookups are served from memory so the reactor can consult them inline.
// When backed by sqlite every change is written through before it is applied.
package policy

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/peerctl/internal/identity"
	"github.com/danmuck/peerctl/internal/storage"
	"github.com/rs/zerolog/log"
)

var (
	ErrBlockedNode = errors.New("policy: node is blocked")
	ErrNotSeeded   = errors.New("policy: repository is not seeded")
	ErrNotFollowed = errors.New("policy: node is not followed")
)

type Policy int

const (
	Block Policy = iota
	Allow
)

func (p Policy) String() string {
	if p == Allow {
		return "allow"
	}
	return "block"
}

func ParsePolicy(raw string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "allow":
		return Allow, nil
	case "block":
		return Block, nil
	default:
		return Block, fmt.Errorf("policy: unknown policy %q", raw)
	}
}

// Scope limits whose data is accepted for a seeded repository.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeFollowed
)

func (s Scope) String() string {
	if s == ScopeFollowed {
		return "followed"
	}
	return "all"
}

func ParseScope(raw string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "all", "":
		return ScopeAll, nil
	case "followed":
		return ScopeFollowed, nil
	default:
		return ScopeAll, fmt.Errorf("policy: unknown scope %q", raw)
	}
}

type SeedPolicy struct {
	Repo   storage.RepoID
	Policy Policy
	Scope  Scope
}

type FollowPolicy struct {
	Node   identity.NodeID
	Policy Policy
	Alias  string
}

// Config sets the answer for repositories without an explicit entry.
type Config struct {
	DefaultPolicy Policy
	DefaultScope  Scope
}

func DefaultConfig() Config {
	return Config{DefaultPolicy: Block, DefaultScope: ScopeAll}
}

type Store struct {
	mu      sync.RWMutex
	cfg     Config
	seeds   map[storage.RepoID]SeedPolicy
	follows map[identity.NodeID]FollowPolicy
	db      *sql.DB
}

func NewMemory(cfg Config) *Store {
	return &Store{
		cfg:     cfg,
		seeds:   make(map[storage.RepoID]SeedPolicy),
		follows: make(map[identity.NodeID]FollowPolicy),
	}
}

// SeedPolicy returns the entry for repo or the configured default.
func (s *Store) SeedPolicy(repo storage.RepoID) SeedPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.seeds[repo]; ok {
		return p
	}
	return SeedPolicy{Repo: repo, Policy: s.cfg.DefaultPolicy, Scope: s.cfg.DefaultScope}
}

func (s *Store) IsBlocked(node identity.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.follows[node]
	return ok && p.Policy == Block
}

func (s *Store) IsFollowed(node identity.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.follows[node]
	return ok && p.Policy == Allow
}

func (s *Store) IsSeeding(repo storage.RepoID) bool {
	return s.SeedPolicy(repo).Policy == Allow
}

// AllowServe reports whether node may fetch repo from us, or exchange data
// about it with us.
func (s *Store) AllowServe(node identity.NodeID, repo storage.RepoID) error {
	if s.IsBlocked(node) {
		return ErrBlockedNode
	}
	sp := s.SeedPolicy(repo)
	if sp.Policy != Allow {
		return fmt.Errorf("%w: %s", ErrNotSeeded, repo)
	}
	if sp.Scope == ScopeFollowed && !s.IsFollowed(node) {
		return fmt.Errorf("%w: %s", ErrNotFollowed, node)
	}
	return nil
}

// AllowGossip reports whether announcements from node about repo are kept.
func (s *Store) AllowGossip(node identity.NodeID, repo storage.RepoID) bool {
	return s.AllowServe(node, repo) == nil
}

// Seeded lists repositories with an explicit allow entry.
func (s *Store) Seeded() []storage.RepoID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.RepoID, 0, len(s.seeds))
	for repo, p := range s.seeds {
		if p.Policy == Allow {
			out = append(out, repo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) Seed(repo storage.RepoID, scope Scope) error {
	return s.setSeed(SeedPolicy{Repo: repo, Policy: Allow, Scope: scope})
}

func (s *Store) BlockRepo(repo storage.RepoID) error {
	return s.setSeed(SeedPolicy{Repo: repo, Policy: Block, Scope: s.cfg.DefaultScope})
}

func (s *Store) Follow(node identity.NodeID, alias string) error {
	return s.setFollow(FollowPolicy{Node: node, Policy: Allow, Alias: alias})
}

func (s *Store) Block(node identity.NodeID) error {
	return s.setFollow(FollowPolicy{Node: node, Policy: Block})
}

// Unseed drops the explicit entry for repo so the default applies again.
func (s *Store) Unseed(repo storage.RepoID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if _, err := s.db.Exec("DELETE FROM seeding WHERE repo = ?", repo); err != nil {
			return fmt.Errorf("policy: delete seed %s: %w", repo, err)
		}
	}
	delete(s.seeds, repo)
	log.Debug().Msgf("policy.Store.Unseed repo=%s", repo)
	return nil
}

func (s *Store) setSeed(p SeedPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if _, err := s.db.Exec(
			"INSERT OR REPLACE INTO seeding (repo, policy, scope) VALUES (?, ?, ?)",
			p.Repo, p.Policy.String(), p.Scope.String(),
		); err != nil {
			return fmt.Errorf("policy: write seed %s: %w", p.Repo, err)
		}
	}
	s.seeds[p.Repo] = p
	log.Debug().Msgf("policy.Store.setSeed repo=%s policy=%s scope=%s", p.Repo, p.Policy, p.Scope)
	return nil
}

func (s *Store) setFollow(p FollowPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if _, err := s.db.Exec(
			"INSERT OR REPLACE INTO following (node, policy, alias) VALUES (?, ?, ?)",
			p.Node.String(), p.Policy.String(), p.Alias,
		); err != nil {
			return fmt.Errorf("policy: write follow %s: %w", p.Node, err)
		}
	}
	s.follows[p.Node] = p
	log.Debug().Msgf("policy.Store.setFollow node=%s policy=%s", p.Node, p.Policy)
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
