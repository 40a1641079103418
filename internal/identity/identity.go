// Package identity holds node keys and the node id derived from them.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"
)

var (
	ErrInvalidNodeID = errors.New("identity: invalid node id")
	ErrInvalidKey    = errors.New("identity: invalid key file")
)

// NodeID is an ed25519 public key.
type NodeID [ed25519.PublicKeySize]byte

// String renders the id in multibase base58btc form.
func (id NodeID) String() string {
	return "z" + base58.Encode(id[:])
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *NodeID) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "z") {
		return NodeID{}, fmt.Errorf("%w: missing multibase prefix", ErrInvalidNodeID)
	}
	raw, err := base58.Decode(s[1:])
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	return NodeIDFromBytes(raw)
}

func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != len(id) {
		return NodeID{}, fmt.Errorf("%w: %d bytes", ErrInvalidNodeID, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Verify checks sig over msg against the key behind id.
func Verify(id NodeID, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(id[:]), msg, sig)
}

// Signer signs on behalf of the local node.
type Signer struct {
	key ed25519.PrivateKey
	id  NodeID
}

func Generate() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	return fromPrivate(priv), nil
}

func FromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed has %d bytes", ErrInvalidKey, len(seed))
	}
	return fromPrivate(ed25519.NewKeyFromSeed(seed)), nil
}

func fromPrivate(priv ed25519.PrivateKey) *Signer {
	s := &Signer{key: priv}
	copy(s.id[:], priv.Public().(ed25519.PublicKey))
	return s
}

func (s *Signer) ID() NodeID {
	return s.id
}

func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.key, msg)
}

// LoadOrCreate reads a base58 seed from path, creating the file when absent.
func LoadOrCreate(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, err := base58.Decode(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return FromSeed(seed)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("identity: read key: %w", err)
	}

	s, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("identity: create key dir: %w", err)
	}
	encoded := base58.Encode(s.key.Seed()) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("identity: write key: %w", err)
	}
	return s, nil
}
