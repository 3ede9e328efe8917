package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"meshjobs/internal/apperrors"
)

// KeyFile is the on-disk format of static API keys.
//
//	owners:
//	  - name: alice
//	    key: 3f9a...
type KeyFile struct {
	Owners []KeyEntry `yaml:"owners"`
}

// KeyEntry maps one API key to an owner.
type KeyEntry struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

type hashedKey struct {
	owner string
	sum   [sha256.Size]byte
}

// KeyGate accepts static API keys.
type KeyGate struct {
	keys []hashedKey
}

// NewKeyGate builds a gate from entries. Names and keys must be non-empty
// and keys unique.
func NewKeyGate(entries []KeyEntry) (*KeyGate, error) {
	g := &KeyGate{keys: make([]hashedKey, 0, len(entries))}
	seen := make(map[[sha256.Size]byte]bool, len(entries))
	for i, e := range entries {
		if e.Name == "" || e.Key == "" {
			return nil, fmt.Errorf("owners[%d]: name and key are required", i)
		}
		sum := sha256.Sum256([]byte(e.Key))
		if seen[sum] {
			return nil, fmt.Errorf("owners[%d]: duplicate key", i)
		}
		seen[sum] = true
		g.keys = append(g.keys, hashedKey{owner: e.Name, sum: sum})
	}
	return g, nil
}

// LoadKeyGate reads a YAML key file.
func LoadKeyGate(path string) (*KeyGate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var f KeyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	if len(f.Owners) == 0 {
		return nil, errors.New("key file has no owners")
	}
	return NewKeyGate(f.Owners)
}

// Authenticate implements Gate. Every key is compared so timing does not
// depend on which entry matched.
func (g *KeyGate) Authenticate(ctx context.Context, credential string) (string, error) {
	sum := sha256.Sum256([]byte(credential))
	owner := ""
	for _, k := range g.keys {
		if subtle.ConstantTimeCompare(sum[:], k.sum[:]) == 1 {
			owner = k.owner
		}
	}
	if owner == "" {
		return "", apperrors.Unauthorized("invalid API key")
	}
	return owner, nil
}
