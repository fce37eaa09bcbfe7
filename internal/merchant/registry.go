// Package merchant holds the key material merchants use to sign redemption tokens.
package merchant

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/crypto/hkdf"
	"gopkg.in/yaml.v3"
)

// DerivedKeyID is the key id of keys derived from the master secret.
const DerivedKeyID = "derived"

const minSecretLen = 16

var (
	ErrUnknownMerchant = errors.New("unknown merchant")
	ErrUnknownKey      = errors.New("unknown merchant key")
)

type Key struct {
	ID     string
	Secret []byte
}

type Merchant struct {
	ID     string
	Active bool
	// Keys[0] signs new tokens, every listed key verifies.
	Keys []Key
}

type fileKey struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

type fileMerchant struct {
	ID     string    `yaml:"id"`
	Active *bool     `yaml:"active"`
	Keys   []fileKey `yaml:"keys"`
}

type file struct {
	Merchants []fileMerchant `yaml:"merchants"`
}

// Registry resolves merchants and their keys. Safe for concurrent use.
type Registry struct {
	merchants map[string]Merchant
	master    []byte
	derived   *xsync.Map[string, []byte]
}

// NewRegistry builds a registry from explicit merchants.
func NewRegistry(merchants ...Merchant) *Registry {
	r := &Registry{
		merchants: make(map[string]Merchant, len(merchants)),
		derived:   xsync.NewMap[string, []byte](),
	}
	for _, m := range merchants {
		r.merchants[m.ID] = m
	}
	return r
}

// NewDerivedRegistry registers each merchant with a single key derived from master via HKDF.
func NewDerivedRegistry(master []byte, merchantIDs []string) (*Registry, error) {
	if len(master) < minSecretLen {
		return nil, fmt.Errorf("master key must be at least %d bytes", minSecretLen)
	}
	r := NewRegistry()
	r.master = master
	for _, id := range merchantIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		r.merchants[id] = Merchant{ID: id, Active: true}
	}
	if len(r.merchants) == 0 {
		return nil, errors.New("derived registry needs at least one merchant")
	}
	return r, nil
}

// LoadFile reads a YAML merchant file.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open merchants file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses the YAML merchant format:
//
//	merchants:
//	  - id: brew-downtown
//	    active: true
//	    keys:
//	      - id: "2026-10"
//	        secret: 6f1d...   # hex
func Load(r io.Reader) (*Registry, error) {
	var doc file
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode merchants: %w", err)
	}

	var merchants []Merchant
	seen := make(map[string]bool)
	for _, fm := range doc.Merchants {
		if fm.ID == "" {
			return nil, errors.New("merchant without id")
		}
		if seen[fm.ID] {
			return nil, fmt.Errorf("duplicate merchant %q", fm.ID)
		}
		seen[fm.ID] = true
		if len(fm.Keys) == 0 {
			return nil, fmt.Errorf("merchant %q has no keys", fm.ID)
		}

		m := Merchant{ID: fm.ID, Active: fm.Active == nil || *fm.Active}
		for _, fk := range fm.Keys {
			secret, err := hex.DecodeString(fk.Secret)
			if err != nil {
				return nil, fmt.Errorf("merchant %q key %q: %w", fm.ID, fk.ID, err)
			}
			if fk.ID == "" || len(secret) < minSecretLen {
				return nil, fmt.Errorf("merchant %q: key needs an id and at least %d secret bytes", fm.ID, minSecretLen)
			}
			m.Keys = append(m.Keys, Key{ID: fk.ID, Secret: secret})
		}
		merchants = append(merchants, m)
	}
	return NewRegistry(merchants...), nil
}

// Key returns the verification secret for merchantID/keyID.
func (r *Registry) Key(merchantID, keyID string) ([]byte, error) {
	m, ok := r.merchants[merchantID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMerchant, merchantID)
	}
	if r.master != nil {
		if keyID != DerivedKeyID {
			return nil, fmt.Errorf("%w: %q/%q", ErrUnknownKey, merchantID, keyID)
		}
		return r.derive(merchantID)
	}
	for _, k := range m.Keys {
		if k.ID == keyID {
			return k.Secret, nil
		}
	}
	return nil, fmt.Errorf("%w: %q/%q", ErrUnknownKey, merchantID, keyID)
}

// SigningKey returns the key new tokens for merchantID are signed with.
func (r *Registry) SigningKey(merchantID string) (Key, error) {
	m, ok := r.merchants[merchantID]
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownMerchant, merchantID)
	}
	if r.master != nil {
		secret, err := r.derive(merchantID)
		if err != nil {
			return Key{}, err
		}
		return Key{ID: DerivedKeyID, Secret: secret}, nil
	}
	if len(m.Keys) == 0 {
		return Key{}, fmt.Errorf("%w: %q has no keys", ErrUnknownKey, merchantID)
	}
	return m.Keys[0], nil
}

// Allowed reports whether tokens from merchantID may change balances.
func (r *Registry) Allowed(merchantID string) bool {
	m, ok := r.merchants[merchantID]
	return ok && m.Active
}

func (r *Registry) derive(merchantID string) ([]byte, error) {
	if k, ok := r.derived.Load(merchantID); ok {
		return k, nil
	}
	key := make([]byte, sha256.Size)
	kdf := hkdf.New(sha256.New, r.master, nil, []byte("pointbrew/merchant/"+merchantID))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key for %q: %w", merchantID, err)
	}
	actual, _ := r.derived.LoadOrStore(merchantID, key)
	return actual, nil
}
