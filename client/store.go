package client

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/f3rmion/multisig/ceremony"
	"github.com/f3rmion/multisig/frost"
	"github.com/f3rmion/multisig/keydb"
	"github.com/f3rmion/multisig/keygen"
)

// KeyStore holds the keys of one scheme in memory, backed by the key
// database when one is given.
type KeyStore struct {
	scheme *frost.FROST
	db     *keydb.DB

	mu   sync.Mutex
	keys map[string]*keygen.ResultInfo
}

// NewKeyStore loads the keys of scheme from db. db may be nil.
func NewKeyStore(scheme *frost.FROST, db *keydb.DB) (*KeyStore, error) {
	s := &KeyStore{
		scheme: scheme,
		db:     db,
		keys:   make(map[string]*keygen.ResultInfo),
	}
	if db == nil {
		return s, nil
	}
	stored, err := db.LoadKeys(scheme)
	if err != nil {
		return nil, errors.Wrap(err, "load keys")
	}
	for _, k := range stored {
		s.keys[k.ID.String()] = k.Info
	}
	return s, nil
}

// Get returns the key stored under id.
func (s *KeyStore) Get(id ceremony.KeyID) (*keygen.ResultInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id.String()]
	return k, ok
}

// Set persists key under id, then makes it available to Get.
func (s *KeyStore) Set(id ceremony.KeyID, key *keygen.ResultInfo) error {
	if s.db != nil {
		if err := s.db.UpdateKey(s.scheme, id, key); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.keys[id.String()] = key
	s.mu.Unlock()
	return nil
}

// Len returns the number of keys held.
func (s *KeyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
