package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/SiddharthManjul/BondMM-A/native/bondmm"
)

var (
	poolKey        = []byte("bondmm/pool")
	positionPrefix = []byte("bondmm/position/")
)

// PoolStore persists the pool singleton and the position table in a
// key-value Database, satisfying the engine's state interface. Records are
// serialized as JSON; big integers round trip through their native JSON
// encoding.
type PoolStore struct {
	db Database
}

// NewPoolStore wraps a Database in the engine's persistence surface.
func NewPoolStore(db Database) *PoolStore {
	return &PoolStore{db: db}
}

func positionKey(id uint64) []byte {
	key := make([]byte, len(positionPrefix)+8)
	copy(key, positionPrefix)
	binary.BigEndian.PutUint64(key[len(positionPrefix):], id)
	return key
}

// GetPool loads the pool state, returning nil when none has been stored.
func (s *PoolStore) GetPool() (*bondmm.PoolState, error) {
	raw, err := s.db.Get(poolKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pool := &bondmm.PoolState{}
	if err := json.Unmarshal(raw, pool); err != nil {
		return nil, fmt.Errorf("storage: decode pool state: %w", err)
	}
	return pool, nil
}

// PutPool stores the pool state.
func (s *PoolStore) PutPool(pool *bondmm.PoolState) error {
	if pool == nil {
		return fmt.Errorf("storage: nil pool state")
	}
	raw, err := json.Marshal(pool)
	if err != nil {
		return fmt.Errorf("storage: encode pool state: %w", err)
	}
	return s.db.Put(poolKey, raw)
}

// GetPosition loads a position by id, returning nil when absent.
func (s *PoolStore) GetPosition(id uint64) (*bondmm.Position, error) {
	raw, err := s.db.Get(positionKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos := &bondmm.Position{}
	if err := json.Unmarshal(raw, pos); err != nil {
		return nil, fmt.Errorf("storage: decode position %d: %w", id, err)
	}
	return pos, nil
}

// PutPosition stores a position under its id.
func (s *PoolStore) PutPosition(pos *bondmm.Position) error {
	if pos == nil {
		return fmt.Errorf("storage: nil position")
	}
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("storage: encode position %d: %w", pos.ID, err)
	}
	return s.db.Put(positionKey(pos.ID), raw)
}
