package perp

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/luxfi/database"
)

// Storage keys. Each holds one JSON document; the position table is small
// enough that it is written as a unit.
var (
	keyMarket    = []byte("perp:market")
	keyPositions = []byte("perp:positions")
	keyFees      = []byte("perp:fees")
	keyParams    = []byte("perp:params")
	keyPaused    = []byte("perp:paused")
)

// MarketState is the persisted form of the virtual market.
type MarketState struct {
	BaseReserve  *big.Int `json:"base_reserve"`
	QuoteReserve *big.Int `json:"quote_reserve"`
	Invariant    *big.Int `json:"invariant"`
}

// Snapshot is the full persisted engine state.
type Snapshot struct {
	Market       *MarketState
	Positions    []*Position
	ProtocolFees *big.Int
	Params       *Params
	Paused       bool
}

// Store persists engine snapshots through a luxfi database. A nil store
// on the engine means in-memory operation only.
type Store struct {
	db database.Database
}

// NewStore wraps a database for snapshot persistence.
func NewStore(db database.Database) *Store {
	return &Store{db: db}
}

// Save writes the snapshot atomically in one batch.
func (s *Store) Save(snap *Snapshot) error {
	batch := s.db.NewBatch()
	defer batch.Reset()

	market, err := json.Marshal(snap.Market)
	if err != nil {
		return fmt.Errorf("marshal market: %w", err)
	}
	positions, err := json.Marshal(snap.Positions)
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	fees, err := json.Marshal(snap.ProtocolFees)
	if err != nil {
		return fmt.Errorf("marshal fees: %w", err)
	}
	params, err := json.Marshal(snap.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	paused, err := json.Marshal(snap.Paused)
	if err != nil {
		return fmt.Errorf("marshal paused: %w", err)
	}

	for _, kv := range []struct {
		key   []byte
		value []byte
	}{
		{keyMarket, market},
		{keyPositions, positions},
		{keyFees, fees},
		{keyParams, params},
		{keyPaused, paused},
	} {
		if err := batch.Put(kv.key, kv.value); err != nil {
			return err
		}
	}
	return batch.Write()
}

// Load reads the persisted snapshot. Returns nil with no error when the
// database holds no prior state.
func (s *Store) Load() (*Snapshot, error) {
	market, err := s.db.Get(keyMarket)
	if err != nil {
		if err == database.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	snap := &Snapshot{ProtocolFees: big.NewInt(0)}
	snap.Market = &MarketState{}
	if err := json.Unmarshal(market, snap.Market); err != nil {
		return nil, fmt.Errorf("unmarshal market: %w", err)
	}

	if raw, err := s.db.Get(keyPositions); err == nil {
		if err := json.Unmarshal(raw, &snap.Positions); err != nil {
			return nil, fmt.Errorf("unmarshal positions: %w", err)
		}
	} else if err != database.ErrNotFound {
		return nil, err
	}

	if raw, err := s.db.Get(keyFees); err == nil {
		if err := json.Unmarshal(raw, snap.ProtocolFees); err != nil {
			return nil, fmt.Errorf("unmarshal fees: %w", err)
		}
	} else if err != database.ErrNotFound {
		return nil, err
	}

	if raw, err := s.db.Get(keyParams); err == nil {
		snap.Params = &Params{}
		if err := json.Unmarshal(raw, snap.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	} else if err != database.ErrNotFound {
		return nil, err
	}

	if raw, err := s.db.Get(keyPaused); err == nil {
		if err := json.Unmarshal(raw, &snap.Paused); err != nil {
			return nil, fmt.Errorf("unmarshal paused: %w", err)
		}
	} else if err != database.ErrNotFound {
		return nil, err
	}

	return snap, nil
}
