package perp

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/luxfi/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDB is a minimal in-memory database.Database for store tests.
type memDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newMemDB() *memDB {
	return &memDB{data: make(map[string][]byte)}
}

func (m *memDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.data[string(key)]
	if !ok {
		return nil, database.ErrNotFound
	}
	return val, nil
}

func (m *memDB) Put(key []byte, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}

func (m *memDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *memDB) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *memDB) Close() error { return nil }

func (m *memDB) Compact(start []byte, limit []byte) error { return nil }

func (m *memDB) NewBatch() database.Batch { return &memBatch{db: m} }

func (m *memDB) NewIterator() database.Iterator { return nil }

func (m *memDB) NewIteratorWithStart(start []byte) database.Iterator { return nil }

func (m *memDB) NewIteratorWithPrefix(prefix []byte) database.Iterator { return nil }

func (m *memDB) NewIteratorWithStartAndPrefix(start, prefix []byte) database.Iterator { return nil }

func (m *memDB) HealthCheck(ctx context.Context) (interface{}, error) {
	return map[string]interface{}{"type": "memDB"}, nil
}

type memBatch struct {
	db  *memDB
	ops []memBatchOp
}

type memBatchOp struct {
	delete bool
	key    []byte
	value  []byte
}

func (b *memBatch) Put(key, value []byte) error {
	b.ops = append(b.ops, memBatchOp{key: key, value: value})
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	b.ops = append(b.ops, memBatchOp{delete: true, key: key})
	return nil
}

func (b *memBatch) ValueSize() int {
	size := 0
	for _, op := range b.ops {
		size += len(op.value)
	}
	return size
}

func (b *memBatch) Size() int {
	size := 0
	for _, op := range b.ops {
		size += len(op.key) + len(op.value)
	}
	return size
}

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, op := range b.ops {
		if op.delete {
			delete(b.db.data, string(op.key))
		} else {
			b.db.data[string(op.key)] = op.value
		}
	}
	return nil
}

func (b *memBatch) Reset() { b.ops = b.ops[:0] }

func (b *memBatch) Replay(w database.KeyValueWriterDeleter) error {
	for _, op := range b.ops {
		if op.delete {
			if err := w.Delete(op.key); err != nil {
				return err
			}
		} else {
			if err := w.Put(op.key, op.value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *memBatch) Inner() database.Batch { return b }

func TestStoreEmptyLoad(t *testing.T) {
	store := NewStore(newMemDB())
	snap, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestStoreRoundTrip(t *testing.T) {
	db := newMemDB()
	env := newTestEnv(t, testParams())
	env.engine.AttachStore(NewStore(db))

	_, err := env.engine.OpenPosition(alice, big.NewInt(100_000_000), 5, true, nil)
	require.NoError(t, err)
	_, err = env.engine.OpenPosition(bob, big.NewInt(50_000_000), 2, false, nil)
	require.NoError(t, err)
	require.NoError(t, env.engine.Pause(testOwner))

	snap, err := NewStore(db).Load()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Len(t, snap.Positions, 2)
	assert.True(t, snap.Paused)
	assert.Equal(t, env.engine.Params().MaxLeverage, snap.Params.MaxLeverage)

	base, quote := env.engine.Reserves()
	assert.Equal(t, base, snap.Market.BaseReserve)
	assert.Equal(t, quote, snap.Market.QuoteReserve)
}

func TestEngineRestore(t *testing.T) {
	db := newMemDB()
	env := newTestEnv(t, testParams())
	env.engine.AttachStore(NewStore(db))

	_, err := env.engine.OpenPosition(alice, big.NewInt(100_000_000), 5, true, nil)
	require.NoError(t, err)
	wantRatio := env.engine.MarginRatio(alice)
	wantBase, wantQuote := env.engine.Reserves()

	// rebuild from scratch against the same vault state
	logger := testLogger(t)
	market, err := NewVAMM(big.NewInt(1), big.NewInt(1))
	require.NoError(t, err)
	restored, err := NewEngine(testOwner, market, env.vault, DefaultParams(), logger)
	require.NoError(t, err)
	restored.AttachStore(NewStore(db))
	require.NoError(t, restored.Restore())

	base, quote := restored.Reserves()
	assert.Equal(t, wantBase, base)
	assert.Equal(t, wantQuote, quote)

	pos, err := restored.GetPosition(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(4_761_905), pos.Size.Int64())
	assert.Equal(t, wantRatio, restored.MarginRatio(alice))
	assert.Equal(t, int64(10), restored.Params().MaxLeverage)

	// restored engine keeps operating against the reloaded invariant
	payout, err := restored.ClosePosition(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000), payout.Int64())
}

func TestRestoreWithoutStore(t *testing.T) {
	env := newTestEnv(t, testParams())
	assert.NoError(t, env.engine.Restore())
}
