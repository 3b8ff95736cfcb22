package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"dex-keeper-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// StateVersion is the newest layout this build can read.
const StateVersion = 1

// ErrLocked means another process holds the store's directory lock.
var ErrLocked = errors.New("state store is locked by another process")

func isLockErr(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) ||
		strings.Contains(err.Error(), "Another process is using this Badger database")
}

var (
	metaKey     = []byte("state/meta")
	pricePrefix = []byte("state/price/")
)

// badgerRepository splits the state into a metadata document plus one key per symbol,
// so a restored feeder reads exactly the symbols it persisted.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) the BadgerDB directory at dbPath.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		if isLockErr(err) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dbPath)
		}
		return nil, fmt.Errorf("open badger at %s: %w", dbPath, err)
	}
	return &badgerRepository{db: db}, nil
}

func priceKey(symbol string) []byte {
	return append(append([]byte{}, pricePrefix...), symbol...)
}

func (r *badgerRepository) SaveState(state *models.AgentState) error {
	meta := *state
	meta.Prices = nil
	meta.Version = StateVersion
	data, err := json.Marshal(&meta)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		stale, err := storedSymbols(txn)
		if err != nil {
			return err
		}
		for sym, ps := range state.Prices {
			v, err := json.Marshal(ps)
			if err != nil {
				return fmt.Errorf("encode %s: %w", sym, err)
			}
			if err := txn.Set(priceKey(sym), v); err != nil {
				return err
			}
			delete(stale, sym)
		}
		for sym := range stale {
			if err := txn.Delete(priceKey(sym)); err != nil {
				return err
			}
		}
		return txn.Set(metaKey, data)
	})
}

func storedSymbols(txn *badger.Txn) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = pricePrefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		out[strings.TrimPrefix(string(it.Item().Key()), string(pricePrefix))] = struct{}{}
	}
	return out, nil
}

func (r *badgerRepository) LoadState() (*models.AgentState, error) {
	var state models.AgentState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey)
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state metadata is empty")
			}
			return json.Unmarshal(val, &state)
		}); err != nil {
			return err
		}
		if state.Version > StateVersion {
			return fmt.Errorf("state version %d is newer than supported %d", state.Version, StateVersion)
		}

		state.Prices = make(map[string]models.PriceState)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pricePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			sym := strings.TrimPrefix(string(it.Item().Key()), string(pricePrefix))
			var ps models.PriceState
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ps)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", sym, err)
			}
			state.Prices[sym] = ps
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *badgerRepository) Close() error {
	return r.db.Close()
}
