package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/stepseq/stepseq/internal/doc"
)

// HotStore is the actor-local durable store, authoritative while a session
// actor is resident. One badger DB serves all resident actors; per-session
// keys are prefixed "hot:{id}:".
//
// Keys per session: "state" (document JSON), "serverSeq" (decimal),
// "schemaVersion" (decimal).
type HotStore struct {
	db     *badger.DB
	logger zerolog.Logger
}

// OpenHotStore opens (or creates) the badger database at path.
func OpenHotStore(path string, logger zerolog.Logger) (*HotStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open hot store: %w", err)
	}
	return &HotStore{db: db, logger: logger}, nil
}

func (s *HotStore) Close() error { return s.db.Close() }

func hotKey(sessionID, field string) []byte {
	return []byte("hot:" + sessionID + ":" + field)
}

// LoadState returns the stored document for a session, or ok=false when the
// hot store has none.
func (s *HotStore) LoadState(ctx context.Context, sessionID string) (*doc.SessionDocument, bool, error) {
	var out doc.SessionDocument
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(hotKey(sessionID, "state"))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("hot load state: %w", err)
	}
	return &out, true, nil
}

// SaveState writes the document. Called synchronously on every accepted
// mutation; a failure here aborts the broadcast.
func (s *HotStore) SaveState(ctx context.Context, sessionID string, d *doc.SessionDocument) error {
	buf, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("hot marshal state: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(hotKey(sessionID, "state"), buf)
	})
	if err != nil {
		return fmt.Errorf("hot save state: %w", err)
	}
	return nil
}

// LoadServerSeq returns the last persisted server sequence (0 when absent).
func (s *HotStore) LoadServerSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(hotKey(sessionID, "serverSeq"))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			n, perr := strconv.ParseInt(string(val), 10, 64)
			if perr != nil {
				return perr
			}
			seq = n
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("hot load serverSeq: %w", err)
	}
	return seq, nil
}

// SaveServerSeq persists the server sequence. Written every
// doc.ServerSeqPersistEvery broadcasts and on idle flush. Cadence writes are
// issued fire-and-forget and can land out of order, so the stored value is
// never moved backward; recovery resumes past the highest write.
func (s *HotStore) SaveServerSeq(ctx context.Context, sessionID string, seq int64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := hotKey(sessionID, "serverSeq")
		item, gerr := txn.Get(key)
		if gerr == nil {
			var stored int64
			verr := item.Value(func(val []byte) error {
				n, perr := strconv.ParseInt(string(val), 10, 64)
				if perr != nil {
					return perr
				}
				stored = n
				return nil
			})
			if verr == nil && stored >= seq {
				return nil
			}
		} else if !errors.Is(gerr, badger.ErrKeyNotFound) {
			return gerr
		}
		return txn.Set(key, []byte(strconv.FormatInt(seq, 10)))
	})
	if err != nil {
		return fmt.Errorf("hot save serverSeq: %w", err)
	}
	return nil
}

// EnsureSchemaVersion writes the schema version when absent and returns the
// stored value.
func (s *HotStore) EnsureSchemaVersion(ctx context.Context, sessionID string) (int, error) {
	version := SchemaVersion
	err := s.db.Update(func(txn *badger.Txn) error {
		key := hotKey(sessionID, "schemaVersion")
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set(key, []byte(strconv.Itoa(SchemaVersion)))
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			n, perr := strconv.Atoi(string(val))
			if perr != nil {
				return perr
			}
			version = n
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("hot schema version: %w", err)
	}
	return version, nil
}
