// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/storage"
)

// ErrCorrupted indicates a stored record failed its checksum.
var ErrCorrupted = errors.New("stored record corrupted")

// Key layout. Components are separated by a NUL byte so that IDs
// containing ':' or '|' never collide across contexts.
//
//	v                         data version (uint64, big endian)
//	c\x00<ctx>                context metadata
//	n\x00<ctx>\x00<node>      node
//	e\x00<ctx>\x00<edge>      edge
//	p\x00<ctx>\x00<seq>       provenance entry, seq is a zero-padded commit sequence
const sep = "\x00"

var versionKey = []byte("v")

func contextKey(id graph.ContextID) []byte {
	return []byte("c" + sep + string(id))
}

func nodePrefix(ctx graph.ContextID) []byte {
	return []byte("n" + sep + string(ctx) + sep)
}

func edgePrefix(ctx graph.ContextID) []byte {
	return []byte("e" + sep + string(ctx) + sep)
}

func provPrefix(ctx graph.ContextID) []byte {
	return []byte("p" + sep + string(ctx) + sep)
}

func nodeKey(ctx graph.ContextID, id graph.NodeID) []byte {
	return append(nodePrefix(ctx), id...)
}

func edgeKey(ctx graph.ContextID, id graph.EdgeID) []byte {
	return append(edgePrefix(ctx), id...)
}

func provKey(ctx graph.ContextID, version uint64, idx int, entryID string) []byte {
	return append(provPrefix(ctx), fmt.Sprintf("%016d%s%06d%s%s", version, sep, idx, sep, entryID)...)
}

// Store implements storage.GraphStore on BadgerDB.
//
// # Description
//
// Each Commit is a single read-write transaction holding the node and edge
// upserts, the deletions, the provenance entries and the data-version bump.
// Commits are serialized by a mutex so the version read-modify-write never
// conflicts; the emission-level locking that allows disjoint emissions to
// proceed concurrently lives in the engine.
//
// Values are JSON prefixed with a CRC32 of the JSON bytes.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	db     *DB
	owned  bool
	logger *slog.Logger

	// commitMu serializes writers of the shared data-version key; concurrent
	// badger transactions on that key would abort with ErrConflict.
	commitMu sync.Mutex
	closed   atomic.Bool
}

// NewStore wraps an open database. The caller keeps ownership of db.
func NewStore(db *DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With(slog.String("component", "graph_store")),
	}
}

// OpenStore opens a database from cfg and wraps it. Close releases both.
func OpenStore(cfg Config) (*Store, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	s := NewStore(db, cfg.Logger)
	s.owned = true
	return s, nil
}

// OpenMemoryStore opens an in-memory store.
func OpenMemoryStore() (*Store, error) {
	return OpenStore(InMemoryConfig())
}

// Close releases the store, and the database when the store opened it.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.owned {
		return s.db.Close()
	}
	return nil
}

// Commit writes one emission's batch atomically.
//
// Description:
//
//	Upserts nodes and edges, deletes removed nodes and edges, appends the
//	provenance entries and increments the data version, all in one
//	transaction.
//
// Inputs:
//
//	ctx - Checked before the transaction starts.
//	b - The batch. An empty batch still bumps the version.
//
// Outputs:
//
//	uint64 - The data version after the commit.
//	error - Non-nil if the store is closed or the transaction fails.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Commit(ctx context.Context, b storage.Batch) (uint64, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}

	ctx, span := otel.Tracer("plexus.storage").Start(ctx, "badger.Commit",
		trace.WithAttributes(
			attribute.String("context_id", string(b.ContextID)),
			attribute.Int("nodes", len(b.Mutation.Nodes)),
			attribute.Int("edges", len(b.Mutation.Edges)),
			attribute.Int("removed_nodes", len(b.Mutation.RemovedNodes)),
			attribute.Int("removed_edges", len(b.Mutation.RemovedEdges)),
			attribute.Int("provenance", len(b.Provenance)),
		),
	)
	defer span.End()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	var version uint64
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, n := range b.Mutation.Nodes {
			if err := putRecord(txn, nodeKey(b.ContextID, n.ID), n); err != nil {
				return fmt.Errorf("put node %s: %w", n.ID, err)
			}
		}
		for _, e := range b.Mutation.Edges {
			if err := putRecord(txn, edgeKey(b.ContextID, e.ID), e); err != nil {
				return fmt.Errorf("put edge %s: %w", e.ID, err)
			}
		}
		for _, id := range b.Mutation.RemovedEdges {
			if err := txn.Delete(edgeKey(b.ContextID, id)); err != nil {
				return fmt.Errorf("delete edge %s: %w", id, err)
			}
		}
		for _, id := range b.Mutation.RemovedNodes {
			if err := txn.Delete(nodeKey(b.ContextID, id)); err != nil {
				return fmt.Errorf("delete node %s: %w", id, err)
			}
		}

		v, err := bumpVersion(txn)
		if err != nil {
			return err
		}
		version = v

		for i, entry := range b.Provenance {
			if err := putRecord(txn, provKey(b.ContextID, v, i, entry.ID), entry); err != nil {
				return fmt.Errorf("put provenance %s: %w", entry.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return 0, fmt.Errorf("commit batch: %w", err)
	}

	span.SetAttributes(attribute.Int64("data_version", int64(version)))
	s.logger.Debug("batch committed",
		slog.String("context_id", string(b.ContextID)),
		slog.Uint64("data_version", version),
		slog.Int("mutations", b.Mutation.Size()),
	)
	return version, nil
}

// SaveContext upserts context metadata.
func (s *Store) SaveContext(ctx context.Context, c graph.Context) (uint64, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	var version uint64
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := putRecord(txn, contextKey(c.ID), c); err != nil {
			return err
		}
		v, err := bumpVersion(txn)
		version = v
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("save context %s: %w", c.ID, err)
	}
	return version, nil
}

// DeleteContext removes a context and everything stored under it.
//
// Description:
//
//	Content is dropped first, then the metadata is deleted and the version
//	bumped in one transaction. A crash in between leaves an empty context
//	rather than orphaned content.
func (s *Store) DeleteContext(ctx context.Context, id graph.ContextID) (uint64, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if err := s.db.DropPrefix(nodePrefix(id), edgePrefix(id), provPrefix(id)); err != nil {
		return 0, fmt.Errorf("drop context content %s: %w", id, err)
	}

	var version uint64
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Delete(contextKey(id)); err != nil {
			return err
		}
		v, err := bumpVersion(txn)
		version = v
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete context %s: %w", id, err)
	}
	return version, nil
}

// LoadContext reads a context's metadata, graph content and provenance.
func (s *Store) LoadContext(ctx context.Context, id graph.ContextID) (*storage.ContextData, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	data := &storage.ContextData{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(contextKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: context %s", storage.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(v []byte) error { return decode(v, &data.Context) }); err != nil {
			return err
		}

		if err := scan(ctx, txn, nodePrefix(id), func(v []byte) error {
			var n graph.Node
			if err := decode(v, &n); err != nil {
				return err
			}
			data.Nodes = append(data.Nodes, n)
			return nil
		}); err != nil {
			return fmt.Errorf("load nodes: %w", err)
		}

		if err := scan(ctx, txn, edgePrefix(id), func(v []byte) error {
			var e graph.Edge
			if err := decode(v, &e); err != nil {
				return err
			}
			data.Edges = append(data.Edges, e)
			return nil
		}); err != nil {
			return fmt.Errorf("load edges: %w", err)
		}

		return scan(ctx, txn, provPrefix(id), func(v []byte) error {
			var entry provenance.Entry
			if err := decode(v, &entry); err != nil {
				return err
			}
			data.Provenance = append(data.Provenance, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ListContexts returns the metadata of every stored context.
func (s *Store) ListContexts(ctx context.Context) ([]graph.Context, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	var out []graph.Context
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return scan(ctx, txn, []byte("c"+sep), func(v []byte) error {
			var c graph.Context
			if err := decode(v, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	return out, nil
}

// DataVersion returns the current data version.
func (s *Store) DataVersion(ctx context.Context) (uint64, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}
	var version uint64
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		v, err := readVersion(txn)
		version = v
		return err
	})
	return version, err
}

func readVersion(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(versionKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read data version: %w", err)
	}
	var version uint64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("%w: data version has %d bytes", ErrCorrupted, len(v))
		}
		version = binary.BigEndian.Uint64(v)
		return nil
	})
	return version, err
}

func bumpVersion(txn *badger.Txn) (uint64, error) {
	v, err := readVersion(txn)
	if err != nil {
		return 0, err
	}
	v++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	if err := txn.Set(versionKey, buf); err != nil {
		return 0, fmt.Errorf("write data version: %w", err)
	}
	return v, nil
}

func scan(ctx context.Context, txn *badger.Txn, prefix []byte, fn func(v []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

// putRecord stores v as [4-byte CRC32][JSON].
func putRecord(txn *badger.Txn, key []byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], crc32.ChecksumIEEE(payload))
	copy(buf[4:], payload)
	return txn.Set(key, buf)
}

// decode verifies the checksum and unmarshals the JSON payload into v.
func decode(raw []byte, v any) error {
	if len(raw) < 5 {
		return fmt.Errorf("%w: record too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(raw[:4])
	payload := raw[4:]
	if computed := crc32.ChecksumIEEE(payload); computed != stored {
		return fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

var _ storage.GraphStore = (*Store)(nil)
