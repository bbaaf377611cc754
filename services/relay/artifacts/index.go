// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/AleutianRelay/services/relay/storage/badger"
)

// Metadata is what the relay remembers about a generated artifact beyond
// the file itself.
type Metadata struct {
	Prompt    string    `json:"prompt,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Index stores Metadata keyed by generated file name.
//
// Implementations must be safe for concurrent use. Lookups of unknown
// names are not errors; they are simply absent from the result.
type Index interface {
	Put(ctx context.Context, name string, meta Metadata) error
	Lookup(ctx context.Context, names []string) (map[string]Metadata, error)
	Delete(ctx context.Context, names []string) error
}

const generatedKeyPrefix = "gen/"

// BadgerIndex is an Index backed by the relay's badger store.
type BadgerIndex struct {
	db *badgerstore.DB
}

// NewBadgerIndex wraps an open store.
func NewBadgerIndex(db *badgerstore.DB) *BadgerIndex {
	return &BadgerIndex{db: db}
}

func generatedKey(name string) []byte {
	return []byte(generatedKeyPrefix + name)
}

// Put records metadata for name, replacing any previous entry.
func (x *BadgerIndex) Put(ctx context.Context, name string, meta Metadata) error {
	value, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return x.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(generatedKey(name), value)
	})
}

// Lookup returns the metadata known for names.
func (x *BadgerIndex) Lookup(ctx context.Context, names []string) (map[string]Metadata, error) {
	out := make(map[string]Metadata, len(names))
	err := x.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		for _, name := range names {
			item, err := txn.Get(generatedKey(name))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var meta Metadata
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return fmt.Errorf("decode metadata for %s: %w", name, err)
			}
			out[name] = meta
		}
		return nil
	})
	return out, err
}

// Delete removes entries for names. Missing names are ignored.
func (x *BadgerIndex) Delete(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	return x.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, name := range names {
			if err := txn.Delete(generatedKey(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ Index = (*BadgerIndex)(nil)
