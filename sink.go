// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"sync"
)

// DataSink is the pluggable store the generic CRUD handler writes to.
//
// See MongoSink for a driver-backed implementation and MemorySink for
// an in-process one.
type DataSink interface {
	// Insert stores one document in the collection.
	Insert(ctx context.Context, collection string, doc map[string]any) error

	// Update applies the update to all documents matching the query and
	// returns the number of modified documents.
	Update(ctx context.Context, collection string, query, update map[string]any) (int64, error)

	// Delete removes all documents matching the query and returns the
	// number of removed documents.
	Delete(ctx context.Context, collection string, query map[string]any) (int64, error)

	// Find returns all documents matching the query. An empty query
	// matches every document in the collection.
	Find(ctx context.Context, collection string, query map[string]any) ([]map[string]any, error)
}

// MemorySink is an in-process DataSink keeping documents in a map.
// Matching is shallow equality on top-level fields. Intended for tests
// and local development.
//
// MemorySink is safe for concurrent use by multiple goroutines.
type MemorySink struct {
	mu          sync.Mutex
	collections map[string][]map[string]any
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{collections: make(map[string][]map[string]any)}
}

func matches(doc, query map[string]any) bool {
	for k, want := range query {
		if got, ok := doc[k]; !ok || got != want {
			return false
		}
	}
	return true
}

func (s *MemorySink) Insert(_ context.Context, collection string, doc map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]any, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	s.collections[collection] = append(s.collections[collection], cp)
	return nil
}

func (s *MemorySink) Update(_ context.Context, collection string, query, update map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, doc := range s.collections[collection] {
		if !matches(doc, query) {
			continue
		}
		for k, v := range update {
			doc[k] = v
		}
		n++
	}
	return n, nil
}

func (s *MemorySink) Delete(_ context.Context, collection string, query map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.collections[collection][:0]
	var n int64
	for _, doc := range s.collections[collection] {
		if matches(doc, query) {
			n++
			continue
		}
		kept = append(kept, doc)
	}
	s.collections[collection] = kept
	return n, nil
}

func (s *MemorySink) Find(_ context.Context, collection string, query map[string]any) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, doc := range s.collections[collection] {
		if matches(doc, query) {
			cp := make(map[string]any, len(doc))
			for k, v := range doc {
				cp[k] = v
			}
			out = append(out, cp)
		}
	}
	return out, nil
}
