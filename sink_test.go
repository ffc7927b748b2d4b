// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySinkInsertFind(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, "users", map[string]any{"name": "alice", "age": 30}))
	require.NoError(t, s.Insert(ctx, "users", map[string]any{"name": "bob", "age": 30}))
	require.NoError(t, s.Insert(ctx, "orders", map[string]any{"sku": "x1"}))

	docs, err := s.Find(ctx, "users", map[string]any{"age": 30})
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = s.Find(ctx, "users", map[string]any{"name": "alice"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "alice", docs[0]["name"])

	// Empty query matches the whole collection.
	docs, err = s.Find(ctx, "users", nil)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = s.Find(ctx, "missing", nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestMemorySinkUpdate(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, "users", map[string]any{"name": "alice", "active": true}))
	require.NoError(t, s.Insert(ctx, "users", map[string]any{"name": "bob", "active": true}))

	n, err := s.Update(ctx, "users", map[string]any{"active": true}, map[string]any{"active": false})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	docs, err := s.Find(ctx, "users", map[string]any{"active": false})
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	n, err = s.Update(ctx, "users", map[string]any{"name": "nobody"}, map[string]any{"active": true})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemorySinkDelete(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, "users", map[string]any{"name": "alice"}))
	require.NoError(t, s.Insert(ctx, "users", map[string]any{"name": "bob"}))

	n, err := s.Delete(ctx, "users", map[string]any{"name": "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	docs, err := s.Find(ctx, "users", nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "bob", docs[0]["name"])
}

// Documents handed in and out are copies; callers mutating them must
// not corrupt the stored state.
func TestMemorySinkCopies(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	doc := map[string]any{"name": "alice"}
	require.NoError(t, s.Insert(ctx, "users", doc))
	doc["name"] = "mallory"

	docs, err := s.Find(ctx, "users", nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "alice", docs[0]["name"])

	docs[0]["name"] = "mallory"
	docs, err = s.Find(ctx, "users", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", docs[0]["name"])
}
