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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	badgerstore "github.com/AleutianAI/AleutianRelay/services/relay/storage/badger"
)

// stepClock returns a clock that advances by one second per call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Second)
		return t
	}
}

func newIndex(t *testing.T) *BadgerIndex {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerIndex(db)
}

func TestSaveGenerated_KeepsNewestMaxSaved(t *testing.T) {
	root := t.TempDir()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := New(Config{
		Root:    root,
		Now:     stepClock(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)),
		Metrics: metrics,
		Index:   newIndex(t),
	})
	ctx := context.Background()

	saved := make(map[string]string) // file name -> payload
	for i := 1; i <= 25; i++ {
		payload := fmt.Sprintf("A%d", i)
		a, err := s.SaveGenerated(ctx, []byte(payload), "prompt "+payload)
		require.NoError(t, err)
		saved[a.Name] = payload

		entries, err := os.ReadDir(s.GeneratedDir())
		require.NoError(t, err)
		assert.LessOrEqual(t, len(entries), MaxSaved, "after save %d", i)
	}

	list, err := s.ListGenerated(ctx)
	require.NoError(t, err)
	require.Len(t, list, MaxSaved)

	var survivors []string
	for _, a := range list {
		survivors = append(survivors, saved[a.Name])
	}
	var want []string
	for i := 25; i >= 6; i-- {
		want = append(want, fmt.Sprintf("A%d", i))
	}
	assert.Equal(t, want, survivors, "newest first, A1..A5 evicted")

	assert.Equal(t, "prompt A25", list[0].Prompt)
	assert.Equal(t, float64(5), testutil.ToFloat64(metrics.ArtifactsEvictedTotal))

	// Evicted entries are gone from the index too.
	var evicted []string
	for name, payload := range saved {
		if payload == "A1" || payload == "A2" {
			evicted = append(evicted, name)
		}
	}
	meta, err := s.index.Lookup(ctx, evicted)
	require.NoError(t, err)
	assert.Empty(t, meta)
}

func TestSaveGenerated_NameAndMtime(t *testing.T) {
	ts := time.Date(2025, 6, 7, 8, 9, 10, 123_000_000, time.UTC)
	s := New(Config{Root: t.TempDir(), Now: func() time.Time { return ts }})

	a, err := s.SaveGenerated(context.Background(), []byte("\x89PNG\r\n\x1a\nrest"), "")
	require.NoError(t, err)
	assert.Equal(t, "generated_2025-06-07T08-09-10-123Z.png", a.Name)
	assert.Equal(t, "/saved_images/generated_2025-06-07T08-09-10-123Z.png", a.Path)

	info, err := os.Stat(a.FilePath)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(ts))

	// Same timestamp again gets a distinct name.
	b, err := s.SaveGenerated(context.Background(), []byte("\x89PNG\r\n\x1a\nmore"), "")
	require.NoError(t, err)
	assert.Equal(t, "generated_2025-06-07T08-09-10-123Z_1.png", b.Name)
}

func TestSaveGenerated_SameTimestampNeverReusesEvictedName(t *testing.T) {
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(Config{Root: t.TempDir(), MaxSaved: 2, Now: func() time.Time { return fixed }})
	ctx := context.Background()

	var names []string
	for i := 0; i < 11; i++ {
		a, err := s.SaveGenerated(ctx, []byte(fmt.Sprintf("B%d", i)), "")
		require.NoError(t, err)
		_, err = os.Stat(a.FilePath)
		require.NoError(t, err, "save %d returned %s, which the sweep removed", i, a.Name)
		names = append(names, a.Name)
	}

	seen := map[string]bool{}
	for _, n := range names {
		assert.False(t, seen[n], "name %s reused", n)
		seen[n] = true
	}

	list, err := s.ListGenerated(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, names[10], list[0].Name)
	assert.Equal(t, names[9], list[1].Name)
}

func TestNewerName(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"generated_x_10.png", "generated_x_9.png", true},
		{"generated_x_1.png", "generated_x.png", true},
		{"generated_x.png", "generated_x_2.png", false},
		{"generated_y.png", "generated_x_5.png", true},
	}
	for _, tt := range tests {
		if got := newerName(tt.a, tt.b); got != tt.want {
			t.Errorf("newerName(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSaveGenerated_ExtensionFromContent(t *testing.T) {
	s := New(Config{Root: t.TempDir(), Now: stepClock(time.Unix(1_700_000_000, 0))})
	a, err := s.SaveGenerated(context.Background(), []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00"), "")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(a.Name, ".jpg"))
}

func TestSaveGenerated_RejectsEmpty(t *testing.T) {
	s := New(Config{Root: t.TempDir()})
	_, err := s.SaveGenerated(context.Background(), nil, "")
	assert.ErrorIs(t, err, datatypes.ErrInvalidRequest)
}

func TestSaveGenerated_ConcurrentSavesStayBounded(t *testing.T) {
	s := New(Config{Root: t.TempDir(), MaxSaved: 5})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.SaveGenerated(ctx, []byte(fmt.Sprintf("img-%d", i)), "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := os.ReadDir(s.GeneratedDir())
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestSweep_CountsForeignImagesButIgnoresOtherFiles(t *testing.T) {
	root := t.TempDir()
	s := New(Config{Root: root, MaxSaved: 2, Now: stepClock(time.Unix(1_700_000_000, 0))})
	dir := s.GeneratedDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))

	old := time.Unix(1_600_000_000, 0)
	for _, name := range []string{"dropped-in.png", "notes.txt"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		require.NoError(t, os.Chtimes(p, old, old))
	}

	for i := 0; i < 2; i++ {
		_, err := s.SaveGenerated(context.Background(), []byte("img"), "")
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	assert.Contains(t, names, "notes.txt")
	assert.NotContains(t, names, "dropped-in.png")
	assert.Len(t, names, 3)
}

func TestListGenerated_MissingDir(t *testing.T) {
	s := New(Config{Root: t.TempDir()})
	list, err := s.ListGenerated(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGeneratedPath(t *testing.T) {
	s := New(Config{Root: t.TempDir()})
	a, err := s.SaveGenerated(context.Background(), []byte("img"), "")
	require.NoError(t, err)

	path, err := s.GeneratedPath(a.Name)
	require.NoError(t, err)
	assert.Equal(t, a.FilePath, path)

	_, err = s.GeneratedPath("../secret.png")
	assert.ErrorIs(t, err, datatypes.ErrInvalidPath)

	_, err = s.GeneratedPath("missing.png")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

func TestOriginals(t *testing.T) {
	s := New(Config{Root: t.TempDir(), MaxSaved: 1})

	_, err := s.GetOriginal("7")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)

	require.NoError(t, s.SaveOriginal("7", []byte("first")))
	require.NoError(t, s.SaveOriginal("7", []byte("second")))
	require.NoError(t, s.SaveOriginal("8", []byte("other")))

	got, err := s.GetOriginal("7")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)

	_, err = os.Stat(filepath.Join(s.OriginalsDir(), "7_original.png"))
	assert.NoError(t, err)

	// Originals are never swept, whatever the bound.
	entries, err := os.ReadDir(s.OriginalsDir())
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	assert.ErrorIs(t, s.SaveOriginal("../x", []byte("y")), datatypes.ErrInvalidName)
}

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	older := time.Unix(1_700_000_000, 0)
	newer := older.Add(time.Minute)

	for name, ts := range map[string]time.Time{"a.png": older, "b.JPG": newer, "c.txt": newer} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		require.NoError(t, os.Chtimes(p, ts, ts))
	}

	list, err := ListImages(dir, "/outputs/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b.JPG", list[0].Name)
	assert.Equal(t, "/outputs/b.JPG", list[0].Path)
	assert.Equal(t, "a.png", list[1].Name)

	_, err = ListImages(filepath.Join(dir, "missing"), "/outputs/")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}
