// Package cachetest holds a behaviour suite every cache.Storage backend must pass.
package cachetest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/campusedge/cache"
)

// Factory returns an empty storage for one subtest
type Factory func(t *testing.T) cache.Storage

func entry(method, url, body string) *cache.Entry {
	return &cache.Entry{
		Method: method,
		URL:    url,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(body),
	}
}

// RunStorageTests exercises the Storage and Partition contracts.
func RunStorageTests(t *testing.T, newStorage Factory) {
	ctx := context.Background()

	t.Run("PutThenMatchRoundTrip", func(t *testing.T) {
		s := newStorage(t)
		p, err := s.Open(ctx, "app-dynamic-v1")
		require.NoError(t, err)

		e := entry("GET", "http://origin.test/api/forum/posts?page=2", `{"posts":[1,2]}`)
		require.NoError(t, p.Put(ctx, e))

		got, ok, err := p.Match(ctx, e.Key())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, e.Body, got.Body)
		assert.Equal(t, http.StatusOK, got.Status)
		assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
		assert.False(t, got.StoredAt.IsZero())
	})

	t.Run("MissReturnsFalse", func(t *testing.T) {
		s := newStorage(t)
		p, err := s.Open(ctx, "app-static-v1")
		require.NoError(t, err)

		_, ok, err := p.Match(ctx, cache.NewKey("GET", "http://origin.test/missing"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("OverwriteKeepsLastWrite", func(t *testing.T) {
		s := newStorage(t)
		p, err := s.Open(ctx, "app-dynamic-v1")
		require.NoError(t, err)

		url := "http://origin.test/api/polls/"
		require.NoError(t, p.Put(ctx, entry("GET", url, "first")))
		require.NoError(t, p.Put(ctx, entry("GET", url, "second")))

		got, ok, err := p.Match(ctx, cache.NewKey("GET", url))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "second", string(got.Body))

		keys, err := p.Keys(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 1)
	})

	t.Run("MethodIsPartOfKey", func(t *testing.T) {
		s := newStorage(t)
		p, err := s.Open(ctx, "app-dynamic-v1")
		require.NoError(t, err)

		url := "http://origin.test/api/market/"
		require.NoError(t, p.Put(ctx, entry("GET", url, "get")))

		_, ok, err := p.Match(ctx, cache.NewKey("HEAD", url))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("KeysInInsertionOrder", func(t *testing.T) {
		s := newStorage(t)
		p, err := s.Open(ctx, "app-dynamic-v1")
		require.NoError(t, err)

		var want []cache.Key
		for i := 0; i < 4; i++ {
			e := entry("GET", fmt.Sprintf("http://origin.test/api/courses/%d", 3-i), "x")
			require.NoError(t, p.Put(ctx, e))
			want = append(want, e.Key())
		}
		keys, err := p.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, keys)

		deleted, err := p.Delete(ctx, want[1])
		require.NoError(t, err)
		assert.True(t, deleted)
		keys, err = p.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []cache.Key{want[0], want[2], want[3]}, keys)

		deleted, err = p.Delete(ctx, want[1])
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("LongURLs", func(t *testing.T) {
		s := newStorage(t)
		p, err := s.Open(ctx, "app-dynamic-v1")
		require.NoError(t, err)

		url := "http://origin.test/api/reports/?q=" + strings.Repeat("a", 400)
		require.NoError(t, p.Put(ctx, entry("GET", url, "long")))
		got, ok, err := p.Match(ctx, cache.NewKey("GET", url))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "long", string(got.Body))
	})

	t.Run("SimilarURLsKeepSeparateEntries", func(t *testing.T) {
		s := newStorage(t)
		p, err := s.Open(ctx, "app-dynamic-v1")
		require.NoError(t, err)

		urls := []string{
			"http://origin.test/api/forum/posts?page=1",
			"http://origin.test/api/forum/posts/page/1",
			"http://origin.test/api/forum/posts?page_1",
			"http://origin.test/api/forum/posts?a=1&b=2",
			"http://origin.test/api/forum/posts?a_1_b_2",
		}
		for i, u := range urls {
			require.NoError(t, p.Put(ctx, entry("GET", u, fmt.Sprintf("body-%d", i))))
		}
		for i, u := range urls {
			got, ok, err := p.Match(ctx, cache.NewKey("GET", u))
			require.NoError(t, err)
			require.True(t, ok, u)
			assert.Equal(t, fmt.Sprintf("body-%d", i), string(got.Body), u)
			assert.Equal(t, u, got.URL)
		}

		_, ok, err := p.Match(ctx, cache.NewKey("GET", "http://origin.test/api/forum/posts_page_1"))
		require.NoError(t, err)
		assert.False(t, ok)

		keys, err := p.Keys(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, len(urls))
	})

	t.Run("ConcurrentPutsKeepEveryKey", func(t *testing.T) {
		s := newStorage(t)
		p, err := s.Open(ctx, "app-dynamic-v1")
		require.NoError(t, err)

		const n = 50
		var wg sync.WaitGroup
		errs := make(chan error, n)
		want := make([]cache.Key, n)
		for i := 0; i < n; i++ {
			e := entry("GET", fmt.Sprintf("http://origin.test/api/courses/%d", i), "x")
			want[i] = e.Key()
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- p.Put(ctx, e)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		keys, err := p.Keys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, want, keys)
		for _, k := range want {
			_, ok, err := p.Match(ctx, k)
			require.NoError(t, err)
			assert.True(t, ok, k.URL)
		}
	})

	t.Run("OpenIsLazyAndIdempotent", func(t *testing.T) {
		s := newStorage(t)
		has, err := s.Has(ctx, "app-static-v1")
		require.NoError(t, err)
		assert.False(t, has)

		p1, err := s.Open(ctx, "app-static-v1")
		require.NoError(t, err)
		require.NoError(t, p1.Put(ctx, entry("GET", "http://origin.test/index.html", "<html>")))

		p2, err := s.Open(ctx, "app-static-v1")
		require.NoError(t, err)
		_, ok, err := p2.Match(ctx, cache.NewKey("GET", "http://origin.test/index.html"))
		require.NoError(t, err)
		assert.True(t, ok)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"app-static-v1"}, names)
	})

	t.Run("NamesAndDelete", func(t *testing.T) {
		s := newStorage(t)
		for _, name := range []string{"app-static-v1", "app-dynamic-v1", "app-static-v2"} {
			_, err := s.Open(ctx, name)
			require.NoError(t, err)
		}
		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"app-static-v1", "app-dynamic-v1", "app-static-v2"}, names)

		deleted, err := s.Delete(ctx, "app-dynamic-v1")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.Delete(ctx, "app-dynamic-v1")
		require.NoError(t, err)
		assert.False(t, deleted)

		has, err := s.Has(ctx, "app-dynamic-v1")
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("DeletedPartitionStartsEmpty", func(t *testing.T) {
		s := newStorage(t)
		p, err := s.Open(ctx, "app-dynamic-v1")
		require.NoError(t, err)
		require.NoError(t, p.Put(ctx, entry("GET", "http://origin.test/api/x", "x")))

		_, err = s.Delete(ctx, "app-dynamic-v1")
		require.NoError(t, err)

		p, err = s.Open(ctx, "app-dynamic-v1")
		require.NoError(t, err)
		keys, err := p.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("StorageWideMatch", func(t *testing.T) {
		s := newStorage(t)
		static, err := s.Open(ctx, "app-static-v1")
		require.NoError(t, err)
		dynamic, err := s.Open(ctx, "app-dynamic-v1")
		require.NoError(t, err)

		require.NoError(t, dynamic.Put(ctx, entry("GET", "http://origin.test/api/campuses/", "dynamic")))
		require.NoError(t, static.Put(ctx, entry("GET", "http://origin.test/index.html", "shell")))

		got, ok, err := cache.Match(ctx, s, cache.NewKey("GET", "http://origin.test/api/campuses/"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "dynamic", string(got.Body))

		_, ok, err = cache.Match(ctx, s, cache.NewKey("GET", "http://origin.test/nope"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ClearRemovesEverything", func(t *testing.T) {
		s := newStorage(t)
		for _, name := range []string{"a", "b"} {
			_, err := s.Open(ctx, name)
			require.NoError(t, err)
		}
		n, err := cache.Clear(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)
	})
}
