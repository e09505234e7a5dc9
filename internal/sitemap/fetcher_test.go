package sitemap

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

const urlsetBody = `<urlset><url><loc>http://t/x</loc></url></urlset>`

func newTestFetcher() *Fetcher {
	return NewFetcher(FetcherConfig{
		Timeout:     5 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	}, zap.NewNop())
}

func TestFetcher_HappyPathSetsHeaders(t *testing.T) {
	t.Parallel()

	var gotUA, gotEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotEncoding = r.Header.Get("Accept-Encoding")
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(urlsetBody))
	}))
	defer srv.Close()

	res, err := newTestFetcher().Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)
	require.Equal(t, indexer.SitemapURLSet, res.Kind)
	require.Len(t, res.URLs, 1)
	require.Equal(t, `"v1"`, res.ETag)
	require.Equal(t, "SitemapIndexerPro/2.0", gotUA)
	require.Contains(t, gotEncoding, "gzip")
}

func TestFetcher_GzipContentEncoding(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(urlsetBody))
		_ = gz.Close()
	}))
	defer srv.Close()

	res, err := newTestFetcher().Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)
	require.Len(t, res.URLs, 1)
	require.Equal(t, "http://t/x", res.URLs[0].Loc)
}

func TestFetcher_RetriesOn5xxThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(urlsetBody))
	}))
	defer srv.Close()

	res, err := newTestFetcher().Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)
	require.Len(t, res.URLs, 1)
	require.EqualValues(t, 3, calls.Load())
}

func TestFetcher_NoRetryOn4xx(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL, "")
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load(), "4xx must not be retried")
}

func TestFetcher_ConditionalRequest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte(urlsetBody))
	}))
	defer srv.Close()

	res, err := newTestFetcher().Fetch(context.Background(), srv.URL, `"v1"`)
	require.NoError(t, err)
	require.True(t, res.NotModified)
	require.Empty(t, res.URLs)
}

func TestFetcher_InvalidBodyFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not a sitemap</html>"))
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL, "")
	require.ErrorIs(t, err, indexer.ErrInvalidSitemap)
}
