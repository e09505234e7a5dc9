package sitemap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/hash/sha256"
	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

func TestParse_SitemapIndex(t *testing.T) {
	t.Parallel()

	doc := `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>http://t/a.xml</loc></sitemap>
  <sitemap><loc>
    http://t/b.xml
  </loc></sitemap>
</sitemapindex>`

	parsed, err := Parse(strings.NewReader(doc), zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, indexer.SitemapIndex, parsed.Kind)
	require.Equal(t, []string{"http://t/a.xml", "http://t/b.xml"}, parsed.ChildSitemaps)
	require.Empty(t, parsed.URLs)
}

func TestParse_URLSetWithOptionalFields(t *testing.T) {
	t.Parallel()

	doc := `<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url>
    <loc>http://t/x</loc>
    <lastmod>2025-01-02</lastmod>
    <changefreq>daily</changefreq>
    <priority>0.8</priority>
  </url>
  <url><loc>  http://t/y  </loc></url>
  <url><loc></loc></url>
  <url><lastmod>2025-01-01</lastmod></url>
</urlset>`

	parsed, err := Parse(strings.NewReader(doc), zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, indexer.SitemapURLSet, parsed.Kind)
	require.Len(t, parsed.URLs, 2, "empty and missing locs are dropped")

	require.Equal(t, Entry{
		Loc:        "http://t/x",
		LastMod:    "2025-01-02",
		ChangeFreq: "daily",
		Priority:   "0.8",
	}, parsed.URLs[0])
	require.Equal(t, "http://t/y", parsed.URLs[1].Loc, "whitespace is trimmed")
}

func TestParse_RSS(t *testing.T) {
	t.Parallel()

	doc := `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Feed</title>
    <link>http://t/</link>
    <item><title>One</title><link>http://t/post-1</link></item>
    <item><title>Two</title><link>http://t/post-2</link></item>
  </channel>
</rss>`

	parsed, err := Parse(strings.NewReader(doc), zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, indexer.SitemapRSS, parsed.Kind)
	require.Len(t, parsed.URLs, 2, "channel-level link is not an item")
	require.Equal(t, "http://t/post-1", parsed.URLs[0].Loc)
	require.Equal(t, "http://t/post-2", parsed.URLs[1].Loc)
}

func TestParse_Atom(t *testing.T) {
	t.Parallel()

	doc := `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Feed</title>
  <link href="http://t/"/>
  <entry><link href="http://t/entry-1"/></entry>
  <entry><link href="http://t/entry-2"/></entry>
</feed>`

	parsed, err := Parse(strings.NewReader(doc), zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, indexer.SitemapRSS, parsed.Kind)
	require.Equal(t, []Entry{{Loc: "http://t/entry-1"}, {Loc: "http://t/entry-2"}}, parsed.URLs)
}

func TestParse_TruncatedDocumentReturnsPartialResults(t *testing.T) {
	t.Parallel()

	doc := `<urlset>
  <url><loc>http://t/complete</loc></url>
  <url><loc>http://t/also-complete</loc></url>
  <url><loc>http://t/cut-`

	parsed, err := Parse(strings.NewReader(doc), zap.NewNop())
	require.NoError(t, err, "partial extraction must not fail")
	require.Len(t, parsed.URLs, 2)
}

func TestParse_GarbageFailsWithInvalidSitemap(t *testing.T) {
	t.Parallel()

	for _, doc := range []string{"", "not xml at all", "<html><body>404</body></html>"} {
		_, err := Parse(strings.NewReader(doc), zap.NewNop())
		require.ErrorIs(t, err, indexer.ErrInvalidSitemap, "input %q", doc)
	}
}

func TestContentHash_ChangesWithChildSet(t *testing.T) {
	t.Parallel()

	hasher := sha256.New()
	a := Document{Kind: indexer.SitemapURLSet, URLs: []Entry{{Loc: "http://t/x"}, {Loc: "http://t/y"}}}
	b := Document{Kind: indexer.SitemapURLSet, URLs: []Entry{{Loc: "http://t/y"}, {Loc: "http://t/x"}}}
	c := Document{Kind: indexer.SitemapURLSet, URLs: []Entry{{Loc: "http://t/x"}, {Loc: "http://t/z"}}}

	hashA, err := ContentHash(a, hasher)
	require.NoError(t, err)
	hashB, err := ContentHash(b, hasher)
	require.NoError(t, err)
	hashC, err := ContentHash(c, hasher)
	require.NoError(t, err)

	require.Equal(t, hashA, hashB, "order must not affect the hash")
	require.NotEqual(t, hashA, hashC, "a changed child set must change the hash")
}
