package sitemap

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

// Entry is one URL record extracted from a urlset or feed.
type Entry struct {
	Loc        string
	LastMod    string
	ChangeFreq string
	Priority   string
}

// Document is the parsed form of a sitemap, index, or feed.
type Document struct {
	Kind          indexer.SitemapKind
	URLs          []Entry
	ChildSitemaps []string
}

// Parse streams r through an xml.Decoder, detecting the root element and
// collecting entries token by token. Large documents never materialize a
// DOM. On a parse error mid-stream, whatever was extracted so far is
// returned with a warning; if nothing useful came out the error is
// indexer.ErrInvalidSitemap.
func Parse(r io.Reader, logger *zap.Logger) (Document, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dec := xml.NewDecoder(r)
	// Sitemaps in the wild declare all sorts of encodings.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	var doc Document
	var parseErr error

loop:
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			parseErr = err
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch strings.ToLower(start.Name.Local) {
		case "sitemapindex":
			doc.Kind = indexer.SitemapIndex
			parseErr = collectIndex(dec, &doc)
			break loop
		case "urlset":
			doc.Kind = indexer.SitemapURLSet
			parseErr = collectURLSet(dec, &doc)
			break loop
		case "rss":
			doc.Kind = indexer.SitemapRSS
			parseErr = collectRSS(dec, &doc)
			break loop
		case "feed":
			doc.Kind = indexer.SitemapRSS
			parseErr = collectAtom(dec, &doc)
			break loop
		default:
			parseErr = fmt.Errorf("unexpected root element <%s>", start.Name.Local)
			break loop
		}
	}

	if parseErr != nil {
		if len(doc.URLs) > 0 || len(doc.ChildSitemaps) > 0 {
			logger.Warn("sitemap parse ended early, returning partial results",
				zap.Int("urls", len(doc.URLs)),
				zap.Int("children", len(doc.ChildSitemaps)),
				zap.Error(parseErr),
			)
			return doc, nil
		}
		return Document{}, fmt.Errorf("%w: %v", indexer.ErrInvalidSitemap, parseErr)
	}
	if doc.Kind == "" {
		return Document{}, fmt.Errorf("%w: no recognizable root element", indexer.ErrInvalidSitemap)
	}
	return doc, nil
}

// collectIndex gathers <sitemap><loc> children of a sitemapindex root.
func collectIndex(dec *xml.Decoder, doc *Document) error {
	var current string
	inLoc := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			inLoc = strings.EqualFold(t.Name.Local, "loc")
			if inLoc {
				current = ""
			}
		case xml.CharData:
			if inLoc {
				current += string(t)
			}
		case xml.EndElement:
			if strings.EqualFold(t.Name.Local, "loc") {
				inLoc = false
				if loc := strings.TrimSpace(current); loc != "" {
					doc.ChildSitemaps = append(doc.ChildSitemaps, loc)
				}
			}
		}
	}
}

// collectURLSet gathers <url> entries. loc is required; the optional
// lastmod, changefreq, and priority children ride along.
func collectURLSet(dec *xml.Decoder, doc *Document) error {
	var entry Entry
	var text string
	field := ""
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			name := strings.ToLower(t.Name.Local)
			switch name {
			case "url":
				entry = Entry{}
			case "loc", "lastmod", "changefreq", "priority":
				field = name
				text = ""
			}
		case xml.CharData:
			if field != "" {
				text += string(t)
			}
		case xml.EndElement:
			name := strings.ToLower(t.Name.Local)
			switch name {
			case "loc":
				entry.Loc = strings.TrimSpace(text)
				field = ""
			case "lastmod":
				entry.LastMod = strings.TrimSpace(text)
				field = ""
			case "changefreq":
				entry.ChangeFreq = strings.TrimSpace(text)
				field = ""
			case "priority":
				entry.Priority = strings.TrimSpace(text)
				field = ""
			case "url":
				if entry.Loc != "" {
					doc.URLs = append(doc.URLs, entry)
				}
			}
		}
	}
}

// collectRSS gathers item/link text from RSS 2.0 feeds.
func collectRSS(dec *xml.Decoder, doc *Document) error {
	inItem := false
	inLink := false
	var text string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			name := strings.ToLower(t.Name.Local)
			if name == "item" {
				inItem = true
			}
			if inItem && name == "link" {
				inLink = true
				text = ""
			}
		case xml.CharData:
			if inLink {
				text += string(t)
			}
		case xml.EndElement:
			name := strings.ToLower(t.Name.Local)
			if name == "link" && inLink {
				inLink = false
				if loc := strings.TrimSpace(text); loc != "" {
					doc.URLs = append(doc.URLs, Entry{Loc: loc})
				}
			}
			if name == "item" {
				inItem = false
			}
		}
	}
}

// collectAtom gathers entry/link/@href attributes from Atom feeds.
func collectAtom(dec *xml.Decoder, doc *Document) error {
	inEntry := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			name := strings.ToLower(t.Name.Local)
			if name == "entry" {
				inEntry = true
			}
			if inEntry && name == "link" {
				for _, attr := range t.Attr {
					if strings.EqualFold(attr.Name.Local, "href") {
						if loc := strings.TrimSpace(attr.Value); loc != "" {
							doc.URLs = append(doc.URLs, Entry{Loc: loc})
						}
					}
				}
			}
		case xml.EndElement:
			if strings.EqualFold(t.Name.Local, "entry") {
				inEntry = false
			}
		}
	}
}

// ContentHash digests the normalized child loc list: child sitemap locs
// and entry locs together, sorted and newline-joined. It changes iff the
// child set changed.
func ContentHash(doc Document, hasher indexer.Hasher) (string, error) {
	locs := make([]string, 0, len(doc.ChildSitemaps)+len(doc.URLs))
	locs = append(locs, doc.ChildSitemaps...)
	for _, u := range doc.URLs {
		locs = append(locs, u.Loc)
	}
	sort.Strings(locs)
	hash, err := hasher.Hash([]byte(strings.Join(locs, "\n")))
	if err != nil {
		return "", fmt.Errorf("hash child list: %w", err)
	}
	return hash, nil
}
