package thread

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-delve/cdpbridge/pkg/cdp"
)

// SourceID names a source document within a session.
type SourceID int

// SourceForm describes a source document to clients.
type SourceForm struct {
	ID              SourceID
	URL             string
	IsBlackBoxed    bool
	IsPrettyPrinted bool
}

// Location is a 1-based position in a source document. Source is zero
// when the position is in a script the registry does not know.
type Location struct {
	Source SourceID
	URL    string
	Line   int
	Column int
}

type scriptRecord struct {
	id    cdp.ScriptID
	lines int

	// sourceLine is the 1-based line of the document where the script
	// starts. hasLine is false for scripts added after the document text
	// was composed.
	sourceLine int
	hasLine    bool

	text    string
	fetched bool
}

type sourceDoc struct {
	id      SourceID
	url     string
	scripts []*scriptRecord

	cached  bool
	text    string
	loading chan struct{}
}

func (d *sourceDoc) form() SourceForm {
	return SourceForm{ID: d.id, URL: d.url}
}

// layout assigns every script its starting line in the composed text.
// With more than one script the text opens with a wrapper line.
func (d *sourceDoc) layout() {
	line := 1
	if len(d.scripts) > 1 {
		line++
	}
	for _, s := range d.scripts {
		s.sourceLine = line
		s.hasLine = true
		line += s.lines
	}
}

func (d *sourceDoc) compose() string {
	var b strings.Builder
	wrap := len(d.scripts) > 1
	if wrap {
		b.WriteString("<script>\n")
	}
	for i, s := range d.scripts {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s.text)
	}
	if wrap {
		b.WriteString("\n</script>")
	}
	return b.String()
}

// FetchFunc returns the text of one script.
type FetchFunc func(ctx context.Context, id cdp.ScriptID) (string, error)

// SourceRegistry maps normalized URLs to source documents assembled from
// the scripts the target parsed.
type SourceRegistry struct {
	fetch FetchFunc

	mu       sync.Mutex
	nextID   SourceID
	order    []*sourceDoc
	byURL    map[string]*sourceDoc
	byID     map[SourceID]*sourceDoc
	byScript map[cdp.ScriptID]*sourceDoc
}

// NewSourceRegistry returns an empty registry fetching script text with
// fetch.
func NewSourceRegistry(fetch FetchFunc) *SourceRegistry {
	return &SourceRegistry{
		fetch:    fetch,
		byURL:    make(map[string]*sourceDoc),
		byID:     make(map[SourceID]*sourceDoc),
		byScript: make(map[cdp.ScriptID]*sourceDoc),
	}
}

// NormalizeURL returns the key documents are stored under. Scheme and
// host are case folded and the fragment is dropped.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// SourceRef returns the document for rawURL, creating it on first sight.
// When script is not nil it is recorded as part of the document. created
// reports whether the document is new.
func (r *SourceRegistry) SourceRef(rawURL string, script *cdp.ScriptParsedEvent) (form SourceForm, created bool) {
	key := NormalizeURL(rawURL)

	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.byURL[key]
	if !ok {
		r.nextID++
		doc = &sourceDoc{id: r.nextID, url: key}
		r.byURL[key] = doc
		r.byID[doc.id] = doc
		r.order = append(r.order, doc)
		created = true
	}
	if script != nil {
		r.addScriptLocked(doc, script)
	}
	return doc.form(), created
}

func (r *SourceRegistry) addScriptLocked(doc *sourceDoc, script *cdp.ScriptParsedEvent) {
	r.byScript[script.ScriptID] = doc
	for _, s := range doc.scripts {
		if s.id == script.ScriptID {
			return
		}
	}
	doc.scripts = append(doc.scripts, &scriptRecord{id: script.ScriptID, lines: script.LineCount()})
	if !doc.cached {
		doc.layout()
	}
}

// Sources lists every document in the order they were first seen.
func (r *SourceRegistry) Sources() []SourceForm {
	r.mu.Lock()
	defer r.mu.Unlock()
	forms := make([]SourceForm, len(r.order))
	for i, d := range r.order {
		forms[i] = d.form()
	}
	return forms
}

// Lookup returns the document with the given id.
func (r *SourceRegistry) Lookup(id SourceID) (SourceForm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.byID[id]
	if !ok {
		return SourceForm{}, fmt.Errorf("source %d: %w", id, ErrNoSuchSource)
	}
	return doc.form(), nil
}

// LookupURL returns the document stored under the normalized form of
// rawURL.
func (r *SourceRegistry) LookupURL(rawURL string) (SourceForm, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.byURL[NormalizeURL(rawURL)]
	if !ok {
		return SourceForm{}, false
	}
	return doc.form(), true
}

// CacheSource returns the composed text of a document. Each script is
// fetched from the target once; the composed text never changes after
// the first successful call.
func (r *SourceRegistry) CacheSource(ctx context.Context, id SourceID) (string, error) {
	r.mu.Lock()
	doc, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("source %d: %w", id, ErrNoSuchSource)
	}
	for {
		if doc.cached {
			text := doc.text
			r.mu.Unlock()
			return text, nil
		}
		if doc.loading != nil {
			ch := doc.loading
			r.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			r.mu.Lock()
			continue
		}

		var todo []*scriptRecord
		for _, s := range doc.scripts {
			if !s.fetched {
				todo = append(todo, s)
			}
		}
		if len(todo) == 0 {
			doc.layout()
			doc.text = doc.compose()
			doc.cached = true
			continue
		}

		ch := make(chan struct{})
		doc.loading = ch
		r.mu.Unlock()

		texts := make([]string, len(todo))
		var err error
		for i, s := range todo {
			texts[i], err = r.fetch(ctx, s.id)
			if err != nil {
				err = fmt.Errorf("fetching script %s of %s: %w", s.id, doc.url, err)
				break
			}
		}

		r.mu.Lock()
		doc.loading = nil
		close(ch)
		if err != nil {
			r.mu.Unlock()
			return "", err
		}
		for i, s := range todo {
			s.text = texts[i]
			s.fetched = true
		}
	}
}

// RelativeLocation maps a 0-based target location to a 1-based document
// location. Unknown scripts map with an offset of one and no document.
func (r *SourceRegistry) RelativeLocation(loc cdp.Location) Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	offset := 1
	doc, ok := r.byScript[loc.ScriptID]
	if !ok {
		return Location{Line: loc.LineNumber + offset, Column: loc.ColumnNumber}
	}
	for _, s := range doc.scripts {
		if s.id == loc.ScriptID && s.hasLine {
			offset = s.sourceLine
			break
		}
	}
	return Location{Source: doc.id, URL: doc.url, Line: loc.LineNumber + offset, Column: loc.ColumnNumber}
}
