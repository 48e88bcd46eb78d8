package thread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/cdpbridge/pkg/cdp"
)

func lines(prefix string, n int) string {
	s := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			s += "\n"
		}
		s += fmt.Sprintf("%s%d", prefix, i)
	}
	return s
}

type fakeScripts struct {
	texts map[cdp.ScriptID]string
	calls int32
}

func (f *fakeScripts) fetch(ctx context.Context, id cdp.ScriptID) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	text, ok := f.texts[id]
	if !ok {
		return "", &cdp.Error{Code: -32000, Message: "No script for id: " + string(id)}
	}
	return text, nil
}

func script(id, url string, start, end int) *cdp.ScriptParsedEvent {
	return &cdp.ScriptParsedEvent{ScriptID: cdp.ScriptID(id), URL: url, StartLine: start, EndLine: end}
}

func TestSourceCombinedLayout(t *testing.T) {
	fs := &fakeScripts{texts: map[cdp.ScriptID]string{"1": lines("a", 10), "2": lines("b", 5)}}
	r := NewSourceRegistry(fs.fetch)

	first, created := r.SourceRef("http://example.com/page.html", script("1", "http://example.com/page.html", 0, 9))
	require.True(t, created)
	second, created := r.SourceRef("http://example.com/page.html", script("2", "http://example.com/page.html", 12, 16))
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	loc := r.RelativeLocation(cdp.Location{ScriptID: "2", LineNumber: 3, ColumnNumber: 4})
	require.Equal(t, Location{Source: first.ID, URL: "http://example.com/page.html", Line: 15, Column: 4}, loc)

	text, err := r.CacheSource(context.Background(), first.ID)
	require.NoError(t, err)
	want := "<script>\n" + lines("a", 10) + "\n" + lines("b", 5) + "\n</script>"
	require.Equal(t, want, text)

	// The second script starts on line 12 of the composed text and its
	// fourth line is line 15.
	all := splitLines(text)
	require.Equal(t, "b1", all[11])
	require.Equal(t, "b4", all[14])
	require.Equal(t, "a1", all[1])
	require.Equal(t, 2, r.RelativeLocation(cdp.Location{ScriptID: "1"}).Line)
}

func splitLines(s string) []string {
	var r []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			r = append(r, s[start:i])
			start = i + 1
		}
	}
	return append(r, s[start:])
}

func TestSourceSingleScript(t *testing.T) {
	fs := &fakeScripts{texts: map[cdp.ScriptID]string{"1": "let x = 1;\nlet y = 2;"}}
	r := NewSourceRegistry(fs.fetch)
	form, _ := r.SourceRef("http://example.com/a.js", script("1", "http://example.com/a.js", 0, 1))

	text, err := r.CacheSource(context.Background(), form.ID)
	require.NoError(t, err)
	require.Equal(t, "let x = 1;\nlet y = 2;", text)
	require.Equal(t, 2, r.RelativeLocation(cdp.Location{ScriptID: "1", LineNumber: 1}).Line)
}

func TestSourceFetchedOnce(t *testing.T) {
	fs := &fakeScripts{texts: map[cdp.ScriptID]string{"1": "a", "2": "b"}}
	r := NewSourceRegistry(fs.fetch)
	form, _ := r.SourceRef("a.html", script("1", "a.html", 0, 0))
	r.SourceRef("a.html", script("2", "a.html", 1, 1))

	for i := 0; i < 3; i++ {
		text, err := r.CacheSource(context.Background(), form.ID)
		require.NoError(t, err)
		require.Equal(t, "<script>\na\nb\n</script>", text)
	}
	require.EqualValues(t, 2, atomic.LoadInt32(&fs.calls))

	// Scripts arriving after the text was composed do not change it and
	// map with the default offset.
	fs.texts["3"] = "c"
	r.SourceRef("a.html", script("3", "a.html", 2, 2))
	text, err := r.CacheSource(context.Background(), form.ID)
	require.NoError(t, err)
	require.Equal(t, "<script>\na\nb\n</script>", text)
	require.EqualValues(t, 2, atomic.LoadInt32(&fs.calls))
	require.Equal(t, 1, r.RelativeLocation(cdp.Location{ScriptID: "3"}).Line)
}

func TestSourceConcurrentCache(t *testing.T) {
	gate := make(chan struct{})
	var calls int32
	r := NewSourceRegistry(func(ctx context.Context, id cdp.ScriptID) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-gate
		return "text of " + string(id), nil
	})
	form, _ := r.SourceRef("a.js", script("1", "a.js", 0, 0))

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, err := r.CacheSource(context.Background(), form.ID)
			if err == nil {
				results[i] = text
			}
		}(i)
	}
	close(gate)
	wg.Wait()
	for _, text := range results {
		require.Equal(t, "text of 1", text)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestSourceFetchErrorNotCached(t *testing.T) {
	fs := &fakeScripts{texts: map[cdp.ScriptID]string{}}
	r := NewSourceRegistry(fs.fetch)
	form, _ := r.SourceRef("a.js", script("1", "a.js", 0, 0))

	_, err := r.CacheSource(context.Background(), form.ID)
	var cerr *cdp.Error
	require.True(t, errors.As(err, &cerr))

	fs.texts["1"] = "ok"
	text, err := r.CacheSource(context.Background(), form.ID)
	require.NoError(t, err)
	require.Equal(t, "ok", text)
}

func TestSourceUnknown(t *testing.T) {
	r := NewSourceRegistry(nil)
	_, err := r.CacheSource(context.Background(), 42)
	require.True(t, errors.Is(err, ErrNoSuchSource))
	_, err = r.Lookup(42)
	require.True(t, errors.Is(err, ErrNoSuchSource))

	loc := r.RelativeLocation(cdp.Location{ScriptID: "nope", LineNumber: 4, ColumnNumber: 2})
	require.Equal(t, Location{Line: 5, Column: 2}, loc)
}

func TestNormalizeURL(t *testing.T) {
	for _, tc := range []struct{ in, out string }{
		{"HTTP://Example.COM/Path/a.js", "http://example.com/Path/a.js"},
		{"http://example.com/a.js#L10", "http://example.com/a.js"},
		{"http://example.com/a.js?x=1", "http://example.com/a.js?x=1"},
		{"file:///tmp/a.js", "file:///tmp/a.js"},
	} {
		require.Equal(t, tc.out, NormalizeURL(tc.in), tc.in)
	}

	r := NewSourceRegistry(nil)
	a, _ := r.SourceRef("http://EXAMPLE.com/a.js#top", nil)
	b, created := r.SourceRef("http://example.com/a.js", nil)
	require.False(t, created)
	require.Equal(t, a.ID, b.ID)
	got, ok := r.LookupURL("HTTP://example.com/a.js")
	require.True(t, ok)
	require.Equal(t, a, got)
	require.Len(t, r.Sources(), 1)
}
