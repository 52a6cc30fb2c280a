package resolve

import (
	"bytes"
	"errors"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(t *testing.T, body string) *goquery.Document {
	t.Helper()
	d, err := goquery.NewDocumentFromReader(strings.NewReader("<html><body>" + body + "</body></html>"))
	require.NoError(t, err)
	return d
}

func newEngine(table Table) *Engine {
	return NewEngine(table, log.New(&bytes.Buffer{}, "", 0))
}

func TestResolve_IDWinsOverEverything(t *testing.T) {
	e := newEngine(Table{
		"generate": {
			Name: "generate",
			ID:   "gen",
			Role: "button",
			Tag:  "button",
			Text: "generate",
		},
	})
	d := doc(t, `
		<button id="gen">Old label</button>
		<button role="button">Generate</button>
		<button role="button">Generate all</button>`)

	m, err := e.Resolve(d, "generate")
	require.NoError(t, err)
	assert.Equal(t, StrategyID, m.Strategy)
	id, _ := m.Selection.Attr("id")
	assert.Equal(t, "gen", id)
}

func TestResolve_RoleAmbiguousWithoutText(t *testing.T) {
	e := newEngine(Table{
		"submit": {Name: "submit", Role: "button"},
	})
	d := doc(t, `
		<div role="button">Generate</div>
		<div role="button">Cancel</div>`)

	_, err := e.Resolve(d, "submit")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_RoleNarrowedByText(t *testing.T) {
	e := newEngine(Table{
		"submit": {Name: "submit", Role: "button", Text: "generate"},
	})
	d := doc(t, `
		<div role="button">Generate</div>
		<div role="button">Cancel</div>`)

	m, err := e.Resolve(d, "submit")
	require.NoError(t, err)
	assert.Equal(t, StrategyRole, m.Strategy)
	assert.Contains(t, m.Selection.Text(), "Generate")
}

func TestResolve_LabelSubstringCaseInsensitive(t *testing.T) {
	e := newEngine(Table{
		"download": {Name: "download", Label: "download"},
	})
	d := doc(t, `
		<button aria-label="Download video">⬇</button>
		<button aria-label="Share">Share</button>`)

	m, err := e.Resolve(d, "download")
	require.NoError(t, err)
	assert.Equal(t, StrategyLabel, m.Strategy)
}

func TestResolve_TagText(t *testing.T) {
	e := newEngine(Table{
		"video-tab": {Name: "video-tab", Tag: "button", Text: "video"},
	})
	d := doc(t, `
		<button>Image</button>
		<button>Video</button>
		<a>Video</a>`)

	m, err := e.Resolve(d, "video-tab")
	require.NoError(t, err)
	assert.Equal(t, StrategyTagText, m.Strategy)
	assert.Equal(t, "Video", m.Selection.Text())
}

func TestResolve_TagIconMarker(t *testing.T) {
	e := newEngine(Table{
		"download": {Name: "download", Tag: "button", IconMarker: "file_download"},
	})
	d := doc(t, `
		<button><span>file_download</span></button>
		<button><span>share</span></button>`)

	m, err := e.Resolve(d, "download")
	require.NoError(t, err)
	assert.Equal(t, StrategyTagIcon, m.Strategy)
}

func TestResolve_TagExactAttrs(t *testing.T) {
	e := newEngine(Table{
		"prompt": {Name: "prompt", Tag: "textarea", Attrs: map[string]string{"name": "prompt", "rows": "4"}},
	})
	d := doc(t, `
		<textarea name="prompt" rows="4"></textarea>
		<textarea name="prompt" rows="8"></textarea>`)

	m, err := e.Resolve(d, "prompt")
	require.NoError(t, err)
	assert.Equal(t, StrategyTagAttrs, m.Strategy)
	rows, _ := m.Selection.Attr("rows")
	assert.Equal(t, "4", rows)
}

func TestResolve_TagAttrPrefix(t *testing.T) {
	e := newEngine(Table{
		"video-tab": {Name: "video-tab", Tag: "button", AttrPrefix: &AttrPrefix{Attr: "data-tab", Prefix: "video"}},
	})
	d := doc(t, `
		<button data-tab="video-gen">Video</button>
		<button data-tab="image-gen">Image</button>`)

	m, err := e.Resolve(d, "video-tab")
	require.NoError(t, err)
	assert.Equal(t, StrategyTagAttrPrefix, m.Strategy)
}

func TestResolve_SelectorListSkipsInvalidSilently(t *testing.T) {
	e := newEngine(Table{
		"generate": {Name: "generate", Selectors: []string{
			"button:::broken(",
			"button[data-action='generate']",
		}},
	})
	d := doc(t, `<button data-action="generate">Go</button>`)

	m, err := e.Resolve(d, "generate")
	require.NoError(t, err)
	assert.Equal(t, StrategySelectors, m.Strategy)
}

func TestResolve_SelectorListFirstMatchWins(t *testing.T) {
	e := newEngine(Table{
		"generate": {Name: "generate", Selectors: []string{
			"button.primary",
			"button",
		}},
	})
	d := doc(t, `
		<button>Other</button>
		<button class="primary">Go</button>`)

	m, err := e.Resolve(d, "generate")
	require.NoError(t, err)
	assert.Equal(t, "Go", m.Selection.Text())
}

func TestResolve_ParentContainingChild(t *testing.T) {
	e := newEngine(Table{
		"project-card": {Name: "project-card", Tag: "article", ChildSelector: "a[href^='/project/']"},
	})
	d := doc(t, `
		<article><a href="/about">About</a></article>
		<article><a href="/project/42">My project</a></article>`)

	m, err := e.Resolve(d, "project-card")
	require.NoError(t, err)
	assert.Equal(t, StrategyTagChild, m.Strategy)
}

func TestResolve_AmbiguousStrategyFallsThrough(t *testing.T) {
	// Two label matches make the label strategy ambiguous; the selector list
	// further down the chain still resolves.
	e := newEngine(Table{
		"download": {
			Name:      "download",
			Label:     "download",
			Selectors: []string{"button.dl"},
		},
	})
	d := doc(t, `
		<button aria-label="download image">A</button>
		<button aria-label="download video" class="dl">B</button>`)

	m, err := e.Resolve(d, "download")
	require.NoError(t, err)
	assert.Equal(t, StrategySelectors, m.Strategy)
	assert.Equal(t, "B", m.Selection.Text())
}

func TestResolve_UnknownTarget(t *testing.T) {
	e := newEngine(Table{})
	d := doc(t, `<button id="gen">Go</button>`)

	_, err := e.Resolve(d, "mystery")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestResolve_FallbackHookRecordsStrategy(t *testing.T) {
	e := newEngine(Table{
		"generate": {Name: "generate", ID: "gen"},
	})
	var gotTarget string
	var gotKind StrategyKind
	e.SetFallbackHook(func(target string, kind StrategyKind) {
		gotTarget = target
		gotKind = kind
	})
	d := doc(t, `<button id="gen">Go</button>`)

	_, err := e.Resolve(d, "generate")
	require.NoError(t, err)
	assert.Equal(t, "generate", gotTarget)
	assert.Equal(t, StrategyID, gotKind)
}

func TestLoadTable(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/hints.yaml"
	content := `schema_version: 1
file_type: hint_table
hints:
  - name: generate-button
    id: generate-btn
    role: button
    text: generate
  - name: download-button
    tag: button
    icon_marker: download
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	table, err := LoadTable(path)
	require.NoError(t, err)
	assert.Len(t, table, 2)
	assert.Equal(t, "generate-btn", table["generate-button"].ID)
	assert.Equal(t, "download", table["download-button"].IconMarker)
}

func TestLoadTable_RejectsForeignFileType(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/hints.yaml"
	content := `schema_version: 1
file_type: batch_queue
hints:
  - name: generate-button
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := LoadTable(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file_type")
}

func TestLoadTable_RejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/hints.yaml"
	content := `schema_version: 1
file_type: hint_table
hints:
  - name: generate-button
  - name: generate-button
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := LoadTable(path)
	assert.Error(t, err)
}

func TestSaveTableRoundTrip(t *testing.T) {
	path := t.TempDir() + "/hints.yaml"
	require.NoError(t, SaveTable(path, DefaultTable()))

	loaded, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTable(), loaded)
}

func TestHint_StrategiesInChainOrder(t *testing.T) {
	h := Hint{
		Name:          "x",
		ChildSelector: "a",
		Tag:           "div",
		Selectors:     []string{"div"},
		ID:            "x1",
	}
	kinds := h.strategies()
	assert.Equal(t, []StrategyKind{StrategyID, StrategySelectors, StrategyTagChild}, kinds)
}
