// Package resolve locates UI targets in a page snapshot when the primary
// selector table has drifted from the live page. It is a pure, read-only
// query layer: no network, no storage, no page mutation.
package resolve

import (
	"fmt"
	"os"
	"sort"

	yamlv3 "gopkg.in/yaml.v3"

	yamlutil "github.com/mkurosawa/batchpilot/internal/yaml"
)

const (
	TableSchemaVersion = 1
	TableFileType      = "hint_table"
)

// StrategyKind names one fallback heuristic. The engine evaluates the kinds
// in the fixed chain order below, not in declaration order.
type StrategyKind string

const (
	StrategyID            StrategyKind = "id"
	StrategyRole          StrategyKind = "role"
	StrategyLabel         StrategyKind = "label"
	StrategyTagText       StrategyKind = "tag_text"
	StrategyTagIcon       StrategyKind = "tag_icon"
	StrategyTagAttrs      StrategyKind = "tag_attrs"
	StrategyTagAttrPrefix StrategyKind = "tag_attr_prefix"
	StrategySelectors     StrategyKind = "selectors"
	StrategyTagChild      StrategyKind = "tag_child"
)

// chainOrder is the evaluation order of the fallback chain, highest
// confidence first.
var chainOrder = []StrategyKind{
	StrategyID,
	StrategyRole,
	StrategyLabel,
	StrategyTagText,
	StrategyTagIcon,
	StrategyTagAttrs,
	StrategyTagAttrPrefix,
	StrategySelectors,
	StrategyTagChild,
}

// AttrPrefix matches an attribute whose value starts with Prefix.
type AttrPrefix struct {
	Attr   string `yaml:"attr"`
	Prefix string `yaml:"prefix"`
}

// Hint declares the fallback heuristics for one logical target. Hints are
// immutable, declared ahead of time, and keyed by target name; a hint need
// not define every strategy.
type Hint struct {
	Name          string            `yaml:"name"`
	ID            string            `yaml:"id,omitempty"`              // unique identifier attribute value
	Role          string            `yaml:"role,omitempty"`            // accessibility role
	Text          string            `yaml:"text,omitempty"`            // rendered-text fragment
	Label         string            `yaml:"label,omitempty"`           // accessible-label fragment
	Tag           string            `yaml:"tag,omitempty"`             // element tag for tag-scoped strategies
	IconMarker    string            `yaml:"icon_marker,omitempty"`     // icon text marker
	Attrs         map[string]string `yaml:"attrs,omitempty"`           // exact attribute map
	AttrPrefix    *AttrPrefix       `yaml:"attr_prefix,omitempty"`     // attribute value prefix
	Selectors     []string          `yaml:"selectors,omitempty"`       // raw fallback selectors, tried in order
	ChildSelector string            `yaml:"child_selector,omitempty"`  // descendant pattern for parent match
}

// strategies returns the kinds this hint declares, in chain order.
func (h Hint) strategies() []StrategyKind {
	var kinds []StrategyKind
	for _, k := range chainOrder {
		if h.defines(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (h Hint) defines(k StrategyKind) bool {
	switch k {
	case StrategyID:
		return h.ID != ""
	case StrategyRole:
		return h.Role != ""
	case StrategyLabel:
		return h.Label != ""
	case StrategyTagText:
		return h.Tag != "" && h.Text != ""
	case StrategyTagIcon:
		return h.Tag != "" && h.IconMarker != ""
	case StrategyTagAttrs:
		return h.Tag != "" && len(h.Attrs) > 0
	case StrategyTagAttrPrefix:
		return h.Tag != "" && h.AttrPrefix != nil && h.AttrPrefix.Attr != ""
	case StrategySelectors:
		return len(h.Selectors) > 0
	case StrategyTagChild:
		return h.Tag != "" && h.ChildSelector != ""
	}
	return false
}

// Table is the static hint configuration, keyed by logical target name.
// Read-only at run time.
type Table map[string]Hint

type tableFile struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Hints         []Hint `yaml:"hints"`
}

// LoadTable reads a hint table from a YAML file.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hint table: %w", err)
	}
	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, TableFileType); err != nil {
		return nil, fmt.Errorf("hint table %s: %w", path, err)
	}
	var tf tableFile
	if err := yamlv3.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse hint table: %w", err)
	}
	t := make(Table, len(tf.Hints))
	for _, h := range tf.Hints {
		if h.Name == "" {
			return nil, fmt.Errorf("hint with empty name in %s", path)
		}
		if _, dup := t[h.Name]; dup {
			return nil, fmt.Errorf("duplicate hint %q in %s", h.Name, path)
		}
		t[h.Name] = h
	}
	return t, nil
}

// SaveTable writes a hint table to a YAML file, ordered by target name so
// the output is stable across runs.
func SaveTable(path string, t Table) error {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)

	tf := tableFile{
		SchemaVersion: TableSchemaVersion,
		FileType:      TableFileType,
		Hints:         make([]Hint, 0, len(t)),
	}
	for _, name := range names {
		tf.Hints = append(tf.Hints, t[name])
	}

	data, err := yamlv3.Marshal(&tf)
	if err != nil {
		return fmt.Errorf("encode hint table: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write hint table: %w", err)
	}
	return nil
}

// DefaultTable covers the studio targets the extension drives most often.
// A user-supplied hint table replaces it wholesale.
func DefaultTable() Table {
	hints := []Hint{
		{
			Name:  "generate-button",
			ID:    "generate-btn",
			Role:  "button",
			Text:  "generate",
			Tag:   "button",
			Label: "generate",
			Selectors: []string{
				"button[data-action='generate']",
				"form button[type='submit']",
			},
		},
		{
			Name:       "download-button",
			Role:       "button",
			Tag:        "button",
			IconMarker: "download",
			Label:      "download",
		},
		{
			Name:  "prompt-input",
			ID:    "prompt",
			Role:  "textbox",
			Tag:   "textarea",
			Label: "prompt",
			Attrs: map[string]string{"name": "prompt"},
		},
		{
			Name:       "video-tab",
			Role:       "tab",
			Text:       "video",
			Tag:        "button",
			AttrPrefix: &AttrPrefix{Attr: "data-tab", Prefix: "video"},
		},
		{
			Name:          "project-card",
			Tag:           "article",
			ChildSelector: "a[href^='/project/']",
		},
	}
	t := make(Table, len(hints))
	for _, h := range hints {
		t[h.Name] = h
	}
	return t
}
