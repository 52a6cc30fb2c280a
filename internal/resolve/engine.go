package resolve

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// ErrNotFound is returned when every declared strategy was exhausted without
// a single confident match. Ambiguity is reported as not-found, never as a
// guess.
var ErrNotFound = errors.New("resolve: target not found")

// Match is a successful fallback resolution.
type Match struct {
	Target    string
	Strategy  StrategyKind
	Selection *goquery.Selection
}

// FallbackHook observes successful fallback resolutions. Each invocation is
// a signal that the primary selector table is drifting from the live page.
type FallbackHook func(target string, kind StrategyKind)

// Engine resolves logical target names against a page snapshot using the
// hint table's fallback chain. It holds no mutable state and is safe for
// concurrent use. The engine is only ever consulted after the primary
// structural lookup has failed.
type Engine struct {
	table      Table
	logger     *log.Logger
	onFallback FallbackHook
}

// NewEngine creates an engine over the given hint table.
func NewEngine(table Table, logger *log.Logger) *Engine {
	e := &Engine{table: table, logger: logger}
	e.onFallback = func(target string, kind StrategyKind) {
		logger.Printf("resolve: target %q located via fallback %q; primary selector table may be stale", target, kind)
	}
	return e
}

// SetFallbackHook replaces the default log-only observability hook.
func (e *Engine) SetFallbackHook(fn FallbackHook) {
	if fn != nil {
		e.onFallback = fn
	}
}

// strategyFunc returns the candidate set for one strategy. A nil return
// means the strategy could not run (e.g. an invalid tag in the hint).
type strategyFunc func(doc *goquery.Document, h Hint) *goquery.Selection

var dispatch = map[StrategyKind]strategyFunc{
	StrategyID:            resolveID,
	StrategyRole:          resolveRole,
	StrategyLabel:         resolveLabel,
	StrategyTagText:       resolveTagText,
	StrategyTagIcon:       resolveTagIcon,
	StrategyTagAttrs:      resolveTagAttrs,
	StrategyTagAttrPrefix: resolveTagAttrPrefix,
	StrategySelectors:     resolveSelectors,
	StrategyTagChild:      resolveTagChild,
}

// Resolve walks the hint's declared strategies in chain order and returns
// the first single unambiguous element. Strategies are mutually exclusive
// fallbacks; their results are never combined.
func (e *Engine) Resolve(doc *goquery.Document, target string) (*Match, error) {
	hint, ok := e.table[target]
	if !ok {
		return nil, fmt.Errorf("no hint declared for %q: %w", target, ErrNotFound)
	}

	for _, kind := range hint.strategies() {
		cand := dispatch[kind](doc, hint)
		if cand == nil || cand.Length() != 1 {
			continue
		}
		e.onFallback(target, kind)
		return &Match{Target: target, Strategy: kind, Selection: cand}, nil
	}
	return nil, fmt.Errorf("target %q: %w", target, ErrNotFound)
}

func resolveID(doc *goquery.Document, h Hint) *goquery.Selection {
	return doc.Find("[id]").FilterFunc(func(_ int, s *goquery.Selection) bool {
		return s.AttrOr("id", "") == h.ID
	})
}

func resolveRole(doc *goquery.Document, h Hint) *goquery.Selection {
	cands := doc.Find("[role]").FilterFunc(func(_ int, s *goquery.Selection) bool {
		return s.AttrOr("role", "") == h.Role
	})
	// Multiple role matches narrow by rendered text when a text hint exists.
	if cands.Length() > 1 && h.Text != "" {
		cands = cands.FilterFunc(func(_ int, s *goquery.Selection) bool {
			return containsFold(s.Text(), h.Text)
		})
	}
	return cands
}

func resolveLabel(doc *goquery.Document, h Hint) *goquery.Selection {
	return doc.Find("[aria-label]").FilterFunc(func(_ int, s *goquery.Selection) bool {
		return containsFold(s.AttrOr("aria-label", ""), h.Label)
	})
}

func resolveTagText(doc *goquery.Document, h Hint) *goquery.Selection {
	cands := findTag(doc, h.Tag)
	if cands == nil {
		return nil
	}
	return cands.FilterFunc(func(_ int, s *goquery.Selection) bool {
		return containsFold(s.Text(), h.Text)
	})
}

// iconDescendants is the small set of icon-bearing sub-elements checked by
// the tag-plus-icon-marker strategy.
var iconDescendants = cascadia.MustCompile("svg, i, span")

func resolveTagIcon(doc *goquery.Document, h Hint) *goquery.Selection {
	cands := findTag(doc, h.Tag)
	if cands == nil {
		return nil
	}
	return cands.FilterFunc(func(_ int, s *goquery.Selection) bool {
		matched := false
		s.FindMatcher(iconDescendants).EachWithBreak(func(_ int, icon *goquery.Selection) bool {
			if containsFold(icon.Text(), h.IconMarker) {
				matched = true
				return false
			}
			return true
		})
		if matched {
			return true
		}
		return containsFold(s.Text(), h.IconMarker)
	})
}

func resolveTagAttrs(doc *goquery.Document, h Hint) *goquery.Selection {
	cands := findTag(doc, h.Tag)
	if cands == nil {
		return nil
	}
	return cands.FilterFunc(func(_ int, s *goquery.Selection) bool {
		for attr, want := range h.Attrs {
			got, ok := s.Attr(attr)
			if !ok || got != want {
				return false
			}
		}
		return true
	})
}

func resolveTagAttrPrefix(doc *goquery.Document, h Hint) *goquery.Selection {
	cands := findTag(doc, h.Tag)
	if cands == nil {
		return nil
	}
	return cands.FilterFunc(func(_ int, s *goquery.Selection) bool {
		got, ok := s.Attr(h.AttrPrefix.Attr)
		return ok && strings.HasPrefix(got, h.AttrPrefix.Prefix)
	})
}

// resolveSelectors tries each raw selector in order; the first element the
// first matching selector yields wins. Syntactically invalid selectors are
// skipped silently.
func resolveSelectors(doc *goquery.Document, h Hint) *goquery.Selection {
	for _, raw := range h.Selectors {
		sel, err := cascadia.Compile(raw)
		if err != nil {
			continue
		}
		found := doc.FindMatcher(sel)
		if found.Length() > 0 {
			return found.First()
		}
	}
	return nil
}

func resolveTagChild(doc *goquery.Document, h Hint) *goquery.Selection {
	child, err := cascadia.Compile(h.ChildSelector)
	if err != nil {
		return nil
	}
	cands := findTag(doc, h.Tag)
	if cands == nil {
		return nil
	}
	return cands.FilterFunc(func(_ int, s *goquery.Selection) bool {
		return s.FindMatcher(child).Length() > 0
	})
}

// findTag compiles the hint's tag as a selector; a malformed tag disables
// the strategy rather than raising.
func findTag(doc *goquery.Document, tag string) *goquery.Selection {
	sel, err := cascadia.Compile(tag)
	if err != nil {
		return nil
	}
	return doc.FindMatcher(sel)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
