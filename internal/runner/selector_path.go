package runner

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// SelectorPath builds an unambiguous CSS path for the first node of sel, so
// the bridge can re-find the element in the live page without re-running the
// resolution chain. An id short-circuits the walk.
func SelectorPath(sel *goquery.Selection) string {
	node := sel.Get(0)
	if node == nil {
		return ""
	}

	var segments []string
	for n := node; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if n.Data == "html" || n.Data == "body" {
			break
		}
		if id := attrVal(n, "id"); id != "" {
			segments = append(segments, fmt.Sprintf("#%s", id))
			break
		}
		segments = append(segments, fmt.Sprintf("%s:nth-child(%d)", n.Data, elementIndex(n)))
	}

	// Reverse into document order.
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return strings.Join(segments, " > ")
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// elementIndex returns the 1-based position of n among its element siblings,
// matching CSS :nth-child counting.
func elementIndex(n *html.Node) int {
	i := 1
	for sib := n.PrevSibling; sib != nil; sib = sib.PrevSibling {
		if sib.Type == html.ElementNode {
			i++
		}
	}
	return i
}
