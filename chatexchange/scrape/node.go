package scrape

import (
	"strings"

	"golang.org/x/net/html"
)

type matcher func(*html.Node) bool

func findAll(root *html.Node, match matcher) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func findFirst(root *html.Node, match matcher) *html.Node {
	if all := findAll(root, match); len(all) > 0 {
		return all[0]
	}
	return nil
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func byTag(tag string) matcher {
	return func(n *html.Node) bool { return n.Data == tag }
}

func byID(id string) matcher {
	return func(n *html.Node) bool {
		v, ok := attr(n, "id")
		return ok && v == id
	}
}

// byClass matches elements carrying every one of classes.
func byClass(classes ...string) matcher {
	return func(n *html.Node) bool {
		v, ok := attr(n, "class")
		if !ok {
			return false
		}
		have := strings.Fields(v)
		for _, want := range classes {
			found := false
			for _, h := range have {
				if h == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
}

// within restricts match to nodes that have an ancestor matching outer.
func within(outer, match matcher) matcher {
	return func(n *html.Node) bool {
		if !match(n) {
			return false
		}
		for p := n.Parent; p != nil; p = p.Parent {
			if p.Type == html.ElementNode && outer(p) {
				return true
			}
		}
		return false
	}
}

// childOf restricts match to nodes whose direct parent matches parent.
func childOf(parent, match matcher) matcher {
	return func(n *html.Node) bool {
		return match(n) && n.Parent != nil && n.Parent.Type == html.ElementNode && parent(n.Parent)
	}
}

// text returns the node's text with runs of whitespace collapsed.
func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// rawText returns script or style content verbatim.
func rawText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}
