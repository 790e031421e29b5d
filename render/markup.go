package render

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// RenderHTML writes the markup fragment for v: an <img> once loaded, a
// skeleton <div> while pending and a placeholder <div> after failure.
func RenderHTML(w io.Writer, v View) error {
	return html.Render(w, node(v))
}

func node(v View) *html.Node {
	switch v.State {
	case Loaded:
		img := element("img",
			"src", v.URL,
			"alt", v.Alt,
			"style", "object-fit:"+string(v.ObjectFit),
			"decoding", "async",
		)
		addDimensions(img, v.Width, v.Height)
		if v.Priority {
			img.Attr = append(img.Attr,
				html.Attribute{Key: "loading", Val: "eager"},
				html.Attribute{Key: "fetchpriority", Val: "high"},
			)
		} else {
			img.Attr = append(img.Attr, html.Attribute{Key: "loading", Val: "lazy"})
		}
		return img

	case Failed:
		p := v.Placeholder
		if p == nil {
			ph := NewPlaceholder(v.Alt, "")
			p = &ph
		}
		div := element("div",
			"class", "image-placeholder",
			"role", "img",
			"aria-label", v.Alt,
			"data-icon", string(p.Icon),
			"style", boxStyle(v.Width, v.Height, "background:"+p.Gradient()),
		)
		icon := element("span", "class", "image-placeholder-icon icon-"+string(p.Icon), "aria-hidden", "true")
		text := element("span", "class", "image-placeholder-text")
		text.AppendChild(&html.Node{Type: html.TextNode, Data: p.Text})
		div.AppendChild(icon)
		div.AppendChild(text)
		return div

	default:
		return element("div",
			"class", "image-skeleton",
			"role", "img",
			"aria-busy", "true",
			"aria-label", v.Alt,
			"style", boxStyle(v.Width, v.Height, ""),
		)
	}
}

func addDimensions(n *html.Node, width, height int) {
	if width > 0 {
		n.Attr = append(n.Attr, html.Attribute{Key: "width", Val: strconv.Itoa(width)})
	}
	if height > 0 {
		n.Attr = append(n.Attr, html.Attribute{Key: "height", Val: strconv.Itoa(height)})
	}
}

func boxStyle(width, height int, extra string) string {
	var parts []string
	if width > 0 {
		parts = append(parts, fmt.Sprintf("width:%dpx", width))
	}
	if height > 0 {
		parts = append(parts, fmt.Sprintf("height:%dpx", height))
	}
	if extra != "" {
		parts = append(parts, extra)
	}
	return strings.Join(parts, ";")
}
