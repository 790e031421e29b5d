package render

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	journalmedia "github.com/wolfeidau/journal-media"
)

// DefaultFallbackText is shown when no fallback text is given.
const DefaultFallbackText = "Image not available"

// Icon names the glyph drawn on a placeholder.
type Icon string

const (
	IconImage    Icon = "image"
	IconDocument Icon = "document"
)

// Placeholder is the stand-in drawn for an image that cannot be shown.
// Its colours depend only on the label, so the same image always gets the
// same placeholder.
type Placeholder struct {
	Label string
	Text  string
	Icon  Icon
	Hue1  int
	Hue2  int
}

// NewPlaceholder derives a placeholder from the alt or label text.
func NewPlaceholder(label, fallbackText string) Placeholder {
	h := journalmedia.HashString(label)
	hue1 := int(h.Uint16(0) % 360)
	hue2 := (hue1 + 30 + int(h.Uint16(2)%90)) % 360

	icon := IconImage
	if strings.Contains(strings.ToLower(label), "pdf") {
		icon = IconDocument
	}
	text := strings.TrimSpace(fallbackText)
	if text == "" {
		text = DefaultFallbackText
	}
	return Placeholder{Label: label, Text: text, Icon: icon, Hue1: hue1, Hue2: hue2}
}

// Gradient returns the CSS background for the placeholder.
func (p Placeholder) Gradient() string {
	return fmt.Sprintf("linear-gradient(135deg, hsl(%d, 45%%, 85%%), hsl(%d, 50%%, 70%%))", p.Hue1, p.Hue2)
}

// SVG writes a standalone SVG image of the placeholder.
func (p Placeholder) SVG(w io.Writer, width, height int) error {
	if width <= 0 {
		width = 400
	}
	if height <= 0 {
		height = 300
	}
	ws, hs := strconv.Itoa(width), strconv.Itoa(height)

	svg := element("svg",
		"xmlns", "http://www.w3.org/2000/svg",
		"width", ws,
		"height", hs,
		"viewBox", "0 0 "+ws+" "+hs,
		"role", "img",
		"aria-label", p.Label,
	)
	defs := element("defs")
	grad := element("linearGradient", "id", "bg", "x1", "0", "y1", "0", "x2", "1", "y2", "1")
	grad.AppendChild(element("stop", "offset", "0", "stop-color", fmt.Sprintf("hsl(%d, 45%%, 85%%)", p.Hue1)))
	grad.AppendChild(element("stop", "offset", "1", "stop-color", fmt.Sprintf("hsl(%d, 50%%, 70%%)", p.Hue2)))
	defs.AppendChild(grad)
	svg.AppendChild(defs)
	svg.AppendChild(element("rect", "width", "100%", "height", "100%", "fill", "url(#bg)"))

	cx, cy := width/2, height/2
	svg.AppendChild(iconShape(p.Icon, cx, cy-12))

	label := element("text",
		"x", strconv.Itoa(cx),
		"y", strconv.Itoa(cy+32),
		"text-anchor", "middle",
		"font-family", "sans-serif",
		"font-size", "14",
		"fill", "#334155",
	)
	label.AppendChild(&html.Node{Type: html.TextNode, Data: p.Text})
	svg.AppendChild(label)

	return html.Render(w, svg)
}

func iconShape(icon Icon, cx, cy int) *html.Node {
	g := element("g", "fill", "none", "stroke", "#475569", "stroke-width", "2")
	switch icon {
	case IconDocument:
		g.AppendChild(element("path", "d", fmt.Sprintf("M%d %d h14 l8 8 v22 h-22 z", cx-11, cy-15)))
		g.AppendChild(element("path", "d", fmt.Sprintf("M%d %d v8 h8", cx+3, cy-15)))
	default:
		g.AppendChild(element("rect", "x", strconv.Itoa(cx-14), "y", strconv.Itoa(cy-11), "width", "28", "height", "22", "rx", "2"))
		g.AppendChild(element("path", "d", fmt.Sprintf("M%d %d l8 -8 l6 6 l4 -4 l10 10", cx-14, cy+9)))
	}
	return g
}

// element builds an element node from alternating attribute keys and values.
func element(tag string, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}
