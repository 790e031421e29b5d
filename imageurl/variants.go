package imageurl

import "strings"

// Variant is one known alternate spelling of a storage bucket path segment.
type Variant struct {
	From string
	To   string
}

// Variants is an ordered table of bucket naming rules.
type Variants []Variant

// DefaultVariants covers the underscore and hyphen spellings seen in the
// journal storage buckets, in both directions.
var DefaultVariants = Variants{
	{From: "rhca_covers", To: "rhca-covers"},
	{From: "rhca-covers", To: "rhca_covers"},
	{From: "igm_covers", To: "igm-covers"},
	{From: "igm-covers", To: "igm_covers"},
	{From: "article_pdfs", To: "article-pdfs"},
	{From: "article-pdfs", To: "article_pdfs"},
}

// Alternate returns the rewrite of the first rule that changes rawURL.
// Rules only match whole path segments. ok is false when no rule applies.
func (v Variants) Alternate(rawURL string) (alt string, ok bool) {
	for _, rule := range v {
		if rule.From == "" || rule.From == rule.To {
			continue
		}
		if alt, ok := replaceSegment(rawURL, rule.From, rule.To); ok && alt != rawURL {
			return alt, true
		}
	}
	return "", false
}

// replaceSegment replaces the first "/from/" with "/to/", ignoring the query.
func replaceSegment(rawURL, from, to string) (string, bool) {
	base, query, hasQuery := strings.Cut(rawURL, "?")
	needle := "/" + from + "/"
	i := strings.Index(base, needle)
	if i < 0 {
		return "", false
	}
	out := base[:i] + "/" + to + "/" + base[i+len(needle):]
	if hasQuery {
		out += "?" + query
	}
	return out, true
}
