// Package imageurl derives optimized request URLs for journal images and
// knows the alternate spellings of the storage buckets they live in.
package imageurl

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

const (
	// DesktopQuality is the default quality for desktop user agents.
	DesktopQuality = 80
	// MobileQuality is the default quality for mobile user agents.
	MobileQuality = 65
	// PriorityBoost is added to the quality of priority images.
	PriorityBoost = 10
	// MaxQuality caps the boosted quality.
	MaxQuality = 95
	// DefaultFormat is the format hint sent when none is given.
	DefaultFormat = "webp"
)

// Query parameters written by Optimize. A URL carrying any of them is
// considered already optimized.
const (
	ParamWidth   = "width"
	ParamHeight  = "height"
	ParamQuality = "quality"
	ParamFormat  = "format"
)

var optimizationParams = []string{ParamWidth, ParamHeight, ParamQuality, ParamFormat}

var mobileUA = regexp.MustCompile(`(?i)android|webos|iphone|ipad|ipod|blackberry|iemobile|opera mini|mobile`)

// Options are the optimization hints for one image request.
// Zero Width or Height leaves that dimension out of the URL.
type Options struct {
	Width   int
	Height  int
	Quality int
	Format  string
}

// IsMobile reports whether the user agent looks like a phone or tablet.
func IsMobile(userAgent string) bool {
	return mobileUA.MatchString(userAgent)
}

// Quality picks the target quality for a user agent.
func Quality(userAgent string, priority bool) int {
	q := DesktopQuality
	if IsMobile(userAgent) {
		q = MobileQuality
	}
	if priority {
		q = min(q+PriorityBoost, MaxQuality)
	}
	return q
}

// Optimize rewrites raw to carry the width, height, quality and format hints.
// Data URIs, SVG images, unparsable URLs and URLs that already carry any
// optimization parameter are returned unchanged, so Optimize is idempotent.
func Optimize(raw string, opts Options) string {
	if raw == "" || strings.HasPrefix(strings.ToLower(raw), "data:") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if strings.EqualFold(path.Ext(u.Path), ".svg") {
		return raw
	}
	q := u.Query()
	for _, p := range optimizationParams {
		if q.Has(p) {
			return raw
		}
	}

	if opts.Width > 0 {
		q.Set(ParamWidth, strconv.Itoa(opts.Width))
	}
	if opts.Height > 0 {
		q.Set(ParamHeight, strconv.Itoa(opts.Height))
	}
	quality := opts.Quality
	if quality <= 0 {
		quality = DesktopQuality
	}
	q.Set(ParamQuality, strconv.Itoa(min(quality, 100)))
	format := opts.Format
	if format == "" {
		format = DefaultFormat
	}
	q.Set(ParamFormat, format)

	u.RawQuery = q.Encode()
	return u.String()
}
