// Package render decides when and what to load for an image and binds the
// outcome to a skeleton, the loaded image or a deterministic placeholder.
package render

import "strings"

// ObjectFit mirrors the CSS object-fit values accepted for an image.
type ObjectFit string

const (
	FitCover     ObjectFit = "cover"
	FitContain   ObjectFit = "contain"
	FitFill      ObjectFit = "fill"
	FitNone      ObjectFit = "none"
	FitScaleDown ObjectFit = "scale-down"
)

// ParseObjectFit returns the fit named by s, or FitCover when s is unknown.
func ParseObjectFit(s string) ObjectFit {
	switch f := ObjectFit(strings.ToLower(strings.TrimSpace(s))); f {
	case FitCover, FitContain, FitFill, FitNone, FitScaleDown:
		return f
	}
	return FitCover
}

// Props are the inputs of one rendered image.
type Props struct {
	Src          string
	Alt          string
	Width        int
	Height       int
	Priority     bool
	ObjectFit    ObjectFit
	FallbackText string
	UserAgent    string
}

func (p Props) withDefaults() Props {
	p.Src = strings.TrimSpace(p.Src)
	p.ObjectFit = ParseObjectFit(string(p.ObjectFit))
	return p
}

// State is the visual state of an image.
type State int

const (
	// Skeleton is shown while loading is deferred or pending.
	Skeleton State = iota
	// Loaded shows the image at View.URL.
	Loaded
	// Failed shows the placeholder.
	Failed
)

func (s State) String() string {
	switch s {
	case Skeleton:
		return "skeleton"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// View is a snapshot of what an image should display.
type View struct {
	State     State
	URL       string
	Alt       string
	Width     int
	Height    int
	ObjectFit ObjectFit
	Priority  bool
	Retried   bool

	// Placeholder is set when State is Failed.
	Placeholder *Placeholder
}
