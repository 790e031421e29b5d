// Package articles reads journal article rows from the hosted backend and
// resolves storage objects to public URLs.
package articles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when the backend has no such table or object.
	ErrNotFound = errors.New("not found")

	// ErrUnknownSource is returned for a publication source other than the
	// known journals.
	ErrUnknownSource = errors.New("unknown source")
)

// Known publication sources.
const (
	SourceIGM  = "IGM"
	SourceRHCA = "RHCA"
)

// Sources lists the journals served.
var Sources = []string{SourceIGM, SourceRHCA}

// NormalizeSource returns the canonical spelling of a source tag.
func NormalizeSource(s string) (string, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for _, known := range Sources {
		if up == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSource, s)
}

// Source lists article rows for one journal, newest publication first.
type Source interface {
	ListBySource(ctx context.Context, source string) ([]Article, error)
}

// Article is one flat article row as stored by the backend.
type Article struct {
	ID              string   `json:"id"`
	Source          string   `json:"source"`
	Title           string   `json:"title"`
	Abstract        string   `json:"abstract"`
	Authors         []string `json:"authors"`
	Volume          Text     `json:"volume"`
	Issue           Text     `json:"issue"`
	PublicationDate string   `json:"publication_date"`
	PDFURL          string   `json:"pdf_url"`
	ImageURL        string   `json:"image_url"`
	Category        string   `json:"category"`
	Tags            []string `json:"tags"`
	Downloads       int      `json:"downloads"`
	Shares          int      `json:"shares"`
	PageNumber      Text     `json:"page_number"`
}

// Text is a column the backend may return as a string, a number or null.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*t = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("text column: %w", err)
	}
	*t = Text(n.String())
	return nil
}

// String returns the value with surrounding space removed.
func (t Text) String() string {
	return strings.TrimSpace(string(t))
}
