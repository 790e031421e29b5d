package issues

import (
	"regexp"
	"strings"
	"time"

	"github.com/wolfeidau/journal-media/articles"
)

// DateRepair names the strategy that produced an issue date.
type DateRepair string

const (
	ExactDate        DateRepair = "exact_date"
	YearFromVolume   DateRepair = "year_from_volume"
	YearFromCategory DateRepair = "year_from_category"
	Unrepaired       DateRepair = "unrepaired"
)

var yearPattern = regexp.MustCompile(`20\d{2}`)

var dateLayouts = []string{
	time.DateOnly,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05",
}

// DateStrategy resolves an issue date from an article, if it can.
type DateStrategy struct {
	Repair  DateRepair
	Resolve func(a articles.Article) (string, bool)
}

// DateStrategies are tried in order. The last one always succeeds.
var DateStrategies = []DateStrategy{
	{Repair: ExactDate, Resolve: exactDate},
	{Repair: YearFromVolume, Resolve: func(a articles.Article) (string, bool) {
		return yearStart(a.Volume.String())
	}},
	{Repair: YearFromCategory, Resolve: func(a articles.Article) (string, bool) {
		return yearStart(a.Category)
	}},
	{Repair: Unrepaired, Resolve: func(a articles.Article) (string, bool) {
		return a.PublicationDate, true
	}},
}

// ResolveDate returns the date for an article and the strategy that gave it.
func ResolveDate(a articles.Article) (string, DateRepair) {
	for _, s := range DateStrategies {
		if date, ok := s.Resolve(a); ok {
			return date, s.Repair
		}
	}
	return a.PublicationDate, Unrepaired
}

// ValidDate reports whether s parses as a calendar date.
func ValidDate(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func exactDate(a articles.Article) (string, bool) {
	if ValidDate(a.PublicationDate) {
		return strings.TrimSpace(a.PublicationDate), true
	}
	return "", false
}

// ExtractYear returns the first 20xx year in s.
func ExtractYear(s string) (string, bool) {
	y := yearPattern.FindString(s)
	return y, y != ""
}

func yearStart(s string) (string, bool) {
	y, ok := ExtractYear(s)
	if !ok {
		return "", false
	}
	return y + "-01-01", true
}
