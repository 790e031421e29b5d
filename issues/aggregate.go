// Package issues groups flat article rows of one journal into issues.
package issues

import (
	"fmt"
	"strings"

	"github.com/wolfeidau/journal-media/articles"
)

// ArticleSummary is the part of an article shown inside an issue.
type ArticleSummary struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Authors    []string `json:"authors"`
	PageNumber string   `json:"page_number,omitempty"`
	Abstract   string   `json:"abstract,omitempty"`
	Tags       []string `json:"tags"`
}

// Issue is one volume and issue of a journal, built from its articles.
type Issue struct {
	ID           string           `json:"id"`
	Source       string           `json:"source"`
	Volume       string           `json:"volume"`
	Issue        string           `json:"issue"`
	Title        string           `json:"title"`
	Date         string           `json:"date"`
	DateRepair   DateRepair       `json:"date_repair"`
	Abstract     string           `json:"abstract"`
	PDFURL       string           `json:"pdf_url,omitempty"`
	CoverImage   string           `json:"cover_image,omitempty"`
	Articles     []ArticleSummary `json:"articles"`
	ArticleCount int              `json:"article_count"`
	Downloads    int              `json:"downloads"`
	Shares       int              `json:"shares"`
	Categories   []string         `json:"categories"`
}

// Result is the output of Aggregate.
type Result struct {
	Issues []Issue `json:"issues"`

	// Dropped counts rows skipped for lacking a volume or issue.
	Dropped    int      `json:"dropped"`
	DroppedIDs []string `json:"-"`
}

// Find returns the issue with the given id.
func (r Result) Find(id string) (Issue, bool) {
	for _, is := range r.Issues {
		if is.ID == id {
			return is, true
		}
	}
	return Issue{}, false
}

// Title returns the display title of an issue.
func Title(source, volume, issue string) string {
	return fmt.Sprintf("%s Volume %s, Issue %s", strings.ToUpper(source), volume, issue)
}

// PlaceholderAbstract is used until an article with an abstract is seen.
func PlaceholderAbstract(title string) string {
	return "Articles from " + title
}

// Aggregate groups rows by volume and issue. Issues appear in the order
// their first article appears in rows. The first article of each group sets
// the issue fields; later ones add themselves and may improve the abstract.
func Aggregate(rows []articles.Article) Result {
	var res Result
	index := make(map[string]int)
	seen := make(map[string]map[string]struct{})

	for _, a := range rows {
		volume, number := a.Volume.String(), a.Issue.String()
		if volume == "" || number == "" {
			res.Dropped++
			res.DroppedIDs = append(res.DroppedIDs, a.ID)
			continue
		}

		key := volume + "-" + number
		i, ok := index[key]
		if !ok {
			i = len(res.Issues)
			index[key] = i
			seen[key] = make(map[string]struct{})
			res.Issues = append(res.Issues, newIssue(a, volume, number))
		} else {
			upgradeAbstract(&res.Issues[i], a.Abstract)
		}

		is := &res.Issues[i]
		is.Articles = append(is.Articles, summarize(a))
		is.ArticleCount = len(is.Articles)
		addCategories(is, seen[key], a)
	}
	return res
}

func newIssue(a articles.Article, volume, number string) Issue {
	// Backends match sources case-insensitively; ids always use the
	// upper-case journal code.
	source := strings.ToUpper(strings.TrimSpace(a.Source))
	title := Title(source, volume, number)
	date, repair := ResolveDate(a)

	abstract := strings.TrimSpace(a.Abstract)
	if abstract == "" {
		abstract = PlaceholderAbstract(title)
	}

	return Issue{
		ID:         source + "-" + volume + "-" + number,
		Source:     source,
		Volume:     volume,
		Issue:      number,
		Title:      title,
		Date:       date,
		DateRepair: repair,
		Abstract:   abstract,
		PDFURL:     a.PDFURL,
		CoverImage: a.ImageURL,
		Downloads:  a.Downloads,
		Shares:     a.Shares,
		Categories: []string{},
	}
}

func upgradeAbstract(is *Issue, candidate string) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return
	}
	if is.Abstract == PlaceholderAbstract(is.Title) || len(candidate) > len(is.Abstract) {
		is.Abstract = candidate
	}
}

func addCategories(is *Issue, seen map[string]struct{}, a articles.Article) {
	add := func(c string) {
		c = strings.TrimSpace(c)
		if c == "" {
			return
		}
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		is.Categories = append(is.Categories, c)
	}
	add(a.Category)
	if y, ok := ExtractYear(a.Volume.String()); ok {
		add(y)
	}
}

func summarize(a articles.Article) ArticleSummary {
	return ArticleSummary{
		ID:         a.ID,
		Title:      a.Title,
		Authors:    nonNil(a.Authors),
		PageNumber: a.PageNumber.String(),
		Abstract:   a.Abstract,
		Tags:       nonNil(a.Tags),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
