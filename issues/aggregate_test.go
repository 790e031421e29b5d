package issues

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/journal-media/articles"
)

func TestAggregate_EndToEnd(t *testing.T) {
	rows := []articles.Article{
		{ID: "a", Source: "IGM", Volume: "5", Issue: "2", PublicationDate: "2023-05-01", Abstract: "short", Downloads: 10, Shares: 2},
		{ID: "b", Source: "IGM", Volume: "5", Issue: "2", PublicationDate: "2023-05-01", Abstract: "a much longer and more detailed abstract", Downloads: 99, Shares: 50},
	}

	res := Aggregate(rows)
	require.Zero(t, res.Dropped)
	require.Len(t, res.Issues, 1)

	is := res.Issues[0]
	require.Equal(t, "IGM-5-2", is.ID)
	require.Equal(t, "IGM Volume 5, Issue 2", is.Title)
	require.Equal(t, 2, is.ArticleCount)
	require.Len(t, is.Articles, 2)
	require.Equal(t, "a much longer and more detailed abstract", is.Abstract)
	require.Equal(t, "2023-05-01", is.Date)
	require.Equal(t, ExactDate, is.DateRepair)
	require.Equal(t, 10, is.Downloads, "counters come from the first article")
	require.Equal(t, 2, is.Shares)
}

func TestAggregate_LongerAbstractWinsEitherOrder(t *testing.T) {
	long := "a considerably longer abstract"
	rows := []articles.Article{
		{ID: "a", Source: "RHCA", Volume: "1", Issue: "1", Abstract: long},
		{ID: "b", Source: "RHCA", Volume: "1", Issue: "1", Abstract: "tiny"},
	}
	require.Equal(t, long, Aggregate(rows).Issues[0].Abstract)
}

func TestAggregate_PlaceholderAbstract(t *testing.T) {
	rows := []articles.Article{
		{ID: "a", Source: "RHCA", Volume: "1", Issue: "3"},
	}
	res := Aggregate(rows)
	require.Equal(t, "Articles from RHCA Volume 1, Issue 3", res.Issues[0].Abstract)

	rows = append(rows, articles.Article{ID: "b", Source: "RHCA", Volume: "1", Issue: "3", Abstract: "ok"})
	res = Aggregate(rows)
	require.Equal(t, "ok", res.Issues[0].Abstract, "any real abstract replaces the placeholder")
}

func TestAggregate_DropsRowsWithoutVolumeOrIssue(t *testing.T) {
	rows := []articles.Article{
		{ID: "keep", Source: "IGM", Volume: "5", Issue: "2"},
		{ID: "no-issue", Source: "IGM", Volume: "5"},
		{ID: "blank-volume", Source: "IGM", Volume: "  ", Issue: "2"},
	}

	res := Aggregate(rows)
	require.Equal(t, 2, res.Dropped)
	require.Equal(t, []string{"no-issue", "blank-volume"}, res.DroppedIDs)
	require.Len(t, res.Issues, 1)
	for _, is := range res.Issues {
		for _, a := range is.Articles {
			require.NotEqual(t, "no-issue", a.ID)
		}
	}
}

func TestAggregate_DateFromVolume(t *testing.T) {
	rows := []articles.Article{
		{ID: "a", Source: "IGM", Volume: "Vol 2024-03", Issue: "1", PublicationDate: "not-a-date"},
	}
	is := Aggregate(rows).Issues[0]
	require.Equal(t, "2024-01-01", is.Date)
	require.Equal(t, YearFromVolume, is.DateRepair)
	require.Equal(t, []string{"2024"}, is.Categories)
}

func TestAggregate_OrderIsFirstSeen(t *testing.T) {
	rows := []articles.Article{
		{ID: "1", Source: "IGM", Volume: "3", Issue: "1"},
		{ID: "2", Source: "IGM", Volume: "2", Issue: "4"},
		{ID: "3", Source: "IGM", Volume: "3", Issue: "1"},
		{ID: "4", Source: "IGM", Volume: "1", Issue: "1"},
	}
	res := Aggregate(rows)
	var ids []string
	for _, is := range res.Issues {
		ids = append(ids, is.ID)
	}
	require.Equal(t, []string{"IGM-3-1", "IGM-2-4", "IGM-1-1"}, ids)
	require.Equal(t, []string{"1", "3"}, []string{res.Issues[0].Articles[0].ID, res.Issues[0].Articles[1].ID})
}

func TestAggregate_Categories(t *testing.T) {
	rows := []articles.Article{
		{ID: "1", Source: "IGM", Volume: "2023", Issue: "1", Category: "Cardiology"},
		{ID: "2", Source: "IGM", Volume: "2023", Issue: "1", Category: ""},
		{ID: "3", Source: "IGM", Volume: "2023", Issue: "1", Category: "Surgery"},
		{ID: "4", Source: "IGM", Volume: "2023", Issue: "1", Category: "Cardiology"},
	}
	require.Equal(t, []string{"Cardiology", "2023", "Surgery"}, Aggregate(rows).Issues[0].Categories)
}

func TestAggregate_Pure(t *testing.T) {
	rows := []articles.Article{
		{ID: "1", Source: "RHCA", Volume: "1", Issue: "2", Authors: []string{"X"}, Tags: []string{"t"}, PageNumber: "4"},
		{ID: "2", Source: "RHCA", Volume: "1", Issue: "1", PublicationDate: "bad", Category: "Año 2022"},
		{ID: "3", Source: "RHCA", Volume: "1"},
	}
	first := Aggregate(rows)
	second := Aggregate(rows)
	require.Equal(t, first, second)
	require.Equal(t, "2022-01-01", first.Issues[1].Date)
	require.Equal(t, YearFromCategory, first.Issues[1].DateRepair)
	require.Equal(t, "4", first.Issues[0].Articles[0].PageNumber)
}

func TestAggregate_Empty(t *testing.T) {
	res := Aggregate(nil)
	require.Empty(t, res.Issues)
	require.Zero(t, res.Dropped)
}

func TestResult_Find(t *testing.T) {
	res := Aggregate([]articles.Article{{ID: "1", Source: "IGM", Volume: "5", Issue: "2"}})
	is, ok := res.Find("IGM-5-2")
	require.True(t, ok)
	require.Equal(t, "5", is.Volume)
	_, ok = res.Find("IGM-9-9")
	require.False(t, ok)
}

func TestAggregate_LowercaseSourceCanonicalised(t *testing.T) {
	res := Aggregate([]articles.Article{{ID: "1", Source: " rhca", Volume: "5", Issue: "2"}})
	require.Len(t, res.Issues, 1)

	is := res.Issues[0]
	require.Equal(t, "RHCA-5-2", is.ID)
	require.Equal(t, "RHCA", is.Source)
	require.Equal(t, "RHCA Volume 5, Issue 2", is.Title)

	_, ok := res.Find("RHCA-5-2")
	require.True(t, ok)
}
