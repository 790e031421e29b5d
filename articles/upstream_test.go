package articles

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpstream_ListBySource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/v1/articles", r.URL.Path)
		require.Equal(t, "eq.RHCA", r.URL.Query().Get("source"))
		require.Equal(t, "publication_date.desc", r.URL.Query().Get("order"))
		require.Equal(t, "anon-key", r.Header.Get("apikey"))
		require.Equal(t, "Bearer anon-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"2","source":"RHCA","volume":"1","issue":"2","publication_date":"2024-02-01"},
			{"id":"1","source":"RHCA","volume":"1","issue":"1","publication_date":"2024-01-01"}
		]`))
	}))
	defer srv.Close()

	u := NewUpstream(WithBaseURL(srv.URL+"/"), WithAPIKey("anon-key"), WithHTTPClient(srv.Client()))
	rows, err := u.ListBySource(context.Background(), "rhca")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "2", rows[0].ID)
	require.Equal(t, Text("1"), rows[1].Issue)
}

func TestUpstream_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/v1/missing":
			http.NotFound(w, r)
		case "/rest/v1/broken":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()

	ctx := context.Background()

	_, err := NewUpstream(WithBaseURL(srv.URL), WithTable("missing"), WithHTTPClient(srv.Client())).ListBySource(ctx, "IGM")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = NewUpstream(WithBaseURL(srv.URL), WithTable("broken"), WithHTTPClient(srv.Client())).ListBySource(ctx, "IGM")
	require.ErrorContains(t, err, "upstream returned 500")

	_, err = NewUpstream(WithBaseURL(srv.URL), WithHTTPClient(srv.Client())).ListBySource(ctx, "IGM")
	require.ErrorContains(t, err, "decoding articles")

	_, err = NewUpstream(WithBaseURL(srv.URL), WithHTTPClient(srv.Client())).ListBySource(ctx, "other")
	require.ErrorIs(t, err, ErrUnknownSource)
}
