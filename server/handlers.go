package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/wolfeidau/journal-media/articles"
	"github.com/wolfeidau/journal-media/download"
	"github.com/wolfeidau/journal-media/imagecache"
	"github.com/wolfeidau/journal-media/issues"
	"github.com/wolfeidau/journal-media/render"
	"github.com/wolfeidau/journal-media/telemetry"
)

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports image cache counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

type issuesResponse struct {
	Source  string         `json:"source"`
	Issues  []issues.Issue `json:"issues"`
	Dropped int            `json:"dropped"`
}

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) (string, issues.Result, bool) {
	source, err := articles.NormalizeSource(r.PathValue("source"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", issues.Result{}, false
	}
	telemetry.SetSource(r, source)

	res, err := s.issues.Issues(r.Context(), source)
	if err != nil {
		download.HandleDownloadError(w, s.logger, err)
		return "", issues.Result{}, false
	}
	return source, res, true
}

// handleIssues lists the issues of one journal.
func (s *Server) handleIssues(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "list")
	source, res, ok := s.listIssues(w, r)
	if !ok {
		return
	}
	list := res.Issues
	if list == nil {
		list = []issues.Issue{}
	}
	writeJSON(w, http.StatusOK, issuesResponse{Source: source, Issues: list, Dropped: res.Dropped})
}

// handleIssue returns one issue by id.
func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "issue")
	_, res, ok := s.listIssues(w, r)
	if !ok {
		return
	}
	is, found := res.Find(r.PathValue("id"))
	if !found {
		writeError(w, http.StatusNotFound, "issue not found")
		return
	}
	writeJSON(w, http.StatusOK, is)
}

// handleImageStatus reports the cache state of a URL, starting a load for
// URLs not seen before.
func (s *Server) handleImageStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "status")
	url, ok := s.imageURL(w, r.URL.Query().Get("url"))
	if !ok {
		return
	}

	_, known := s.cache.Entry(url)
	st := s.cache.Status(url)
	switch {
	case !known:
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	case st.Pending():
		telemetry.SetCacheResult(r, telemetry.CachePending)
	default:
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	}
	writeJSON(w, http.StatusOK, st)
}

// handlePreload starts loading a URL.
func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "preload")
	q := r.URL.Query()
	url, ok := s.imageURL(w, q.Get("url"))
	if !ok {
		return
	}
	priority, _ := strconv.ParseBool(q.Get("priority"))
	s.cache.Preload(url, priority)
	w.WriteHeader(http.StatusAccepted)
}

// handleClear empties the image cache.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clear")
	s.cache.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// handleBlob serves the bytes retained for a loaded URL.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "blob")
	url, ok := s.imageURL(w, r.URL.Query().Get("url"))
	if !ok {
		return
	}
	data, ref, err := s.cache.Blob(r.Context(), url)
	if err != nil {
		if errors.Is(err, imagecache.ErrNoBlob) {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
			writeError(w, http.StatusNotFound, "no retained bytes")
			return
		}
		s.logger.Error("reading blob", "url", url, "error", err)
		writeError(w, http.StatusInternalServerError, "reading blob failed")
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)

	contentType := ref.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("ETag", `"`+ref.Hash.String()+`"`)
	w.Header().Set("Cache-Control", "public, max-age=1800")
	_, _ = w.Write(data)
}

// handleRender renders an image fragment, waiting up to RenderTimeout for
// the load to settle. A request that times out gets the skeleton.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "render")
	q := r.URL.Query()
	src := q.Get("src")
	if strings.TrimSpace(src) != "" {
		if err := s.imageHosts.Check(src); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	priority, _ := strconv.ParseBool(q.Get("priority"))
	props := render.Props{
		Src:          src,
		Alt:          q.Get("alt"),
		Width:        atoiOrZero(q.Get("width")),
		Height:       atoiOrZero(q.Get("height")),
		Priority:     priority,
		ObjectFit:    render.ParseObjectFit(q.Get("fit")),
		FallbackText: q.Get("fallback"),
		UserAgent:    r.UserAgent(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RenderTimeout)
	defer cancel()

	// Server-side rendering has no viewport, so loading starts at once.
	img := s.renderer.Mount(ctx, props, nil)
	view := img.Wait(ctx)
	img.Unmount()

	switch view.State {
	case render.Loaded:
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	case render.Skeleton:
		telemetry.SetCacheResult(r, telemetry.CachePending)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	telemetry.SetImageState(r, view.State.String())
	w.Header().Set("X-Image-State", view.State.String())
	if err := render.RenderHTML(w, view); err != nil {
		s.logger.Error("rendering image markup", "error", err)
	}
}

// handlePlaceholder serves a placeholder as SVG.
func (s *Server) handlePlaceholder(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "placeholder")
	q := r.URL.Query()
	p := render.NewPlaceholder(q.Get("label"), q.Get("text"))

	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if err := p.SVG(w, atoiOrZero(q.Get("width")), atoiOrZero(q.Get("height"))); err != nil {
		s.logger.Error("rendering placeholder", "error", err)
	}
}

// imageURL validates an image URL parameter, writing a 400 when it is
// missing or on a host that is not allowed.
func (s *Server) imageURL(w http.ResponseWriter, raw string) (string, bool) {
	if raw == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return "", false
	}
	if err := s.imageHosts.Check(raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return raw, true
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
