package download

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

// HandleDownloadError writes an appropriate HTTP error response for fetch
// errors. It handles context cancellation/timeout and generic upstream
// failures.
func HandleDownloadError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
		return
	}
	logger.Error("upstream fetch failed", "error", err)
	http.Error(w, "upstream error", http.StatusBadGateway)
}

// ForgetOnDownloadError calls Forget on the downloader if the error represents
// a real fetch failure (not a caller context timeout).
func ForgetOnDownloadError[T any](d *Downloader[T], key string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
