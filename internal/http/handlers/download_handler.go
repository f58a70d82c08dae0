package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Dhoini/friday-billing/internal/domain"
	"github.com/Dhoini/friday-billing/pkg/logger"
	"github.com/Dhoini/friday-billing/pkg/res"

	"github.com/gin-gonic/gin"
)

// DownloadURLProvider выдает временную ссылку на установщик. Реализуется download.Service.
type DownloadURLProvider interface {
	URL(ctx context.Context) (string, error)
}

type DownloadHandler struct {
	downloads DownloadURLProvider
	log       *logger.Logger
}

func NewDownloadHandler(downloads DownloadURLProvider, log *logger.Logger) *DownloadHandler {
	return &DownloadHandler{
		downloads: downloads,
		log:       log,
	}
}

// Download обрабатывает GET /download редиректом на presigned URL.
func (h *DownloadHandler) Download(c *gin.Context) {
	url, err := h.downloads.URL(c.Request.Context())
	if err != nil {
		h.log.Errorw("Failed to issue download URL", "error", err)
		var cfgErr *domain.ConfigurationError
		if errors.As(err, &cfgErr) {
			res.Error(c.Writer, "Download is not configured", http.StatusInternalServerError)
		} else {
			res.Error(c.Writer, "Failed to issue download URL", http.StatusInternalServerError)
		}
		c.Abort()
		return
	}

	c.Redirect(http.StatusFound, url)
}
