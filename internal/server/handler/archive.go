package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// ArchiveLister lists cold-storage archive files.
type ArchiveLister interface {
	ListArchives(ctx context.Context, kind string) ([]domain.BlobInfo, error)
}

// ArchiveHandler serves the archive listing for operators.
type ArchiveHandler struct {
	archives ArchiveLister
	logger   *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(archives ArchiveLister, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{archives: archives, logger: logger}
}

// ListArchives returns the archive files of one kind.
// GET /api/archives/{kind}
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	files, err := h.archives.ListArchives(r.Context(), chi.URLParam(r, "kind"))
	if err != nil {
		writeDomainError(w, r, h.logger, "list archives", err)
		return
	}
	if files == nil {
		files = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": files})
}
