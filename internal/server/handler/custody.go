package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// CallbackParser authenticates and decodes a custodian callback request.
type CallbackParser interface {
	Parse(r *http.Request) (domain.CustodyCallback, error)
}

// CallbackApplier applies a decoded callback to settlement.
type CallbackApplier interface {
	HandleCallback(ctx context.Context, cb domain.CustodyCallback) (bool, error)
}

// CustodyHandler receives the custodian's webhook.
type CustodyHandler struct {
	parser  CallbackParser
	applier CallbackApplier
	logger  *slog.Logger
}

// NewCustodyHandler creates a CustodyHandler.
func NewCustodyHandler(parser CallbackParser, applier CallbackApplier, logger *slog.Logger) *CustodyHandler {
	return &CustodyHandler{parser: parser, applier: applier, logger: logger}
}

// Callback applies a custodian notification. Duplicates and callbacks for
// finished trades are acknowledged with applied=false so the custodian stops
// retrying.
// POST /api/custody/callbacks
func (h *CustodyHandler) Callback(w http.ResponseWriter, r *http.Request) {
	cb, err := h.parser.Parse(r)
	if err != nil {
		if domain.CodeOf(err) == domain.CodeUnauthorized {
			h.logger.WarnContext(r.Context(), "handler: custody callback rejected",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "invalid callback signature")
			return
		}
		writeDomainError(w, r, h.logger, "custody callback", err)
		return
	}

	applied, err := h.applier.HandleCallback(r.Context(), cb)
	if err != nil {
		writeDomainError(w, r, h.logger, "custody callback", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trade_id": cb.TradeID,
		"kind":     cb.Kind,
		"applied":  applied,
	})
}
