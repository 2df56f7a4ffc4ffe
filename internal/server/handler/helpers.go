package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
	"github.com/alanyoungcy/p2pmatch/internal/server/middleware"
	"github.com/alanyoungcy/p2pmatch/internal/service"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Code  domain.ErrorCode `json:"code"`
	Error string           `json:"error"`
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"code":"INTERNAL","error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, code domain.ErrorCode, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Error: msg})
}

// statusFor maps a stable error code to its HTTP status.
func statusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidOrder:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeAlreadyFilled, domain.CodeInvalidTransition:
		return http.StatusConflict
	case domain.CodeConsistencyError:
		return http.StatusServiceUnavailable
	case domain.CodeCustodyRejected:
		return http.StatusUnprocessableEntity
	case domain.CodeUnauthorized:
		return http.StatusForbidden
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError normalizes err to its stable code. Internal errors are
// logged and their detail is withheld from the client.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	code := domain.CodeOf(err)
	if code == domain.CodeInternal {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, code, op+" failed")
		return
	}
	if code == domain.CodeRateLimited {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, statusFor(code), code, err.Error())
}

// decodeJSON reads a size-limited JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty request body", domain.ErrInvalidOrder)
		}
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidOrder, err)
	}
	return nil
}

// caller returns the authenticated caller. Routes that use it sit behind
// middleware.Authenticate, so a missing identity is a wiring bug.
func caller(r *http.Request) service.Caller {
	id, _ := middleware.IdentityFrom(r.Context())
	return service.Caller{UserID: id.UserID, Arbiter: id.HasRole(middleware.RoleArbiter)}
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()
	return domain.ListOpts{
		Limit:  queryInt(r, "limit", 50, 500),
		Offset: max(0, atoiOr(q.Get("offset"), 0)),
	}
}

// queryInt reads a positive integer query parameter, applying def when it is
// absent or invalid and clamping to ceiling.
func queryInt(r *http.Request, name string, def, ceiling int) int {
	n := atoiOr(r.URL.Query().Get(name), def)
	if n <= 0 {
		n = def
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
