// Package api implements the HTTP surface. It uses Chi as the router and
// serves the same handler tree on both listeners (Unix socket and loopback
// TCP). Responses are flat JSON documents: successful bodies carry
// domain-specific fields directly, and every error body has the stable shape
// {"error": "<message>", ...} with optional extra fields such as the holding
// owner of a contested lock.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/agents"
	"github.com/erichowens/port-daddy-sub004/internal/conntrack"
	"github.com/erichowens/port-daddy-sub004/internal/identity"
	"github.com/erichowens/port-daddy-sub004/internal/locks"
	"github.com/erichowens/port-daddy-sub004/internal/messages"
	"github.com/erichowens/port-daddy-sub004/internal/projects"
	"github.com/erichowens/port-daddy-sub004/internal/services"
	"github.com/erichowens/port-daddy-sub004/internal/sessions"
	"github.com/erichowens/port-daddy-sub004/internal/webhooks"
)

// maxBodyBytes caps control-endpoint request bodies.
const maxBodyBytes = 10 * 1024

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 response with the payload as-is.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, payload)
}

// errBody builds the flat error envelope, merging any extra fields beside
// the message.
func errBody(message string, extra map[string]any) map[string]any {
	body := map[string]any{"error": message}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

// Fail writes an error response with the flat envelope.
func Fail(w http.ResponseWriter, status int, message string) {
	JSON(w, status, errBody(message, nil))
}

// FailWith writes an error response carrying extra context fields.
func FailWith(w http.ResponseWriter, status int, message string, extra map[string]any) {
	JSON(w, status, errBody(message, extra))
}

// respondError maps a component error onto the HTTP taxonomy. Typed errors
// contribute extra envelope fields (the holding owner, the conflicting file
// claims). Anything unrecognized is a 500 with an opaque message; the detail
// goes to the log only.
func respondError(w http.ResponseWriter, log *zap.Logger, err error) {
	var held *locks.HeldError
	if errors.As(err, &held) {
		FailWith(w, http.StatusConflict, "lock held", map[string]any{
			"owner":     held.Owner,
			"expiresAt": held.ExpiresAt,
		})
		return
	}
	var fileConflict *sessions.ConflictError
	if errors.As(err, &fileConflict) {
		FailWith(w, http.StatusConflict, "file claim conflict", map[string]any{
			"conflicts": fileConflict.Conflicts,
		})
		return
	}

	switch {
	case errors.Is(err, identity.ErrInvalid),
		errors.Is(err, services.ErrPortReserved),
		errors.Is(err, services.ErrPortOutOfRange),
		errors.Is(err, services.ErrBadURL),
		errors.Is(err, services.ErrBadEnv),
		errors.Is(err, locks.ErrBadTTL),
		errors.Is(err, messages.ErrBadPayload),
		errors.Is(err, sessions.ErrBadStatus),
		errors.Is(err, sessions.ErrEmptyPurpose),
		errors.Is(err, webhooks.ErrBlockedURL):
		Fail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrNotFound),
		errors.Is(err, locks.ErrNotFound),
		errors.Is(err, sessions.ErrNotFound),
		errors.Is(err, agents.ErrNotFound),
		errors.Is(err, agents.ErrEntryNotFound),
		errors.Is(err, webhooks.ErrNotFound),
		errors.Is(err, projects.ErrNotFound):
		Fail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrNoFreePort),
		errors.Is(err, locks.ErrNotOwner),
		errors.Is(err, sessions.ErrNotActive),
		errors.Is(err, sessions.ErrActiveExists),
		errors.Is(err, agents.ErrEntryState),
		errors.Is(err, agents.ErrResurrectionPending):
		Fail(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrQuotaExceeded),
		errors.Is(err, locks.ErrQuotaExceeded),
		errors.Is(err, conntrack.ErrGlobalLimit),
		errors.Is(err, conntrack.ErrOriginLimit):
		Fail(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, messages.ErrPayloadTooLarge),
		errors.Is(err, services.ErrMetadataTooLarge):
		Fail(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		log.Error("internal error", zap.Error(err))
		Fail(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON decodes the request body into dst under the body cap. Returns
// false after writing the error response, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Fail(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Fail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
