package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/toolpay/internal/auth"
	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
	"github.com/alexjbarnes/toolpay/internal/invocation"
	"github.com/alexjbarnes/toolpay/internal/models"
	"github.com/alexjbarnes/toolpay/internal/tools"
)

const maxBody = 1 << 20

type toolHandlers struct {
	svc    *invocation.Service
	logger *slog.Logger
}

// InvokeRequest is the body of POST /tools/{owner}/{name}/invoke.
type InvokeRequest struct {
	Arguments map[string]any `json:"arguments"`
	PaymentID string         `json:"payment_id,omitempty"`
}

// listOwn returns every tool of the caller, active or not.
func (h *toolHandlers) listOwn(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	list, err := h.svc.Registry().List(r.Context(), id.Principal)
	if err != nil {
		h.serverError(w, "listing tools", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"owner": id.Principal, "tools": list})
}

// listOwner returns owner's active tools and the reserved tools, as a
// caller would see them.
func (h *toolHandlers) listOwner(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")

	list, err := h.svc.Registry().List(r.Context(), owner)
	if err != nil {
		h.serverError(w, "listing tools", err)
		return
	}

	active := make([]*models.Tool, 0, len(list))
	for _, t := range list {
		if t.Active {
			t.Headers = nil
			active = append(active, t)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"owner":    owner,
		"tools":    active,
		"reserved": invocation.ReservedTools(),
	})
}

func (h *toolHandlers) create(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	var def tools.Definition
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&def); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": "body must be a JSON tool definition"})
		return
	}

	def.Owner = id.Principal

	t, err := def.Tool()
	if err == nil {
		err = h.svc.Registry().Add(r.Context(), t)
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, t)
	case errors.Is(err, apperrors.ErrToolExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "tool_exists", "message": err.Error()})
	case errors.Is(err, apperrors.ErrReservedTool):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reserved_name", "message": err.Error()})
	case errors.Is(err, apperrors.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": err.Error()})
	default:
		h.serverError(w, "adding tool", err)
	}
}

func (h *toolHandlers) remove(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	removed, err := h.svc.Registry().Remove(r.Context(), id.Principal, r.PathValue("name"))
	if err != nil {
		h.serverError(w, "removing tool", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *toolHandlers) invoke(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	var req InvokeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": "body must be {\"arguments\":{...}}"})
			return
		}
	}

	res, err := h.svc.Invoke(r.Context(), r.PathValue("owner"), r.PathValue("name"), req.Arguments, invocation.Caller{
		Principal: id.Principal,
		PaymentID: req.PaymentID,
	})
	if err != nil {
		status, body := invocation.ErrorResponse(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("tool invocation failed",
				slog.String("owner", r.PathValue("owner")),
				slog.String("tool", r.PathValue("name")),
				slog.String("error", err.Error()),
			)
		}

		writeJSON(w, status, body)

		return
	}

	writeJSON(w, invocation.EnvelopeStatus(res.Envelope), res)
}

func (h *toolHandlers) serverError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
}
