package handler // handler package contains the activation gate's HTTP surface

import (
	"context"  // context bounds each gate call
	"errors"   // errors maps service sentinels to responses
	"net/http" // http provides status code constants
	"strings"  // strings trims optional fields
	"time"     // time parses activateAt and formats timestamps

	"github.com/labstack/echo/v4" // echo is the web framework used for handlers
	"github.com/rs/zerolog"       // zerolog records failures that are not echoed to clients

	"github.com/Leafyheader/LabSync/internal/logging"
	"github.com/Leafyheader/LabSync/internal/middleware"
	"github.com/Leafyheader/LabSync/internal/model"
	"github.com/Leafyheader/LabSync/internal/service"
)

const requestTimeout = 5 * time.Second

// ActivationGate is the subset of *service.ActivationGate the handlers call.
type ActivationGate interface {
	Status(ctx context.Context) (service.StatusReport, error)
	Validate(ctx context.Context, code string) (service.ValidationResult, error)
	SetStatus(ctx context.Context, code string, status model.ActivationStatus, activateAt *time.Time) (model.Activation, error)
	Generate(ctx context.Context, activateAt *time.Time) (model.Activation, error)
	List(ctx context.Context) ([]model.Activation, error)
	Remove(ctx context.Context, id string) error
	ServerTime() time.Time
}

// ActivationHandler serves /api/activation.
type ActivationHandler struct {
	Gate          ActivationGate // Gate applies the activation rules
	GenericErrors bool           // collapse the three rejection kinds into one response
	Log           zerolog.Logger
}

// NewActivationHandler constructs the handler and panics if gate is nil.
func NewActivationHandler(gate ActivationGate, genericErrors bool, log zerolog.Logger) *ActivationHandler {
	if gate == nil {
		panic("nil gate passed to NewActivationHandler")
	}
	return &ActivationHandler{Gate: gate, GenericErrors: genericErrors, Log: log}
}

type checkRequest struct {
	Code string `json:"code" validate:"required"`
}

type manageRequest struct {
	Code       string  `json:"code" validate:"required"`
	Status     string  `json:"status" validate:"required,oneof=ON OFF"`
	ActivateAt *string `json:"activateAt"`
}

type generateRequest struct {
	ActivateAt *string `json:"activateAt"`
}

// activationJSON is the wire form of a record.  ActivateAt is null when unset.
type activationJSON struct {
	ID         string  `json:"id"`
	Code       string  `json:"code"`
	Status     string  `json:"status"`
	ActivateAt *string `json:"activateAt"`
	CreatedAt  string  `json:"createdAt"`
	UpdatedAt  string  `json:"updatedAt"`
}

func toJSON(a model.Activation) activationJSON {
	out := activationJSON{
		ID:        a.ID,
		Code:      a.Code,
		Status:    string(a.Status),
		CreatedAt: model.FormatTime(a.CreatedAt),
		UpdatedAt: model.FormatTime(a.UpdatedAt),
	}
	if a.ActivateAt != nil {
		s := model.FormatTime(*a.ActivateAt)
		out.ActivateAt = &s
	}
	return out
}

// rejection is the body of a failed /check.
type rejection struct {
	status  int
	message string
	err     string
	reason  string
}

var (
	rejectMissing = rejection{http.StatusBadRequest,
		"Activation code is required", "Activation code is required", "invalid"}
	rejectNotFound = rejection{http.StatusNotFound,
		"Invalid activation code. Please check your code and try again.", "Invalid activation code", "not_found"}
	rejectDisabled = rejection{http.StatusBadRequest,
		"This activation code has already been used or is disabled", "Activation code is disabled", "disabled"}
	rejectNotYetActive = rejection{http.StatusBadRequest,
		"This activation code is not yet active", "Activation code not yet active", "not_yet_active"}
	rejectGeneric = rejection{http.StatusBadRequest,
		"Invalid activation code. Please check your code and try again.", "Invalid activation code", "invalid"}
)

func (r rejection) write(c echo.Context) error {
	return c.JSON(r.status, echo.Map{
		"valid":              false,
		"requiresActivation": true,
		"message":            r.message,
		"error":              r.err,
		"reason":             r.reason,
	})
}

// Check handles POST /api/activation/check: validates and consumes a code.
func (h *ActivationHandler) Check(c echo.Context) error {
	var body checkRequest
	if err := c.Bind(&body); err != nil { // malformed JSON
		return rejectMissing.write(c)
	}
	if err := c.Validate(&body); err != nil || model.BlankCode(body.Code) {
		return rejectMissing.write(c)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	res, err := h.Gate.Validate(ctx, body.Code)
	if err != nil {
		var r rejection
		switch {
		case errors.Is(err, service.ErrCodeNotFound):
			r = rejectNotFound
		case errors.Is(err, service.ErrCodeDisabled):
			r = rejectDisabled
		case errors.Is(err, service.ErrCodeNotYetActive):
			r = rejectNotYetActive
		case errors.Is(err, service.ErrValidation):
			return rejectMissing.write(c)
		default:
			return h.internal(c, err, "validate activation code")
		}
		// The precise kind is always logged, even when the client only
		// sees the generic answer.
		h.Log.Info().Str("request_id", middleware.RequestID(c)).Str("code", logging.Redact(body.Code)).
			Str("reason", r.reason).Msg("activation check rejected")
		if h.GenericErrors {
			r = rejectGeneric
		}
		return r.write(c)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"valid":              true,
		"requiresActivation": true,
		"message":            "Activation code is valid and has been consumed",
		"serverTime":         model.FormatTime(res.ServerTime),
		"activation":         toJSON(res.Activation),
	})
}

// Status handles GET /api/activation/status.
func (h *ActivationHandler) Status(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	rep, err := h.Gate.Status(ctx)
	if err != nil {
		return h.internal(c, err, "activation status")
	}
	var lastUpdated *string
	if rep.LastUpdated != nil {
		s := model.FormatTime(*rep.LastUpdated)
		lastUpdated = &s
	}
	return c.JSON(http.StatusOK, echo.Map{
		"requiresActivation": rep.RequiresActivation,
		"activeCount":        rep.ActiveCount,
		"serverTime":         model.FormatTime(rep.ServerTime),
		"lastUpdated":        lastUpdated,
	})
}

// Time handles GET /api/activation/time.  Every stored and compared time
// is UTC, so that is the zone reported.
func (h *ActivationHandler) Time(c echo.Context) error {
	now := h.Gate.ServerTime()
	return c.JSON(http.StatusOK, echo.Map{
		"serverTime": model.FormatTime(now),
		"timestamp":  now.UnixMilli(),
		"timezone":   "UTC",
	})
}

// Manage handles POST /api/activation/manage: create or update a code.
func (h *ActivationHandler) Manage(c echo.Context) error {
	var body manageRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := c.Validate(&body); err != nil || model.BlankCode(body.Code) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code is required and status must be ON or OFF"})
	}
	activateAt, err := parseActivateAt(body.ActivateAt)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid activateAt"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	a, err := h.Gate.SetStatus(ctx, body.Code, model.ActivationStatus(body.Status), activateAt)
	if errors.Is(err, service.ErrValidation) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if err != nil {
		return h.internal(c, err, "manage activation code")
	}
	h.Log.Info().Str("actor", middleware.Subject(c)).Str("activation_id", a.ID).
		Str("status", string(a.Status)).Msg("activation managed")

	verb := "disabled"
	if a.Status == model.StatusActive {
		verb = "enabled"
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":    true,
		"message":    "Activation code " + a.Code + " " + verb,
		"activation": toJSON(a),
	})
}

// Generate handles POST /api/activation/generate: create a random code.
func (h *ActivationHandler) Generate(c echo.Context) error {
	var body generateRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
		}
	}
	activateAt, err := parseActivateAt(body.ActivateAt)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid activateAt"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	a, err := h.Gate.Generate(ctx, activateAt)
	if err != nil {
		return h.internal(c, err, "generate activation code")
	}
	h.Log.Info().Str("actor", middleware.Subject(c)).Str("activation_id", a.ID).Msg("activation generated")
	return c.JSON(http.StatusCreated, echo.Map{
		"success":    true,
		"message":    "Activation code " + a.Code + " generated",
		"activation": toJSON(a),
	})
}

// List handles GET /api/activation/.
func (h *ActivationHandler) List(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	all, err := h.Gate.List(ctx)
	if err != nil {
		return h.internal(c, err, "list activations")
	}
	out := make([]activationJSON, 0, len(all))
	for _, a := range all {
		out = append(out, toJSON(a))
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "activations": out})
}

// Delete handles DELETE /api/activation/:id.
func (h *ActivationHandler) Delete(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	err := h.Gate.Remove(ctx, id)
	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "activation not found"})
	case errors.Is(err, service.ErrValidation):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	case err != nil:
		return h.internal(c, err, "delete activation")
	}
	h.Log.Info().Str("actor", middleware.Subject(c)).Str("activation_id", id).Msg("activation deleted")
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": "Activation record deleted successfully"})
}

func (h *ActivationHandler) internal(c echo.Context, err error, op string) error {
	h.Log.Error().Err(err).Str("request_id", middleware.RequestID(c)).Str("op", op).Msg("activation request failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
}

// activateAtLayouts are tried in order.  Values without a zone are UTC.
var activateAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseActivateAt treats an absent or empty value as "no activation time".
func parseActivateAt(s *string) (*time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	v := strings.TrimSpace(*s)
	var lastErr error
	for _, layout := range activateAtLayouts {
		t, err := time.Parse(layout, v)
		if err == nil {
			t = t.UTC()
			return &t, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
