package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"passage.org/internal/activation"
)

const maxDeviceIDLen = 128

type previewRequest struct {
	Secret string `json:"secret"`
}

type previewResponse struct {
	Valid     bool                `json:"valid"`
	Preview   *activation.Preview `json:"preview,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
}

type completeRequest struct {
	Secret                string `json:"secret"`
	Identifier            string `json:"identifier"`
	NewSecret             string `json:"new_secret"`
	NewSecretConfirmation string `json:"new_secret_confirmation"`
}

type completeResponse struct {
	activation.Result
	RequestID string `json:"request_id,omitempty"`
}

func (a *API) caller(r *http.Request) activation.Caller {
	device := strings.TrimSpace(r.Header.Get(deviceIDHeader))
	if len(device) > maxDeviceIDLen {
		device = device[:maxDeviceIDLen]
	}
	return activation.Caller{
		Origin:    a.origins.Origin(r),
		UserAgent: r.UserAgent(),
		DeviceID:  device,
	}
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req previewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.svc.Preview(r.Context(), req.Secret, a.caller(r))
	if err != nil {
		if _, ok := activation.AsRejection(err); ok {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"valid":      false,
				"error":      string(activation.ClassNotValid),
				"request_id": RequestIDFromContext(r.Context()),
			})
			return
		}
		writeActivationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{
		Valid:     true,
		Preview:   &p,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req completeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Complete(r.Context(), activation.CompleteRequest{
		Secret:                req.Secret,
		Identifier:            req.Identifier,
		NewSecret:             req.NewSecret,
		NewSecretConfirmation: req.NewSecretConfirmation,
		Caller:                a.caller(r),
	})
	if err != nil {
		writeActivationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{Result: res, RequestID: RequestIDFromContext(r.Context())})
}

// writeActivationError is the single mapping from activation errors to HTTP.
func writeActivationError(w http.ResponseWriter, r *http.Request, err error) {
	rid := RequestIDFromContext(r.Context())
	var (
		val *activation.ValidationError
		rl  *activation.RateLimitedError
	)
	switch {
	case errors.As(err, &val):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "validation_failed",
			"fields":     val.Fields,
			"request_id": rid,
		})
	case errors.As(err, &rl):
		secs := retryAfterSeconds(rl.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate_limited",
			"retry_after": secs,
			"request_id":  rid,
		})
	case errors.Is(err, activation.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	case errors.Is(err, activation.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, activation.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict with current state")
	default:
		if rej, ok := activation.AsRejection(err); ok {
			switch rej.Class {
			case activation.ClassAlreadyUsed, activation.ClassExpired, activation.ClassLocked:
				writeJSON(w, http.StatusForbidden, map[string]any{
					"error":      "activation_refused",
					"reason":     string(rej.Class),
					"request_id": rid,
				})
			default:
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error":      "the activation details do not match",
					"request_id": rid,
				})
			}
			return
		}
		writeError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
