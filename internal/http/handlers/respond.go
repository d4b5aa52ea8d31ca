package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

const maxBodyBytes = 64 << 10

// FieldError is one failed validation rule in a request body.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error  string       `json:"error"`
	Kind   string       `json:"kind,omitempty"`
	Fields []FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps the engine's error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch queue.KindOf(err) {
	case queue.KindNotFound:
		return http.StatusNotFound
	case queue.KindValidation:
		return http.StatusBadRequest
	case queue.KindConflict:
		return http.StatusConflict
	case queue.KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *logging.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err, "kind", string(queue.KindOf(err)))
		// Invariant violations and unexpected failures keep their detail in the log.
		writeJSON(w, status, errorResponse{Error: "internal error", Kind: string(queue.KindOf(err))})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(queue.KindOf(err))})
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. It writes the 400
// itself and returns false on failure.
func decode(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		jsonError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:  "validation failed",
				Kind:   string(queue.KindValidation),
				Fields: translate(verrs),
			})
			return false
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func translate(errs validator.ValidationErrors) []FieldError {
	out := make([]FieldError, 0, len(errs))
	for _, err := range errs {
		message := err.Error()
		switch err.Tag() {
		case "required", "required_without", "required_with":
			message = fmt.Sprintf("%s is required", err.Field())
		case "gte":
			message = fmt.Sprintf("%s must be at least %s", err.Field(), err.Param())
		case "datetime":
			message = fmt.Sprintf("%s must use the %s layout", err.Field(), err.Param())
		case "oneof":
			message = fmt.Sprintf("%s must be one of [%s]", err.Field(), err.Param())
		}
		out = append(out, FieldError{Field: err.Field(), Message: message})
	}
	return out
}
