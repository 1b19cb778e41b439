package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/QuestionPipe/internal/models"
	"github.com/BTreeMap/QuestionPipe/internal/questionnaire"
)

// Pre-marshaled fallback response so a marshal failure still yields JSON.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrMissingName),
		errors.Is(err, models.ErrNameTooLong),
		errors.Is(err, models.ErrMissingPhone),
		errors.Is(err, models.ErrMissingEndpoint),
		errors.Is(err, models.ErrMissingReference),
		errors.Is(err, models.ErrInvalidTemplate):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrMissingLinkage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrStaleState),
		errors.Is(err, models.ErrAlreadyTerminal),
		errors.Is(err, questionnaire.ErrActiveConversation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status statusFor assigns. Internal errors
// are logged and answered with a generic message.
func writeError(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("Server."+op+": request failed", "error", err)
		writeJSONResponse(w, code, models.Error("Internal server error"))
		return
	}
	slog.Warn("Server."+op+": request rejected", "status", code, "error", err)
	writeJSONResponse(w, code, models.Error(err.Error()))
}
