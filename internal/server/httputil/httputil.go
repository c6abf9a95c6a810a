package httputil

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/pkg/graceful"
	"github.com/nmxmxh/portal-engine/pkg/json"
)

// WriteJSONError converts err into its wire form and writes it with the
// status of its kind. origin names the handler that failed.
func WriteJSONError(w http.ResponseWriter, log *zap.Logger, err error, origin string, contextFields ...zap.Field) {
	ce := graceful.FromError(err, origin)
	status := ce.Kind.HTTPStatus()
	fields := append(contextFields, zap.String("kind", ce.Kind.String()), zap.String("origin", ce.Origin), zap.Error(err))
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", fields...)
	} else {
		log.Info("Request rejected", fields...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ce.ToWire()); err != nil {
		log.Error("Failed to write error response", zap.Error(err))
	}
}

// WriteJSONResponse writes v as JSON and logs on error.
func WriteJSONResponse(w http.ResponseWriter, log *zap.Logger, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error("Failed to encode JSON response", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	WriteRawJSON(w, log, body)
}

// WriteRawJSON writes an already encoded JSON body.
func WriteRawJSON(w http.ResponseWriter, log *zap.Logger, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Error("Failed to write JSON response", zap.Error(err))
	}
}

// WriteText writes a plain text 200 response.
func WriteText(w http.ResponseWriter, log *zap.Logger, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, text); err != nil {
		log.Error("Failed to write response", zap.Error(err))
	}
}

// DecodeBody reads a JSON request body into v. An empty body is
// MissingRequestBody and a malformed one InvalidRequest.
func DecodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return graceful.New(graceful.MissingRequestBody, "API body is required but not given")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err == io.EOF {
			return graceful.New(graceful.MissingRequestBody, "API body is required but not given")
		}
		return graceful.WrapErr(graceful.InvalidRequest, "API body is not valid JSON", err)
	}
	return nil
}
