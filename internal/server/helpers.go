package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/mermend/pkg/schema"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeFailure maps a DiagramError code onto an HTTP status.
func writeFailure(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Code: schema.Kind(err)}
	var de *schema.DiagramError
	if errors.As(err, &de) {
		body.Error = de.Message
		body.Details = de.Details
	}
	writeJSON(w, statusFor(body.Code), body)
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeSessionClosed:
		return http.StatusGone
	case schema.ErrCodeGrammarUnsupported, schema.ErrCodeParseFailure, schema.ErrCodeDefinitionIncomplete:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeRendererUnavailable, schema.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads the request body, checks it against the named schema
// and decodes it into v. An empty body is treated as "{}" when allowEmpty.
func (s *Server) decodeBody(r *http.Request, schemaName string, allowEmpty bool, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "read body").WithCause(err)
	}
	if len(data) > maxBodyBytes {
		return schema.NewErrorf(schema.ErrCodeValidation, "body exceeds %d bytes", maxBodyBytes)
	}
	if len(data) == 0 {
		if !allowEmpty {
			return schema.NewError(schema.ErrCodeValidation, "body is required")
		}
		data = []byte("{}")
	}
	if err := s.deps.Validator.ValidateJSON(schemaName, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryBool reports whether a query flag is set to a true value.
func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
