package fetch

import (
	"encoding/json"
	"io"
	"net/http"
)

// decodeJSON is the DecodeFunc used by GetJSON: reads the whole body
// and unmarshals it into T. A malformed body surfaces as a retryable
// error (spec §4.E treats FormatException-equivalent decode failures
// as retryable, since a transient proxy can serve a truncated body).
func decodeJSON[T any](body io.Reader, _ http.Header) (T, error) {
	var out T
	data, err := io.ReadAll(body)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// DecodeErrorJSON implements DecodeErrorFunc for the pub hosted
// registry's error body shape, {"error": {"message": "..."}}} (spec §6).
func DecodeErrorJSON(body []byte, statusCode int) error {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error.Message == "" {
		return nil
	}
	return &apiError{statusCode: statusCode, message: payload.Error.Message}
}

type apiError struct {
	statusCode int
	message    string
}

func (e *apiError) Error() string { return e.message }
