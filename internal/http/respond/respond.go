package respond

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
)

// Envelope is the standard API response wrapper used across handlers.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSON writes a success or informational response using the common envelope.
func JSON(w http.ResponseWriter, status int, message string, data any) {
	write(w, status, Envelope{Code: status, Message: message, Data: data})
}

// Error writes an error response with the shared envelope structure.
func Error(w http.ResponseWriter, status int, message string) {
	write(w, status, Envelope{Code: status, Message: message})
}

func write(w http.ResponseWriter, status int, payload Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("respond: encode payload failed: %v", err)
	}
}

// Read decodes an envelope from r. When out is non-nil and the envelope
// carries data, the data is unmarshalled into out.
func Read(r io.Reader, out any) (Envelope, error) {
	var raw struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	env := Envelope{Code: raw.Code, Message: raw.Message}
	if out != nil && len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, out); err != nil {
			return env, fmt.Errorf("decode envelope data: %w", err)
		}
		env.Data = out
	}
	return env, nil
}
