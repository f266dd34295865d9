package json

import (
	"encoding/json"
	"net/http"
)

const maxBodyBytes = 1 << 20 // request bodies here are metadata, never file content

// Write encodes data as a JSON response. HTML escaping is off so stored
// object keys with '&' survive round-trips untouched.
func Write(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return encoder.Encode(data)
}

// Read decodes a JSON request body into v, rejecting unknown fields.
func Read(r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
