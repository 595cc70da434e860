package httpserver

import (
	"encoding/json"
	"io"
)

// maxBodyBytes caps inbound request bodies. Payment drafts and gateway
// notifications are small; anything near this limit is malformed or hostile.
const maxBodyBytes = 1 << 20

// decodeJSON decodes a JSON request body into the destination struct,
// rejecting unknown fields. The reader is closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
