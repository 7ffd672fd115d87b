package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Commands typed into a session are the largest bodies we accept.
const maxJSONBodyBytes int64 = 2 * 1024 * 1024

// decodeJSONBody decodes exactly one JSON object into dst. An empty body
// leaves dst at its zero value so optional bodies can be omitted. Unknown
// fields are rejected so a misspelled option is not silently ignored.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("body exceeds %d bytes", tooLarge.Limit)
		}
		return err
	}
	if dec.More() {
		return errors.New("body must contain a single json object")
	}
	return nil
}
