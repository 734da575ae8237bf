// internal/wire/codec.go
package wire

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

// MaxBody caps every JSON body read off the network.
const MaxBody = 1 << 20

var ErrInvalidJSON = errors.New("invalid JSON")

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

// Unmarshal decodes data into v, wrapping failures with ErrInvalidJSON.
func Unmarshal(data []byte, v any) error {
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}

// ReadBody reads at most MaxBody bytes from r.
func ReadBody(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, MaxBody))
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = codec.NewEncoder(w).Encode(v)
}
