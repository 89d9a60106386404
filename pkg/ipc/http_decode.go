package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	preflighterrors "github.com/odvcencio/preflight/pkg/errors"
)

const (
	maxBodyBytesTiny  int64 = 64 << 10
	maxBodyBytesSmall int64 = 1 << 20
)

// decodeJSONBody decodes a size-capped JSON request body into dst. An empty
// body decodes to the zero value rather than erroring; untrusted clients
// routinely omit optional payloads. Failures carry the decode error code so
// the response envelope can surface it.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) (int, error) {
	if r == nil || r.Body == nil {
		return 0, nil
	}
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge,
				preflighterrors.New(preflighterrors.ErrCodeIPCDecode,
					fmt.Sprintf("request body too large (max %d bytes)", maxBytes))
		}
		return http.StatusBadRequest,
			preflighterrors.Wrap(err, preflighterrors.ErrCodeIPCDecode, "decoding request body")
	}
	return 0, nil
}
