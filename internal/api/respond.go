package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
)

const maxRequestBody = 64 << 10

// writeJSON encodes body before sending headers so an unencodable value
// becomes a 500 instead of an empty success.
func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"error":"Internal server error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

// writeError writes {"error": message} merged with extra.
func writeError(w http.ResponseWriter, status int, message string, extra map[string]any) {
	body := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		body[k] = v
	}
	body["error"] = message
	writeJSON(w, status, body)
}

var errEmptyBody = errors.New("request body is empty")

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return errEmptyBody
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// flexInt accepts a JSON number or a numeric string. Fractional or
// unparsable values decode to -1 so validation rejects them; integers too
// large for int decode to math.MaxInt so upper bounds reject them.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	raw := string(bytes.TrimSpace(data))
	if raw == "null" {
		*f = 0
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}

	n, err := strconv.Atoi(raw)
	if err == nil || errors.Is(err, strconv.ErrRange) {
		*f = flexInt(n)
		return nil
	}

	x, err := strconv.ParseFloat(raw, 64)
	switch {
	case err != nil || math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x):
		*f = -1
	case x >= math.MaxInt:
		*f = flexInt(math.MaxInt)
	case x <= math.MinInt:
		*f = flexInt(math.MinInt)
	default:
		*f = flexInt(int(x))
	}
	return nil
}

// flexFloat accepts a finite JSON number or numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	raw := string(bytes.TrimSpace(data))
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	x, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
		return fmt.Errorf("invalid number %q", raw)
	}
	*f = flexFloat(x)
	return nil
}
