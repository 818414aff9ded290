package ratelimit

import (
	"net/http"
	"strconv"
)

// WriteHeaders sets the X-RateLimit-* headers on an admitted response, or
// X-RateLimit-* plus Retry-After on a rejected one.
func WriteHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	if d.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	}
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Admitted {
		h.Set("X-RateLimit-Reset", strconv.Itoa(d.ResetSeconds))
		return
	}
	h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
}
