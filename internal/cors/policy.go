// Package cors computes the CORS header overlay applied to every proxy
// response, and the empty-body preflight response for OPTIONS requests.
package cors

import "net/http"

const defaultAllowedHeaders = "Origin, X-Requested-With, Content-Type, Accept, Authorization, x-test-rcrd-id"

// Policy applies the CORS overlay. It has no state: every request carries
// everything the overlay needs (its own Origin and, for preflight, its own
// Access-Control-Request-Headers).
type Policy struct{}

// New returns a Policy. There is nothing to configure: the spec fixes every
// header value.
func New() Policy {
	return Policy{}
}

// Apply overlays the CORS headers onto w. Backend headers already written are
// preserved; only the five listed header names are overwritten. Call this
// before writing the status code.
func (Policy) Apply(w http.ResponseWriter, r *http.Request) {
	h := w.Header()

	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")

	allowHeaders := r.Header.Get("Access-Control-Request-Headers")
	if allowHeaders == "" {
		allowHeaders = defaultAllowedHeaders
	}
	h.Set("Access-Control-Allow-Headers", allowHeaders)

	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
	h.Set("Access-Control-Expose-Headers", "*")
}

// Preflight answers an OPTIONS request with the CORS overlay, a 24h max-age,
// and an empty 200 body.
func (p Policy) Preflight(w http.ResponseWriter, r *http.Request) {
	p.Apply(w, r)
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusOK)
}

// IsPreflight reports whether r is an OPTIONS preflight request.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions
}
