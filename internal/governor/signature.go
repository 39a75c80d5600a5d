package governor

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// signatureHeaders is the whitelist of headers that participate in a call
// signature. Anything else (tracing headers, user agents) would make
// logically identical calls look distinct.
var signatureHeaders = []string{"Authorization", "Content-Type"}

// Request describes one outbound call for deduplication and pacing
// purposes. URL doubles as the endpoint key for rate-limit bookkeeping.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Signature returns the deterministic dedup key for the request: a hash
// over method, URL, body and the whitelisted headers. Two calls with equal
// signatures are considered the same logical request.
func (r Request) Signature() string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(r.Method)))
	h.Write([]byte{0})
	h.Write([]byte(r.URL))
	h.Write([]byte{0})
	h.Write(r.Body)
	for _, name := range signatureHeaders {
		if r.Header == nil {
			break
		}
		if v := r.Header.Get(name); v != "" {
			h.Write([]byte{0})
			h.Write([]byte(name))
			h.Write([]byte{':'})
			h.Write([]byte(v))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
