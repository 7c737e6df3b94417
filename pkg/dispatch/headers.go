package dispatch

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

// Per RFC 7230 these headers are hop-by-hop and must not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// identityHeaders are only ever set by the gateway.
var identityHeaders = []string{
	domain.HeaderUserID,
	domain.HeaderOrgID,
	domain.HeaderUserRoles,
}

func removeHopByHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, field := range strings.Split(value, ",") {
			if field = strings.TrimSpace(field); field != "" {
				h.Del(textproto.CanonicalMIMEHeaderKey(field))
			}
		}
	}
	for _, key := range hopByHopHeaders {
		h.Del(key)
	}
}

// upstreamHeaders derives the outbound header set: the client's headers minus
// the credential and hop-by-hop headers, with identity headers taken from the
// principal only.
func upstreamHeaders(r *http.Request, rc *domain.RequestContext) http.Header {
	out := r.Header.Clone()
	if out == nil {
		out = make(http.Header)
	}
	removeHopByHopHeaders(out)
	out.Del("Authorization")
	for _, key := range identityHeaders {
		out.Del(key)
	}

	if p, ok := rc.Principal(); ok {
		out.Set(domain.HeaderUserID, p.Subject())
		if p.OrgID() != "" {
			out.Set(domain.HeaderOrgID, p.OrgID())
		}
		if roles := p.Roles(); len(roles) > 0 {
			out.Set(domain.HeaderUserRoles, strings.Join(roles, ","))
		}
	}
	if rc.CorrelationID != "" {
		out.Set(domain.HeaderCorrelationID, rc.CorrelationID)
	}

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := out.Values("X-Forwarded-For"); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		out.Set("X-Forwarded-For", clientIP)
	}
	if r.Host != "" {
		out.Set("X-Forwarded-Host", r.Host)
	}
	if r.TLS != nil {
		out.Set("X-Forwarded-Proto", "https")
	} else {
		out.Set("X-Forwarded-Proto", "http")
	}
	return out
}

// copyResponseHeaders copies upstream response headers, filtering hop-by-hop headers.
func copyResponseHeaders(dst, src http.Header) {
	filtered := src.Clone()
	removeHopByHopHeaders(filtered)
	for key, values := range filtered {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// flushWriter flushes after every write so streamed upstream bodies reach the
// client as they arrive.
type flushWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	count   int64
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	fw := &flushWriter{w: w}
	if flusher, ok := w.(http.Flusher); ok {
		fw.flusher = flusher
	}
	return fw
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.count += int64(n)
	if err == nil && fw.flusher != nil {
		fw.flusher.Flush()
	}
	return n, err
}
