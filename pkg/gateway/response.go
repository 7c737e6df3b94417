package gateway

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

// responseRecorder wraps http.ResponseWriter to capture the status code and
// whether the response has been committed.
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseRecorder) Write(p []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(p)
}

func (rw *responseRecorder) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		rw.wroteHeader = true
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Status returns the status written so far.
func (rw *responseRecorder) Status() int { return rw.statusCode }

// Committed reports whether headers have been sent.
func (rw *responseRecorder) Committed() bool { return rw.wroteHeader }

const bearerRealm = `Bearer realm="budgetiq"`

// writeGatewayError renders a gateway-generated failure in the ApiResponse envelope.
func writeGatewayError(w http.ResponseWriter, correlationID string, gwErr *domain.GatewayError) {
	status := gwErr.Outcome.Status()
	switch status {
	case domain.StatusClientClosedRequest:
		// The caller is gone.
		return
	case 0:
		status = http.StatusInternalServerError
	}

	h := w.Header()
	switch gwErr.Outcome {
	case domain.OutcomeUnauthenticated:
		if gwErr.Reason == "" || gwErr.Reason == domain.ReasonMissing {
			h.Set("WWW-Authenticate", bearerRealm)
		} else {
			h.Set("WWW-Authenticate", bearerRealm+`, error="invalid_token", error_description="`+gwErr.Reason+`"`)
		}
	case domain.OutcomeRateLimited, domain.OutcomeUpstreamUnavailable:
		if gwErr.RetryAfter > 0 {
			h.Set("Retry-After", retryAfterSeconds(gwErr.RetryAfter))
		}
	}

	message := gwErr.Message
	if gwErr.Outcome == domain.OutcomeInternalError {
		// Internal details stay in the logs.
		message = "internal gateway error"
	}

	writeJSON(w, status, domain.ErrorResponse{
		Success:       false,
		Data:          nil,
		Message:       message,
		Code:          gwErr.Outcome.Code(),
		Reason:        gwErr.Reason,
		CorrelationID: correlationID,
	})
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
