package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-Id"

// accessLog logs one record per request once it has been served, whatever the outcome.
func accessLog(log *zap.SugaredLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Infow("http request",
				"Method", r.Method,
				"Path", r.URL.Path,
				"Status", status,
				"Duration", time.Since(start),
				"RequestID", requestID,
				"RemoteAddr", r.RemoteAddr,
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
