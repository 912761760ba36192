package api

import (
	"net/http"
	"runtime/debug"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// requestLogger logs each request at Info once it completes.
func requestLogger(l *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			entry := l.WithFields(logrus.Fields{
				"req_id": chimw.GetReqID(r.Context()),
				"method": r.Method,
				"path":   r.URL.Path,
			})
			entry.Debug("request started")

			next.ServeHTTP(ww, r)

			entry.WithFields(logrus.Fields{
				"status":   ww.Status(),
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start).String(),
			}).Info("request complete")
		})
	}
}

// recoverer logs panics at Error and returns 500.
func recoverer(l *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					l.WithFields(logrus.Fields{
						"req_id": chimw.GetReqID(r.Context()),
						"panic":  rec,
						"stack":  string(debug.Stack()),
					}).Error("panic")
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
