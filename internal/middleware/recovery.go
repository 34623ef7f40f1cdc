package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/s3-credential-proxy/internal/relay"
)

// RecoveryMiddleware converts handler panics into S3 InternalError responses.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithFields(logrus.Fields{
						"panic":  rec,
						"method": r.Method,
						"path":   r.URL.Path,
						"stack":  string(debug.Stack()),
					}).Error("Handler panicked")

					s3err := &relay.S3Error{
						Code:       "InternalError",
						Message:    "We encountered an internal error. Please try again.",
						Resource:   r.URL.Path,
						HTTPStatus: http.StatusInternalServerError,
					}
					s3err.WriteXML(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
