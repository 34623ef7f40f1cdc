package middleware

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/s3-credential-proxy/internal/relay"
	"github.com/kenneth/s3-credential-proxy/internal/router"
)

// BucketValidationMiddleware rejects requests whose bucket name violates S3
// naming rules before any backend work happens. Service-level requests with
// no bucket pass through.
func BucketValidationMiddleware(vhostSuffixes []string, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bucket := router.BucketFromRequest(r, vhostSuffixes)
			if bucket != "" && !validBucketName(bucket) {
				logger.WithFields(logrus.Fields{
					"bucket": bucket,
					"path":   r.URL.Path,
					"method": r.Method,
				}).Warn("Rejected invalid bucket name")

				s3err := &relay.S3Error{
					Code:       "InvalidBucketName",
					Message:    "The specified bucket is not valid.",
					Resource:   r.URL.Path,
					HTTPStatus: http.StatusBadRequest,
				}
				s3err.WriteXML(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// validBucketName checks the general-purpose bucket naming rules: 3-63
// characters of lowercase letters, digits, dots and hyphens, starting and
// ending with a letter or digit, and not shaped like an IP address.
func validBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if !isAlnum(name[0]) || !isAlnum(name[len(name)-1]) {
		return false
	}
	dotsOnly := true
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			dotsOnly = false
		case c >= '0' && c <= '9':
		case c == '-':
			dotsOnly = false
		case c == '.':
			// No adjacent dots, no dot-hyphen sequences.
			if i+1 < len(name) && (name[i+1] == '.' || name[i+1] == '-') {
				return false
			}
			if name[i-1] == '-' {
				return false
			}
		default:
			return false
		}
	}
	// All digits and dots means it could parse as an IPv4 address.
	if dotsOnly && strings.Count(name, ".") == 3 {
		return false
	}
	return true
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
