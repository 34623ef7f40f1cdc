package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestValidBucketName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"photos", true},
		{"my-bucket-123", true},
		{"my.bucket", true},
		{"abc", true},
		{"ab", false},
		{strings.Repeat("a", 64), false},
		{"Photos", false},
		{"-leading", false},
		{"trailing-", false},
		{"double..dot", false},
		{"dot.-hyphen", false},
		{"hyphen-.dot", false},
		{"under_score", false},
		{"192.168.0.1", false},
		{"192.168.0.1a", true},
	}
	for _, tc := range tests {
		if got := validBucketName(tc.name); got != tc.valid {
			t.Errorf("validBucketName(%q) = %v, want %v", tc.name, got, tc.valid)
		}
	}
}

func TestBucketValidationMiddleware(t *testing.T) {
	logger := newTestLogger(io.Discard)
	suffixes := []string{"s3.proxy.example.com"}

	var reached bool
	handler := BucketValidationMiddleware(suffixes, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid bucket passes", func(t *testing.T) {
		reached = false
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "http://s3.proxy.example.com/photos/cat.jpg", nil))
		if !reached || rec.Code != http.StatusOK {
			t.Fatalf("reached = %v, status = %d", reached, rec.Code)
		}
	})

	t.Run("service request passes", func(t *testing.T) {
		reached = false
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "http://s3.proxy.example.com/", nil))
		if !reached {
			t.Fatal("service-level request was blocked")
		}
	})

	t.Run("invalid bucket rejected", func(t *testing.T) {
		reached = false
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "http://s3.proxy.example.com/BAD_BUCKET/key", nil))
		if reached {
			t.Fatal("invalid bucket reached the handler")
		}
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "<Code>InvalidBucketName</Code>") {
			t.Errorf("body = %s", rec.Body.String())
		}
	})

	t.Run("virtual-hosted bucket checked", func(t *testing.T) {
		reached = false
		req := httptest.NewRequest("GET", "http://ignored/key", nil)
		req.Host = "ok-bucket.s3.proxy.example.com"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if !reached {
			t.Fatal("valid virtual-hosted bucket was blocked")
		}
	})
}
