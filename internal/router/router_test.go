package router

import (
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/kenneth/s3-credential-proxy/internal/creds"
)

var testSuffixes = []string{"s3.proxy.example.com"}

func newRequest(t *testing.T, method, target, host string) *RequestContext {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	if host != "" {
		r.Host = host
	}
	r.Header.Set("Authorization",
		"AWS4-HMAC-SHA256 Credential=AKID/20260831/us-east-1/s3/aws4_request,SignedHeaders=host,Signature=aa")
	r.Header.Set("X-Amz-Date", "20260831T120000Z")

	ctx, err := ParseContext(r, testSuffixes)
	if err != nil {
		t.Fatalf("ParseContext failed: %v", err)
	}
	return ctx
}

// Path-style and virtual-hosted addressing must resolve to the same bucket
// and key.
func TestParseContext_AddressingStyles(t *testing.T) {
	pathStyle := newRequest(t, "GET", "http://s3.proxy.example.com/photos/2026/cat.jpg", "")
	vhost := newRequest(t, "GET", "http://ignored/2026/cat.jpg", "photos.s3.proxy.example.com")

	if pathStyle.Bucket != "photos" || pathStyle.Key != "2026/cat.jpg" {
		t.Errorf("path-style parsed as %q/%q", pathStyle.Bucket, pathStyle.Key)
	}
	if vhost.Bucket != pathStyle.Bucket || vhost.Key != pathStyle.Key {
		t.Errorf("vhost parsed as %q/%q, want %q/%q", vhost.Bucket, vhost.Key, pathStyle.Bucket, pathStyle.Key)
	}
}

func TestParseContext_VHostWithPort(t *testing.T) {
	ctx := newRequest(t, "GET", "http://ignored/key.txt", "photos.s3.proxy.example.com:9000")
	if ctx.Bucket != "photos" || ctx.Key != "key.txt" {
		t.Errorf("parsed as %q/%q", ctx.Bucket, ctx.Key)
	}
}

func TestParseContext_ServiceLevel(t *testing.T) {
	ctx := newRequest(t, "GET", "http://s3.proxy.example.com/", "")
	if ctx.Bucket != "" || ctx.Key != "" {
		t.Errorf("service request parsed as %q/%q", ctx.Bucket, ctx.Key)
	}
	if ctx.Resource() != "/" {
		t.Errorf("resource = %q", ctx.Resource())
	}
}

func TestParseContext_BucketOnly(t *testing.T) {
	ctx := newRequest(t, "GET", "http://s3.proxy.example.com/photos", "")
	if ctx.Bucket != "photos" || ctx.Key != "" {
		t.Errorf("parsed as %q/%q", ctx.Bucket, ctx.Key)
	}
}

// A multi-label host that is not under a vhost suffix stays path-style.
func TestParseContext_ForeignHostIsPathStyle(t *testing.T) {
	ctx := newRequest(t, "GET", "http://ignored/photos/cat.jpg", "proxy.other.example.org")
	if ctx.Bucket != "photos" || ctx.Key != "cat.jpg" {
		t.Errorf("parsed as %q/%q", ctx.Bucket, ctx.Key)
	}
}

func testEntry(prefix string) *creds.Entry {
	return &creds.Entry{
		AccessKey: "PROXYKEY",
		SecretKey: "proxysecret",
		Backend: creds.BackendEntry{
			Endpoint:  "https://s3.backend.example.com:9000",
			Region:    "eu-central-1",
			AccessKey: "BACKENDKEY",
			SecretKey: "backendsecret",
		},
		BucketPrefix: prefix,
	}
}

func TestRoute_PrefixRewrite(t *testing.T) {
	ctx := newRequest(t, "GET", "http://s3.proxy.example.com/photos/cat.jpg", "")
	target := Route(ctx, testEntry("tenant1-"))

	if target.Bucket != "tenant1-photos" {
		t.Errorf("bucket = %q, want tenant1-photos", target.Bucket)
	}
	if target.Key != "cat.jpg" {
		t.Errorf("key = %q", target.Key)
	}
	if target.Region != "eu-central-1" {
		t.Errorf("region = %q", target.Region)
	}
	if target.Credentials.AccessKeyID != "BACKENDKEY" {
		t.Errorf("credentials = %q", target.Credentials.AccessKeyID)
	}
}

func TestRoute_NoPrefixOnServiceRequest(t *testing.T) {
	ctx := newRequest(t, "GET", "http://s3.proxy.example.com/", "")
	target := Route(ctx, testEntry("tenant1-"))
	if target.Bucket != "" {
		t.Errorf("bucket = %q, want empty", target.Bucket)
	}
	if target.Path() != "/" {
		t.Errorf("path = %q, want /", target.Path())
	}
}

func TestBackendURL_PathStyle(t *testing.T) {
	ctx := newRequest(t, "GET", "http://photos.s3.proxy.example.com/cat.jpg?partNumber=2&uploadId=xyz", "photos.s3.proxy.example.com")
	target := Route(ctx, testEntry("t-"))

	u := target.BackendURL(url.Values{"partNumber": {"2"}, "uploadId": {"xyz"}})
	if u.Host != "s3.backend.example.com:9000" {
		t.Errorf("host = %q", u.Host)
	}
	if u.Path != "/t-photos/cat.jpg" {
		t.Errorf("path = %q, want /t-photos/cat.jpg", u.Path)
	}
	if got := u.Query().Get("uploadId"); got != "xyz" {
		t.Errorf("uploadId = %q", got)
	}
}

func TestEndpointKey(t *testing.T) {
	ctx := newRequest(t, "GET", "http://s3.proxy.example.com/b/k", "")
	target := Route(ctx, testEntry(""))
	if got := target.EndpointKey(); got != "https://s3.backend.example.com:9000" {
		t.Errorf("endpoint key = %q", got)
	}
}
