package creds

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry maps one proxy-facing access key to the backend credentials used to
// re-sign its requests.
type Entry struct {
	AccessKey    string       `yaml:"access_key"`
	SecretKey    string       `yaml:"secret_key"`
	Backend      BackendEntry `yaml:"backend"`
	BucketPrefix string       `yaml:"bucket_prefix"`
}

// BackendEntry identifies the S3-compatible store requests are forwarded to.
type BackendEntry struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Directory is a read-only lookup table keyed by proxy access key. It is built
// once at startup and never mutated, so reads need no locking.
type Directory struct {
	entries map[string]*Entry
}

// NewDirectory builds a directory from a list of entries. Duplicate access
// keys are rejected because a silent overwrite would route one tenant's
// requests with another tenant's backend credentials.
func NewDirectory(entries []Entry) (*Directory, error) {
	m := make(map[string]*Entry, len(entries))
	for i := range entries {
		e := &entries[i]
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("credential entry %d: %w", i, err)
		}
		if _, dup := m[e.AccessKey]; dup {
			return nil, fmt.Errorf("duplicate access key %q", e.AccessKey)
		}
		m[e.AccessKey] = e
	}
	return &Directory{entries: m}, nil
}

// credentialsFile is the on-disk shape of the credential table.
type credentialsFile struct {
	Credentials []Entry `yaml:"credentials"`
}

// LoadFile reads the credential table from a YAML file.
func LoadFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var file credentialsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}

	if len(file.Credentials) == 0 {
		return nil, fmt.Errorf("credentials file %s contains no entries", path)
	}

	return NewDirectory(file.Credentials)
}

// Lookup returns the entry for the given proxy access key. A miss is a normal
// outcome; callers surface it to the client as an access denial.
func (d *Directory) Lookup(accessKey string) (*Entry, bool) {
	e, ok := d.entries[accessKey]
	return e, ok
}

// Endpoints returns the distinct backend endpoints across all entries.
func (d *Directory) Endpoints() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range d.entries {
		ep := e.Backend.Endpoint
		if !seen[ep] {
			seen[ep] = true
			out = append(out, ep)
		}
	}
	return out
}

// Len reports the number of loaded entries.
func (d *Directory) Len() int {
	return len(d.entries)
}

func (e *Entry) validate() error {
	if e.AccessKey == "" {
		return fmt.Errorf("access_key is required")
	}
	if e.SecretKey == "" {
		return fmt.Errorf("secret_key is required")
	}
	if e.Backend.Endpoint == "" {
		return fmt.Errorf("backend.endpoint is required")
	}
	u, err := url.Parse(e.Backend.Endpoint)
	if err != nil {
		return fmt.Errorf("backend.endpoint is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.endpoint must use http or https, got %q", u.Scheme)
	}
	if e.Backend.AccessKey == "" || e.Backend.SecretKey == "" {
		return fmt.Errorf("backend credentials are required")
	}
	if e.Backend.Region == "" {
		e.Backend.Region = "us-east-1"
	}
	if strings.ContainsAny(e.BucketPrefix, "/ ") {
		return fmt.Errorf("bucket_prefix must not contain slashes or spaces")
	}
	return nil
}

// EndpointURL returns the parsed backend endpoint. validate has already
// checked that the URL parses.
func (e *Entry) EndpointURL() *url.URL {
	u, _ := url.Parse(e.Backend.Endpoint)
	return u
}
