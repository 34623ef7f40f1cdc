package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer guards the log buffer against the watcher goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchFile(t *testing.T) {
	logger := logrus.New()
	out := &syncBuffer{}
	logger.SetOutput(out)

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte("credentials: []\n"), 0o600))

	w, err := WatchFile(path, logger)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("credentials: [] # edited\n"), 0o600))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), "restart to apply") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("file change was never logged")
}

func TestWatchFile_IgnoresSiblings(t *testing.T) {
	logger := logrus.New()
	out := &syncBuffer{}
	logger.SetOutput(out)

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte("credentials: []\n"), 0o600))

	w, err := WatchFile(path, logger)
	require.NoError(t, err)
	defer w.Close()

	sibling := filepath.Join(tmpDir, "other.yaml")
	require.NoError(t, os.WriteFile(sibling, []byte("x: 1\n"), 0o600))

	time.Sleep(200 * time.Millisecond)
	assert.NotContains(t, out.String(), "restart to apply")
}

func TestWatchFile_MissingDirectory(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(&syncBuffer{})

	_, err := WatchFile(filepath.Join(t.TempDir(), "nope", "credentials.yaml"), logger)
	assert.Error(t, err)
}
