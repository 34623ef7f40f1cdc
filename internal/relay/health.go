package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Prober periodically checks backend reachability and serves the health
// endpoint. A backend is reachable when any HTTP response comes back; auth
// failures still prove the socket works.
type Prober struct {
	endpoints []string
	interval  time.Duration
	timeout   time.Duration
	client    *http.Client
	log       *logrus.Entry

	mu     sync.RWMutex
	status map[string]backendStatus

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type backendStatus struct {
	Reachable bool      `json:"reachable"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// NewProber builds a prober for the given backend endpoints.
func NewProber(endpoints []string, interval time.Duration, log *logrus.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		endpoints: endpoints,
		interval:  interval,
		timeout:   5 * time.Second,
		client:    &http.Client{Timeout: 5 * time.Second},
		log:       log.WithField("component", "prober"),
		status:    make(map[string]backendStatus),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start probes once immediately, then on every interval tick until Stop.
func (p *Prober) Start() {
	go func() {
		defer close(p.done)
		p.probeAll()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.probeAll()
			}
		}
	}()
}

// Stop halts probing.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
}

func (p *Prober) probeAll() {
	for _, endpoint := range p.endpoints {
		status := p.probe(endpoint)

		p.mu.Lock()
		p.status[endpoint] = status
		p.mu.Unlock()

		if !status.Reachable {
			p.log.WithFields(logrus.Fields{
				"endpoint": endpoint,
				"error":    status.Error,
			}).Warn("Backend unreachable")
		}
	}
}

func (p *Prober) probe(endpoint string) backendStatus {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	status := backendStatus{CheckedAt: time.Now()}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	resp, err := p.client.Do(req)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	resp.Body.Close()
	status.Reachable = true
	return status
}

// Handler serves the health document. The proxy reports healthy when every
// backend was reachable at the last probe; an unreachable backend degrades
// the status to 503 so orchestrators stop routing new traffic here.
func (p *Prober) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.RLock()
		backends := make(map[string]backendStatus, len(p.status))
		healthy := true
		for endpoint, status := range p.status {
			backends[endpoint] = status
			if !status.Reachable {
				healthy = false
			}
		}
		p.mu.RUnlock()

		doc := struct {
			Status   string                   `json:"status"`
			Backends map[string]backendStatus `json:"backends"`
		}{
			Status:   "ok",
			Backends: backends,
		}
		code := http.StatusOK
		if !healthy {
			doc.Status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(doc)
	})
}
