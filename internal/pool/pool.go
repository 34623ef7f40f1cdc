// Package pool bounds and reuses backend HTTP connections. Each backend
// endpoint gets an independent pool: a semaphore caps concurrent connections
// and idle connections are kept warm until a TTL sweeper closes them.
package pool

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrExhausted is returned when no connection slot frees up within the
// acquire timeout. Callers surface it as a retryable server-busy condition.
var ErrExhausted = errors.New("connection pool exhausted")

// Options configures pool limits and lifetimes.
type Options struct {
	// MaxPerEndpoint caps concurrent connections to one backend endpoint.
	MaxPerEndpoint int64
	// AcquireTimeout bounds how long Acquire waits for a free slot.
	AcquireTimeout time.Duration
	// IdleTTL is how long an idle connection survives before the sweeper
	// closes it.
	IdleTTL time.Duration
	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration
	// TLSInsecureSkipVerify disables backend certificate verification.
	TLSInsecureSkipVerify bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxPerEndpoint <= 0 {
		out.MaxPerEndpoint = 64
	}
	if out.AcquireTimeout <= 0 {
		out.AcquireTimeout = 5 * time.Second
	}
	if out.IdleTTL <= 0 {
		out.IdleTTL = 90 * time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 15 * time.Second
	}
	return out
}

// Conn is one pooled backend connection. It owns a dedicated transport so
// that closing it tears down the underlying TCP connection instead of
// returning it to a shared idle set.
type Conn struct {
	endpoint  string
	transport *http.Transport
	client    *http.Client
	lastUsed  time.Time
}

// Do sends a request over this connection.
func (c *Conn) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// Endpoint returns the endpoint key this connection belongs to.
func (c *Conn) Endpoint() string {
	return c.endpoint
}

func (c *Conn) close() {
	c.transport.CloseIdleConnections()
}

type endpointPool struct {
	sem *semaphore.Weighted

	mu    sync.Mutex
	idle  []*Conn
	inUse int
}

// Pool manages per-endpoint connection sets.
type Pool struct {
	opts Options
	log  *logrus.Entry

	mu        sync.Mutex
	endpoints map[string]*endpointPool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a pool and starts its idle sweeper.
func New(opts Options, log *logrus.Logger) *Pool {
	p := &Pool{
		opts:      opts.withDefaults(),
		log:       log.WithField("component", "pool"),
		endpoints: make(map[string]*endpointPool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.sweep()
	return p
}

// Acquire obtains a connection to endpoint, waiting up to the acquire timeout
// for a slot. It returns ErrExhausted when the endpoint is saturated and the
// context error when the caller's context ends first.
func (p *Pool) Acquire(ctx context.Context, endpoint string) (*Conn, error) {
	ep := p.endpoint(endpoint)

	acquireCtx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
	defer cancel()

	if err := ep.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrExhausted
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.inUse++
	if n := len(ep.idle); n > 0 {
		conn := ep.idle[n-1]
		ep.idle = ep.idle[:n-1]
		return conn, nil
	}
	return p.newConn(endpoint), nil
}

// Release returns a connection to the pool. Unhealthy connections are closed
// rather than reused so that a broken backend socket cannot poison later
// requests.
func (p *Pool) Release(conn *Conn, healthy bool) {
	ep := p.endpoint(conn.endpoint)

	ep.mu.Lock()
	ep.inUse--
	if healthy {
		conn.lastUsed = time.Now()
		ep.idle = append(ep.idle, conn)
	}
	ep.mu.Unlock()

	if !healthy {
		conn.close()
	}
	ep.sem.Release(1)
}

// Stats reports in-use and idle connection counts per endpoint.
func (p *Pool) Stats() map[string]EndpointStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]EndpointStats, len(p.endpoints))
	for name, ep := range p.endpoints {
		ep.mu.Lock()
		out[name] = EndpointStats{InUse: ep.inUse, Idle: len(ep.idle)}
		ep.mu.Unlock()
	}
	return out
}

// EndpointStats is a point-in-time snapshot of one endpoint's pool.
type EndpointStats struct {
	InUse int
	Idle  int
}

// Stop halts the sweeper and closes all idle connections. In-flight
// connections drain through Release as their requests finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done

		p.mu.Lock()
		defer p.mu.Unlock()
		for _, ep := range p.endpoints {
			ep.mu.Lock()
			for _, conn := range ep.idle {
				conn.close()
			}
			ep.idle = nil
			ep.mu.Unlock()
		}
	})
}

func (p *Pool) endpoint(name string) *endpointPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[name]
	if !ok {
		ep = &endpointPool{sem: semaphore.NewWeighted(p.opts.MaxPerEndpoint)}
		p.endpoints[name] = ep
	}
	return ep
}

func (p *Pool) newConn(endpoint string) *Conn {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// One logical connection per transport.
		MaxIdleConns:          1,
		MaxIdleConnsPerHost:   1,
		IdleConnTimeout:       p.opts.IdleTTL,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     false,
	}
	if p.opts.TLSInsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Conn{
		endpoint:  endpoint,
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
}

// sweep closes idle connections that outlived the TTL.
func (p *Pool) sweep() {
	defer close(p.done)

	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-p.opts.IdleTTL)
		var expired []*Conn

		p.mu.Lock()
		for _, ep := range p.endpoints {
			ep.mu.Lock()
			kept := ep.idle[:0]
			for _, conn := range ep.idle {
				if conn.lastUsed.Before(cutoff) {
					expired = append(expired, conn)
				} else {
					kept = append(kept, conn)
				}
			}
			ep.idle = kept
			ep.mu.Unlock()
		}
		p.mu.Unlock()

		for _, conn := range expired {
			conn.close()
		}
		if len(expired) > 0 {
			p.log.WithField("closed", len(expired)).Debug("Swept idle backend connections")
		}
	}
}
