package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/kwv/kabschmesh/kabsch"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for target fetches.
	DefaultFetchTimeout = 10 * time.Second

	// DefaultMaxRetries is the default number of attempts per fetch.
	DefaultMaxRetries = 3

	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes caps a point-set response body.
	maxResponseBytes = 8 << 20
)

// errNotRetryable marks a failed attempt that a retry would not fix
var errNotRetryable = errors.New("not retryable")

// FetchOption configures FetchTargets.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts. Values below 1 mean 1.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the delay before the first retry; it doubles after
// each failed attempt.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// FetchTargets GETs a point set from url and decodes it with DecodePoints.
// Transport errors and 5xx responses are retried with exponential backoff;
// 4xx responses and undecodable bodies are not.
func FetchTargets(ctx context.Context, url string, opts ...FetchOption) ([]kabsch.Point, error) {
	if url == "" {
		return nil, fmt.Errorf("fetch targets: URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch targets: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := doFetch(ctx, client, url)
		if err != nil {
			if errors.Is(err, errNotRetryable) {
				return nil, fmt.Errorf("fetch targets: %w", err)
			}
			lastErr = err
			continue
		}

		points, err := DecodePoints(body)
		if err != nil {
			return nil, fmt.Errorf("fetch targets: %w", err)
		}
		return points, nil
	}

	return nil, fmt.Errorf("fetch targets: all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

func doFetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w (%w)", err, errNotRetryable)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("HTTP GET %s: status %d (%w)", url, resp.StatusCode, errNotRetryable)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return body, nil
}

// TargetSink receives fetched target sets. StateTracker satisfies it.
type TargetSink interface {
	UpdateTarget(rigID string, points []kabsch.Point) (RigSnapshot, error)
}

// Poller periodically fetches targets for every rig with an apiUrl
type Poller struct {
	sink     TargetSink
	sources  map[string]string
	interval time.Duration
	opts     []FetchOption

	mu       sync.Mutex
	lastErrs map[string]error
}

// NewPoller builds a poller for the rigs in config that have an apiUrl.
// It returns nil when no rig does.
func NewPoller(config *Config, sink TargetSink, opts ...FetchOption) *Poller {
	sources := make(map[string]string)
	for i := range config.Rigs {
		rc := &config.Rigs[i]
		if rc.HasAPI() {
			sources[rc.ID] = *rc.ApiURL
		}
	}
	if len(sources) == 0 {
		return nil
	}
	return &Poller{
		sink:     sink,
		sources:  sources,
		interval: config.GetPollInterval(),
		opts:     opts,
		lastErrs: make(map[string]error),
	}
}

// Interval returns the polling period
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// PollOnce fetches every source once and pushes the results to the sink.
// It returns the number of rigs updated.
func (p *Poller) PollOnce(ctx context.Context) int {
	updated := 0
	for rigID, url := range p.sources {
		points, err := FetchTargets(ctx, url, p.opts...)
		if err == nil {
			_, err = p.sink.UpdateTarget(rigID, points)
		}
		p.setErr(rigID, err)
		if err != nil {
			log.Printf("[POLL] %s: %v", rigID, err)
			continue
		}
		updated++
	}
	return updated
}

// Run polls immediately and then every interval until ctx is done
func (p *Poller) Run(ctx context.Context) {
	log.Printf("[POLL] polling %d rig(s) every %v", len(p.sources), p.interval)
	p.PollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// LastError returns the error from the most recent poll of a rig
func (p *Poller) LastError(rigID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErrs[rigID]
}

func (p *Poller) setErr(rigID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErrs[rigID] = err
}
