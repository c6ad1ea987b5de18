// Package events implements C7, the event fan-out: it accepts internal
// ChangeEvents (from the flag store) and BusinessEvents (from the
// orchestrator; the supervisor emits no events) and delivers them to the external
// observability sink with retries, falling back to a local spool file
// when the sink is unreachable.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bizobs-sim/engine/internal/apierrors"
	"github.com/bizobs-sim/engine/internal/fallback"
	"github.com/bizobs-sim/engine/internal/httputil"
	"github.com/bizobs-sim/engine/internal/logging"
	"github.com/bizobs-sim/engine/internal/metrics"
	"github.com/bizobs-sim/engine/internal/model"
	"github.com/bizobs-sim/engine/internal/resilience"
)

// Sink delivers one event's wire payload to the observability platform.
type Sink interface {
	Deliver(ctx context.Context, kind model.EventType, payload []byte) error
}

// Credentials are the observability platform's connection details, loaded
// from a JSON file or from DT_ENVIRONMENT/DT_API_TOKEN env vars. The OAuth
// refresh flow that would keep RefreshToken/ExpiresAt current is out of
// scope; only the token source is handled here.
type Credentials struct {
	Environment  string    `json:"environment"`
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// LoadCredentials reads credentials from path if given and present,
// otherwise falls back to DT_ENVIRONMENT/DT_API_TOKEN.
func LoadCredentials(path string) Credentials {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var creds Credentials
			if json.Unmarshal(data, &creds) == nil && creds.Token != "" {
				return creds
			}
		}
	}

	return Credentials{
		Environment: os.Getenv("DT_ENVIRONMENT"),
		Token:       os.Getenv("DT_API_TOKEN"),
	}
}

// HTTPSink posts event payloads to the observability platform's change and
// business event endpoints.
type HTTPSink struct {
	BaseURL      string
	ChangePath   string
	BusinessPath string
	Token        string
	Client       *http.Client
}

// NewHTTPSink constructs an HTTPSink with the documented default paths.
func NewHTTPSink(baseURL string, creds Credentials) *HTTPSink {
	return &HTTPSink{
		BaseURL:      baseURL,
		ChangePath:   "/api/v2/events/ingest",
		BusinessPath: "/api/v2/bizevents/ingest",
		Token:        creds.Token,
		Client: httputil.CopyHTTPClientWithTimeout(&http.Client{
			Transport: httputil.DefaultTransportWithMinTLS12(),
		}, 10*time.Second, false),
	}
}

// Deliver implements Sink.
func (s *HTTPSink) Deliver(ctx context.Context, kind model.EventType, payload []byte) error {
	path := s.BusinessPath
	if kind == model.EventTypeChange {
		path = s.ChangePath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Api-Token "+s.Token)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := httputil.ReadAllStrict(resp.Body, 4<<10)
		return fmt.Errorf("events: sink returned status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// Config controls the fan-out's queue capacity and delivery policy.
type Config struct {
	QueueCapacity  int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SpoolPath      string
}

// DefaultConfig returns the documented defaults: capacity 10,000, 5
// delivery attempts, exponential backoff capped at 30s.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  10000,
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		SpoolPath:      "data/events_spool.jsonl",
	}
}

type queueItem struct {
	kind    model.EventType
	payload []byte
}

// FanOut is C7: a bounded FIFO queue with a single delivery consumer.
type FanOut struct {
	cfg      Config
	sink     Sink
	fallback *fallback.Handler
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu           sync.Mutex
	items        []queueItem
	droppedQueue int

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// New constructs a FanOut. sink may be nil if only spool delivery is
// desired (e.g. in tests); callers typically pass an *HTTPSink.
func New(cfg Config, sink Sink, logger *logging.Logger, m *metrics.Metrics) *FanOut {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewFromEnv("events")
	}
	if m == nil {
		m = metrics.Global()
	}

	return &FanOut{
		cfg:      cfg,
		sink:     sink,
		fallback: fallback.NewHandler(fallback.Config{MaxAttempts: 1}),
		logger:   logger,
		metrics:  m,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the delivery consumer goroutine. Call Stop to shut it
// down gracefully.
func (f *FanOut) Start(ctx context.Context) {
	go f.run(ctx)
}

// Stop signals the consumer to exit and waits up to the grace period for
// it to drain its in-flight delivery.
func (f *FanOut) Stop(grace time.Duration) {
	close(f.stop)
	select {
	case <-f.done:
	case <-time.After(grace):
		f.logger.Warn(context.Background(), "event fan-out did not drain within grace period", nil)
	}
}

// EmitChange enqueues a ChangeEvent.
func (f *FanOut) EmitChange(evt model.ChangeEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		f.logger.WithError(err).Error("marshal change event")
		return
	}
	f.enqueue(queueItem{kind: model.EventTypeChange, payload: payload})
}

// EmitBusiness enqueues a BusinessEvent.
func (f *FanOut) EmitBusiness(evt model.BusinessEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		f.logger.WithError(err).Error("marshal business event")
		return
	}
	f.enqueue(queueItem{kind: model.EventTypeBusiness, payload: payload})
}

func (f *FanOut) enqueue(item queueItem) {
	f.mu.Lock()
	if len(f.items) >= f.cfg.QueueCapacity {
		f.items = f.items[1:]
		f.droppedQueue++
		f.metrics.RecordEventDropped()
	}
	f.items = append(f.items, item)
	depth := len(f.items)
	f.mu.Unlock()

	f.metrics.EventQueueDepth.Set(float64(depth))

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *FanOut) dequeue() (queueItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return queueItem{}, false
	}

	item := f.items[0]
	f.items = f.items[1:]
	f.metrics.EventQueueDepth.Set(float64(len(f.items)))
	return item, true
}

// QueueDepth returns the current number of queued, undelivered events.
func (f *FanOut) QueueDepth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// DroppedOnOverflow returns how many events were dropped because the queue
// was full when a new event arrived.
func (f *FanOut) DroppedOnOverflow() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.droppedQueue
}

func (f *FanOut) run(ctx context.Context) {
	defer close(f.done)

	for {
		item, ok := f.dequeue()
		if !ok {
			select {
			case <-f.stop:
				return
			case <-ctx.Done():
				return
			case <-f.notify:
				continue
			case <-time.After(time.Second):
				continue
			}
		}

		f.deliver(ctx, item)
	}
}

func (f *FanOut) deliver(ctx context.Context, item queueItem) {
	if f.sink != nil {
		retryCfg := resilience.RetryConfig{
			MaxAttempts:  f.cfg.MaxAttempts,
			InitialDelay: f.cfg.InitialBackoff,
			MaxDelay:     f.cfg.MaxBackoff,
			Multiplier:   2.0,
			Jitter:       0.1,
		}

		err := resilience.Retry(ctx, retryCfg, func() error {
			return f.sink.Deliver(ctx, item.kind, item.payload)
		})
		if err == nil {
			f.metrics.RecordEventDelivered("primary")
			return
		}

		f.logger.WithError(err).Warn("event sink delivery exhausted retries, falling back to spool")
	}

	result := f.fallback.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, f.spool(item)
	})
	if result.Err == nil {
		f.metrics.RecordEventDelivered("fallback")
		return
	}

	f.metrics.RecordEventDropped()
	f.logger.WithError(apierrors.EventDeliveryFailed(string(item.kind), result.Err)).Error("event delivery failed terminally")
}

func (f *FanOut) spool(item queueItem) error {
	if f.cfg.SpoolPath == "" {
		return fmt.Errorf("events: no spool path configured")
	}

	dir := filepath.Dir(f.cfg.SpoolPath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	file, err := os.OpenFile(f.cfg.SpoolPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	line := append(append([]byte(`{"kind":"`+string(item.kind)+`","payload":`), item.payload...), []byte("}\n")...)
	_, err = file.Write(line)
	return err
}
