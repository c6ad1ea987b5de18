package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizobs-sim/engine/internal/model"
)

type fakeSink struct {
	mu      sync.Mutex
	calls   int
	failN   int // fail the first failN calls, then succeed
	lastErr error
}

func (f *fakeSink) Deliver(ctx context.Context, kind model.EventType, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return errors.New("sink unavailable")
	}
	return nil
}

func (f *fakeSink) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testFanOut(t *testing.T, sink Sink) *FanOut {
	t.Helper()
	cfg := DefaultConfig()
	cfg.QueueCapacity = 4
	cfg.MaxAttempts = 2
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.SpoolPath = filepath.Join(t.TempDir(), "spool.jsonl")
	return New(cfg, sink, nil, nil)
}

func TestEmitChange_DeliversViaPrimarySink(t *testing.T) {
	sink := &fakeSink{}
	f := testFanOut(t, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)
	defer f.Stop(time.Second)

	f.EmitChange(model.ChangeEvent{FlagName: "cache_enabled", NewValue: true, Scope: model.ScopeGlobal})

	require.Eventually(t, func() bool {
		return sink.Calls() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEmitBusiness_FallsBackToSpoolWhenSinkExhausted(t *testing.T) {
	sink := &fakeSink{failN: 100} // always fails
	f := testFanOut(t, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)

	f.EmitBusiness(model.BusinessEvent{CorrelationID: "c1", StepName: "Checkout", ServiceName: "CheckoutService-Acme"})

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(f.cfg.SpoolPath)
		return err == nil && len(data) > 0
	}, time.Second, 5*time.Millisecond)

	f.Stop(time.Second)

	data, err := os.ReadFile(f.cfg.SpoolPath)
	require.NoError(t, err)

	var spooled map[string]interface{}
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &spooled)) // trailing newline
	assert.Equal(t, "BIZ", spooled["kind"])
}

func TestEnqueue_DropsOldestOnOverflow(t *testing.T) {
	f := testFanOut(t, nil)
	f.cfg.SpoolPath = filepath.Join(t.TempDir(), "spool.jsonl")

	// never start the consumer, so the queue fills up
	for i := 0; i < 4; i++ {
		f.EmitChange(model.ChangeEvent{FlagName: "f"})
	}
	assert.Equal(t, 4, f.QueueDepth())
	assert.Equal(t, 0, f.DroppedOnOverflow())

	f.EmitChange(model.ChangeEvent{FlagName: "overflow"})
	assert.Equal(t, 4, f.QueueDepth())
	assert.Equal(t, 1, f.DroppedOnOverflow())
}

func TestSpool_WritesAppendOnlyJSONLines(t *testing.T) {
	f := testFanOut(t, nil)

	require.NoError(t, f.spool(queueItem{kind: model.EventTypeChange, payload: []byte(`{"a":1}`)}))
	require.NoError(t, f.spool(queueItem{kind: model.EventTypeBusiness, payload: []byte(`{"b":2}`)}))

	data, err := os.ReadFile(f.cfg.SpoolPath)
	require.NoError(t, err)

	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines)
}

func TestDeliver_NilSinkGoesStraightToSpool(t *testing.T) {
	f := testFanOut(t, nil)

	f.deliver(context.Background(), queueItem{kind: model.EventTypeChange, payload: []byte(`{}`)})

	data, err := os.ReadFile(f.cfg.SpoolPath)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestLoadCredentials_FallsBackToEnv(t *testing.T) {
	t.Setenv("DT_ENVIRONMENT", "production")
	t.Setenv("DT_API_TOKEN", "tok-123")

	creds := LoadCredentials("")
	assert.Equal(t, "production", creds.Environment)
	assert.Equal(t, "tok-123", creds.Token)
}

func TestLoadCredentials_PrefersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	body, err := json.Marshal(Credentials{Environment: "staging", Token: "file-token"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, body, 0644))

	creds := LoadCredentials(path)
	assert.Equal(t, "staging", creds.Environment)
	assert.Equal(t, "file-token", creds.Token)
}
