package finalizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"k8s.io/apimachinery/pkg/util/wait"

	"retailkpi/internal/aggregate"
	"retailkpi/internal/checkpoint"
	"retailkpi/internal/kpi"
	"retailkpi/internal/metrics"
	"retailkpi/internal/model"
	"retailkpi/internal/sink"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fastRetry = wait.Backoff{Steps: 3, Duration: time.Millisecond, Factor: 1}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]sink.Record
	failN   int
	calls   int
}

func (s *recordingSink) Write(ctx context.Context, recs []sink.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failN != 0 {
		if s.failN > 0 {
			s.failN--
		}
		return errors.New("sink unavailable")
	}
	s.batches = append(s.batches, recs)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) records() []sink.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sink.Record
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

type memCheckpointer struct {
	mu    sync.Mutex
	saved []checkpoint.Checkpoint
	fail  bool
}

func (m *memCheckpointer) Save(_ context.Context, cp checkpoint.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.saved = append(m.saved, cp)
	return nil
}

func (m *memCheckpointer) Load(context.Context, string) (checkpoint.Checkpoint, error) {
	return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
}

func (m *memCheckpointer) Close() error { return nil }

func order(view *kpi.View, ts time.Time, country, cost string) {
	view.Ingest(model.EnrichedEvent{
		InvoiceNo:  ts.Unix(),
		Country:    country,
		Timestamp:  ts,
		IsOrder:    1,
		TotalItems: 1,
		TotalCost:  decimal.RequireFromString(cost),
		HasItems:   true,
	}, aggregate.Offset{Offset: ts.Unix()})
}

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func globalView() *kpi.View {
	return kpi.NewGlobalView(kpi.Options{Width: time.Minute, AllowedLateness: time.Minute})
}

func TestTick_NoClosedWindowsNoWrite(t *testing.T) {
	v := globalView()
	order(v, t0.Add(10*time.Second), "UK", "10")
	s := &recordingSink{}
	cp := &memCheckpointer{}
	f := New(v, s, WithCheckpointer(cp, nil), WithBackoff(fastRetry))

	n, err := f.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, s.calls)
	assert.Equal(t, Idle, f.State())
	assert.Len(t, cp.saved, 1)
}

func TestTick_EmitsClosedWindowsInOrder(t *testing.T) {
	v := globalView()
	for _, sec := range []int{10, 30, 50} {
		order(v, t0.Add(time.Duration(sec)*time.Second), "UK", "10")
	}
	order(v, t0.Add(70*time.Second), "UK", "4")
	order(v, t0.Add(3*time.Minute), "UK", "1")

	s := &recordingSink{}
	var hook []checkpoint.Checkpoint
	reg := metrics.NewRegistry()
	f := New(v, s, WithMetrics(reg), WithBackoff(fastRetry),
		WithCheckpointer(&memCheckpointer{}, func(cp checkpoint.Checkpoint) { hook = append(hook, cp) }))

	n, err := f.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	recs := s.records()
	require.Len(t, recs, 2)
	first := recs[0].(kpi.GlobalKPI)
	assert.Equal(t, t0, first.WindowStart)
	assert.Equal(t, t0.Add(time.Minute), first.WindowEnd)
	assert.Equal(t, int64(3), first.OPM)
	assert.Equal(t, 30.0, first.TotalVolumeOfSales)
	assert.Equal(t, 10.0, first.AverageTransactionSize)
	assert.Equal(t, 0.0, first.RateOfReturn)
	assert.Equal(t, t0.Add(time.Minute), recs[1].(kpi.GlobalKPI).WindowStart)

	require.Len(t, hook, 1)
	assert.True(t, hook[0].Watermark.Equal(t0.Add(2*time.Minute)))
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.WindowsEmitted.WithLabelValues(kpi.GlobalViewID)))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.OpenWindows.WithLabelValues(kpi.GlobalViewID)))

	// Emitted windows are never emitted again.
	n, err = f.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, s.records(), 2)
}

func TestTick_RetriesThenSucceeds(t *testing.T) {
	v := globalView()
	order(v, t0, "UK", "1")
	order(v, t0.Add(2*time.Minute), "UK", "1")
	s := &recordingSink{failN: 2}
	reg := metrics.NewRegistry()
	f := New(v, s, WithMetrics(reg), WithBackoff(fastRetry))

	n, err := f.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, s.calls)
	assert.Len(t, s.records(), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.SinkRetries.WithLabelValues(kpi.GlobalViewID)))
}

func TestTick_RetryExhaustionHalts(t *testing.T) {
	v := globalView()
	order(v, t0, "UK", "1")
	order(v, t0.Add(2*time.Minute), "UK", "1")
	s := &recordingSink{failN: -1}
	cp := &memCheckpointer{}
	reg := metrics.NewRegistry()
	f := New(v, s, WithMetrics(reg), WithBackoff(fastRetry), WithCheckpointer(cp, nil))

	_, err := f.Tick(context.Background())
	require.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, Halted, f.State())
	assert.Contains(t, f.Err().Error(), "sink unavailable")
	assert.Equal(t, 3, s.calls)
	assert.Empty(t, cp.saved)
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.SinkRetries.WithLabelValues(kpi.GlobalViewID)))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.SinkFailures.WithLabelValues(kpi.GlobalViewID)))
	assert.Equal(t, float64(Halted), testutil.ToFloat64(reg.FinalizerState.WithLabelValues(kpi.GlobalViewID)))

	order(v, t0.Add(5*time.Minute), "UK", "1")
	_, err = f.Tick(context.Background())
	assert.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, 3, s.calls)
}

func TestTick_CheckpointFailureHalts(t *testing.T) {
	v := globalView()
	order(v, t0, "UK", "1")
	order(v, t0.Add(2*time.Minute), "UK", "1")
	s := &recordingSink{}
	f := New(v, s, WithBackoff(fastRetry), WithCheckpointer(&memCheckpointer{fail: true}, nil))

	n, err := f.Tick(context.Background())
	require.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, 1, n)
	assert.Equal(t, Halted, f.State())

	order(v, t0.Add(5*time.Minute), "UK", "1")
	_, err = f.Tick(context.Background())
	assert.ErrorIs(t, err, ErrHalted)
	assert.Len(t, s.records(), 1)
}

func TestTick_CountryViewOrdering(t *testing.T) {
	v := kpi.NewCountryView(kpi.Options{Width: time.Minute, AllowedLateness: time.Minute})
	order(v, t0.Add(5*time.Second), "UK", "3")
	order(v, t0.Add(6*time.Second), "FR", "2")
	order(v, t0.Add(65*time.Second), "DE", "1")
	order(v, t0.Add(3*time.Minute), "UK", "1")
	s := &recordingSink{}
	f := New(v, s, WithBackoff(fastRetry))

	_, err := f.Tick(context.Background())
	require.NoError(t, err)
	var got []string
	for _, r := range s.records() {
		c := r.(kpi.CountryKPI)
		got = append(got, c.WindowStart.Format("15:04")+" "+c.Country)
	}
	assert.Equal(t, []string{"10:00 FR", "10:00 UK", "10:01 DE"}, got)
}

func TestRun_FinalTickOnShutdown(t *testing.T) {
	v := globalView()
	order(v, t0, "UK", "1")
	s := &recordingSink{}
	f := New(v, s, WithTrigger(time.Hour), WithBackoff(fastRetry))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	order(v, t0.Add(2*time.Minute), "UK", "1")
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("finalizer did not stop")
	}
	assert.Len(t, s.records(), 1)
}

func TestRun_ReturnsHaltError(t *testing.T) {
	v := globalView()
	order(v, t0, "UK", "1")
	order(v, t0.Add(2*time.Minute), "UK", "1")
	f := New(v, &recordingSink{failN: -1}, WithTrigger(5*time.Millisecond), WithBackoff(fastRetry))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	require.Eventually(t, func() bool { return f.State() == Halted }, 5*time.Second, 5*time.Millisecond)
	cancel()
	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink unavailable")
}

func fileLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func TestTick_MirrorRetryDoesNotRewriteFile(t *testing.T) {
	v := globalView()
	order(v, t0, "UK", "1")
	order(v, t0.Add(2*time.Minute), "UK", "1")
	file, err := sink.NewFileSink(filepath.Join(t.TempDir(), "kpi.jsonl"))
	require.NoError(t, err)
	mirror := &recordingSink{failN: 1}
	cp := &memCheckpointer{}
	reg := metrics.NewRegistry()
	f := New(v, sink.NewMulti(file, mirror), WithMetrics(reg), WithBackoff(fastRetry), WithCheckpointer(cp, nil))

	n, err := f.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, fileLines(t, file.Path()), 1)
	assert.Equal(t, 2, mirror.calls)
	assert.Len(t, mirror.records(), 1)
	assert.Len(t, cp.saved, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.SinkRetries.WithLabelValues(kpi.GlobalViewID)))

	order(v, t0.Add(4*time.Minute), "UK", "1")
	n, err = f.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, fileLines(t, file.Path()), 2)
	require.NoError(t, file.Close())
}

func TestTick_MirrorExhaustionWritesFileOnce(t *testing.T) {
	v := globalView()
	order(v, t0, "UK", "1")
	order(v, t0.Add(2*time.Minute), "UK", "1")
	file, err := sink.NewFileSink(filepath.Join(t.TempDir(), "kpi.jsonl"))
	require.NoError(t, err)
	mirror := &recordingSink{failN: -1}
	cp := &memCheckpointer{}
	f := New(v, sink.NewMulti(file, mirror), WithBackoff(fastRetry), WithCheckpointer(cp, nil))

	_, err = f.Tick(context.Background())
	require.ErrorIs(t, err, ErrHalted)
	assert.Len(t, fileLines(t, file.Path()), 1)
	assert.Equal(t, 3, mirror.calls)
	assert.Empty(t, cp.saved)
	require.NoError(t, file.Close())
}

func TestTick_DrainedBatchSurvivesCancellation(t *testing.T) {
	v := globalView()
	order(v, t0, "UK", "1")
	order(v, t0.Add(2*time.Minute), "UK", "1")
	s := &recordingSink{failN: 1}
	cp := &memCheckpointer{}
	f := New(v, s, WithBackoff(fastRetry), WithCheckpointer(cp, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := f.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, Idle, f.State())
	assert.Len(t, s.records(), 1)
	assert.Len(t, cp.saved, 1)
}
