package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"k8s.io/apimachinery/pkg/util/wait"

	"retailkpi/internal/checkpoint"
	"retailkpi/internal/finalizer"
	"retailkpi/internal/kpi"
	"retailkpi/internal/metrics"
	"retailkpi/internal/sink"
	"retailkpi/internal/source"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const day = "2024-01-01T"

func order(inv int, country, clock string, qty int, price string) string {
	return event(inv, country, clock, "ORDER", fmt.Sprintf(`[{"SKU":"S%d","title":"item","unit_price":%s,"quantity":%d}]`, inv, price, qty))
}

func event(inv int, country, clock, typ, items string) string {
	line := fmt.Sprintf(`{"invoice_no":%d,"country":%q,"timestamp":"%s%sZ","type":%q`, inv, country, day, clock, typ)
	if items != "" {
		line += `,"items":` + items
	}
	return line + "}"
}

type harness struct {
	t       *testing.T
	dir     string
	metrics *metrics.Registry
	src     *source.FileSource
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, dir: t.TempDir()}
}

func (h *harness) outPath(view string) string {
	return filepath.Join(h.dir, "out", view+".jsonl")
}

// run replays lines through a fresh pipeline sharing output and checkpoint
// directories with previous runs, like a process restart.
func (h *harness) run(lines []string, global, country sink.Sink) error {
	t := h.t
	in := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(in, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	src, err := source.OpenFile(in)
	require.NoError(t, err)
	h.src = src

	opts := kpi.Options{Width: time.Minute, AllowedLateness: time.Minute}
	if global == nil {
		global, err = sink.NewFileSink(h.outPath(kpi.GlobalViewID))
		require.NoError(t, err)
	}
	if country == nil {
		country, err = sink.NewFileSink(h.outPath(kpi.CountryViewID))
		require.NoError(t, err)
	}
	h.metrics = metrics.NewRegistry()
	p := New(src, []ViewSpec{
		{View: kpi.NewGlobalView(opts), Sink: global, Checkpointer: checkpoint.NewFilesystem(filepath.Join(h.dir, "global_cp")), Trigger: time.Hour},
		{View: kpi.NewCountryView(opts), Sink: country, Checkpointer: checkpoint.NewFilesystem(filepath.Join(h.dir, "country_cp")), Trigger: time.Hour},
	}, WithMetrics(h.metrics), WithSinkBackoff(wait.Backoff{Steps: 2, Duration: time.Millisecond, Factor: 1}))
	err = p.Run(context.Background())
	require.NoError(t, p.Close())
	return err
}

func readLines[T any](t *testing.T, path string) []T {
	t.Helper()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()
	var out []T
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var v T
		require.NoError(t, json.Unmarshal(sc.Bytes(), &v))
		out = append(out, v)
	}
	require.NoError(t, sc.Err())
	return out
}

func ts(clock string) time.Time {
	v, _ := time.Parse(time.RFC3339, day+clock+"Z")
	return v
}

func TestPipeline_ThreeOrdersOneWindow(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run([]string{
		order(1, "UK", "00:00:10", 2, "5.0"),
		order(2, "UK", "00:00:30", 2, "5.0"),
		order(3, "UK", "00:00:50", 2, "5.0"),
		order(4, "UK", "00:02:00", 1, "1.0"),
	}, nil, nil))

	global := readLines[kpi.GlobalKPI](t, h.outPath(kpi.GlobalViewID))
	require.Len(t, global, 1)
	assert.True(t, global[0].WindowStart.Equal(ts("00:00:00")))
	assert.True(t, global[0].WindowEnd.Equal(ts("00:01:00")))
	assert.Equal(t, int64(3), global[0].OPM)
	assert.Equal(t, 30.0, global[0].TotalVolumeOfSales)
	assert.Equal(t, 10.0, global[0].AverageTransactionSize)
	assert.Equal(t, 0.0, global[0].RateOfReturn)

	country := readLines[kpi.CountryKPI](t, h.outPath(kpi.CountryViewID))
	require.Len(t, country, 1)
	assert.Equal(t, "UK", country[0].Country)
	assert.Equal(t, int64(3), country[0].OPM)
	assert.Equal(t, 30.0, country[0].TotalVolumeOfSales)
	assert.Equal(t, 0.0, country[0].RateOfReturn)

	assert.Equal(t, 4.0, testutil.ToFloat64(h.metrics.EventsReceived))
	assert.Equal(t, map[int32]int64{0: 3}, h.src.Committed())
}

func TestPipeline_OrderAndReturnCancel(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run([]string{
		order(1, "FR", "00:00:05", 2, "10"),
		event(2, "FR", "00:00:15", "RETURN", `[{"SKU":"S1","title":"item","unit_price":10,"quantity":2}]`),
		order(3, "FR", "00:02:30", 1, "1"),
	}, nil, nil))

	global := readLines[kpi.GlobalKPI](t, h.outPath(kpi.GlobalViewID))
	require.Len(t, global, 1)
	assert.Equal(t, int64(2), global[0].OPM)
	assert.Equal(t, 0.0, global[0].TotalVolumeOfSales)
	assert.Equal(t, 0.0, global[0].AverageTransactionSize)
	assert.Equal(t, 0.5, global[0].RateOfReturn)

	country := readLines[kpi.CountryKPI](t, h.outPath(kpi.CountryViewID))
	require.Len(t, country, 1)
	assert.Equal(t, 0.5, country[0].RateOfReturn)
}

func TestPipeline_LateEventDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run([]string{
		order(1, "UK", "00:00:10", 1, "4"),
		order(2, "UK", "00:02:06", 1, "4"),
		order(3, "UK", "00:00:05", 1, "100"),
	}, nil, nil))

	global := readLines[kpi.GlobalKPI](t, h.outPath(kpi.GlobalViewID))
	require.Len(t, global, 1)
	assert.Equal(t, int64(1), global[0].OPM)
	assert.Equal(t, 4.0, global[0].TotalVolumeOfSales)
	for _, view := range []string{kpi.GlobalViewID, kpi.CountryViewID} {
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LateDropped.WithLabelValues(view)), view)
	}
}

func TestPipeline_RestartDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	first := []string{
		order(1, "UK", "00:00:10", 2, "5.0"),
		order(2, "DE", "00:00:30", 2, "5.0"),
		order(3, "UK", "00:00:50", 2, "5.0"),
		order(4, "UK", "00:01:30", 1, "7"),
		order(5, "UK", "00:02:00", 1, "1"),
	}
	require.NoError(t, h.run(first, nil, nil))
	global := readLines[kpi.GlobalKPI](t, h.outPath(kpi.GlobalViewID))
	require.Len(t, global, 1)

	// The source redelivers everything after the restart.
	second := append(append([]string{}, first...),
		order(6, "UK", "00:02:30", 1, "1"),
		order(7, "FR", "00:03:10", 1, "1"),
	)
	require.NoError(t, h.run(second, nil, nil))

	global = readLines[kpi.GlobalKPI](t, h.outPath(kpi.GlobalViewID))
	require.Len(t, global, 2)
	assert.True(t, global[0].WindowStart.Equal(ts("00:00:00")))
	assert.Equal(t, int64(3), global[0].OPM)
	assert.True(t, global[1].WindowStart.Equal(ts("00:01:00")))
	assert.Equal(t, int64(1), global[1].OPM)
	assert.Equal(t, 7.0, global[1].TotalVolumeOfSales)

	country := readLines[kpi.CountryKPI](t, h.outPath(kpi.CountryViewID))
	var keys []string
	for _, c := range country {
		keys = append(keys, c.WindowStart.Format("15:04")+" "+c.Country)
	}
	assert.Equal(t, []string{"00:00 DE", "00:00 UK", "00:01 UK"}, keys)

	assert.Equal(t, 5.0, testutil.ToFloat64(h.metrics.ReplaySkipped.WithLabelValues(kpi.GlobalViewID)))
	assert.Equal(t, map[int32]int64{0: 6}, h.src.Committed())
}

func TestPipeline_EmptyAndMissingItemsStillCounted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run([]string{
		event(1, "UK", "00:00:10", "ORDER", `[]`),
		event(2, "UK", "00:00:20", "ORDER", ""),
		order(3, "UK", "00:00:30", 1, "10"),
		order(4, "UK", "00:02:00", 1, "1"),
	}, nil, nil))

	global := readLines[kpi.GlobalKPI](t, h.outPath(kpi.GlobalViewID))
	require.Len(t, global, 1)
	assert.Equal(t, int64(3), global[0].OPM)
	assert.Equal(t, 10.0, global[0].TotalVolumeOfSales)
	assert.InDelta(t, 3.3333, global[0].AverageTransactionSize, 1e-3)
	assert.Equal(t, 0.0, global[0].RateOfReturn)
}

func TestPipeline_MalformedRecordsDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run([]string{
		`not json`,
		`{"invoice_no":1,"country":"UK","type":"ORDER"}`,
		order(2, "UK", "00:00:10", 1, "3"),
		order(3, "UK", "00:02:00", 1, "1"),
	}, nil, nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.DecodeDropped))
	global := readLines[kpi.GlobalKPI](t, h.outPath(kpi.GlobalViewID))
	require.Len(t, global, 1)
	assert.Equal(t, int64(1), global[0].OPM)
}

type downSink struct{}

func (downSink) Write(context.Context, []sink.Record) error { return errors.New("connection refused") }
func (downSink) Close() error                               { return nil }

func TestPipeline_SinkFailureHaltsOnlyThatView(t *testing.T) {
	h := newHarness(t)
	err := h.run([]string{
		order(1, "UK", "00:00:10", 1, "3"),
		order(2, "UK", "00:02:00", 1, "1"),
	}, downSink{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, finalizer.ErrHalted)
	assert.Contains(t, err.Error(), "view global")
	assert.Contains(t, err.Error(), "connection refused")

	assert.Empty(t, readLines[kpi.GlobalKPI](t, h.outPath(kpi.GlobalViewID)))
	assert.Len(t, readLines[kpi.CountryKPI](t, h.outPath(kpi.CountryViewID)), 1)
	// The halted view never checkpointed, so nothing is committed.
	assert.Empty(t, h.src.Committed())
}
