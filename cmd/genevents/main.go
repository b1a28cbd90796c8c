package main

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"retailkpi/internal/logging"
	"retailkpi/internal/model"
	"retailkpi/internal/sink"
)

type genConfig struct {
	Count       int
	Output      string
	Bootstrap   string
	Topic       string
	Start       string
	Step        time.Duration
	ReturnRatio float64
	Disorder    time.Duration
	Seed        int64
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var cfg genConfig
	command := &cobra.Command{
		Use:          "genevents",
		Short:        "Generate synthetic retail events as JSON lines or onto a Kafka topic",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger().Named("genevents")
			n, err := generate(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Errorw("Generation failed", zap.Error(err))
				return err
			}
			logger.Infow("Generated events", "count", n, "output", cfg.Output, "topic", cfg.Topic)
			return nil
		},
	}
	f := command.Flags()
	f.IntVar(&cfg.Count, "count", 100, "number of events to generate")
	f.StringVar(&cfg.Output, "output", "retail-events.jsonl", "output file, ignored when --kafka-bootstrap is set")
	f.StringVar(&cfg.Bootstrap, "kafka-bootstrap", "", "publish to kafka instead of a file")
	f.StringVar(&cfg.Topic, "topic", "real-time-project", "kafka topic")
	f.StringVar(&cfg.Start, "start", "", "first event time (any common layout); defaults to now")
	f.DurationVar(&cfg.Step, "step", 10*time.Second, "event time spacing")
	f.Float64Var(&cfg.ReturnRatio, "return-ratio", 0.1, "fraction of RETURN events")
	f.DurationVar(&cfg.Disorder, "disorder", 0, "maximum random shift of event time, producing out-of-order input")
	f.Int64Var(&cfg.Seed, "seed", 0, "random seed; 0 picks one from the clock")
	return command
}

var (
	countries = []string{"United Kingdom", "France", "Germany", "EIRE", "Spain", "Netherlands"}
	titles    = []string{"WHITE HANGING HEART T-LIGHT HOLDER", "REGENCY CAKESTAND 3 TIER", "JUMBO BAG RED RETROSPOT", "PARTY BUNTING", "LUNCH BAG RED RETROSPOT"}
)

func randomEvent(r *rand.Rand, invoice int64, ts time.Time, returnRatio float64) model.RawEvent {
	typ := model.TypeOrder
	if r.Float64() < returnRatio {
		typ = model.TypeReturn
	}
	items := make([]model.LineItem, 1+r.Intn(4))
	for i := range items {
		items[i] = model.LineItem{
			SKU:       uuid.NewString()[:8],
			Title:     titles[r.Intn(len(titles))],
			UnitPrice: decimal.New(int64(50+r.Intn(2000)), -2),
			Quantity:  int32(1 + r.Intn(6)),
		}
	}
	return model.RawEvent{
		InvoiceNo: invoice,
		Country:   countries[r.Intn(len(countries))],
		Timestamp: model.EventTime(ts),
		Type:      typ,
		Items:     items,
	}
}

func generate(ctx context.Context, cfg genConfig, log *zap.SugaredLogger) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now().UTC()
	if cfg.Start != "" {
		raw, err := model.Decode([]byte(fmt.Sprintf(`{"timestamp":%q}`, cfg.Start)))
		if err != nil {
			return 0, fmt.Errorf("parse --start: %w", err)
		}
		start = raw.Timestamp.Time()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(seed))

	emit, closeFn, err := openOutput(cfg)
	if err != nil {
		return 0, err
	}
	base := int64(536365)
	n := 0
	for i := 0; i < cfg.Count; i++ {
		ts := start.Add(time.Duration(i) * cfg.Step)
		if cfg.Disorder > 0 {
			ts = ts.Add(-time.Duration(r.Int63n(int64(cfg.Disorder))))
		}
		ev := randomEvent(r, base+int64(i), ts, cfg.ReturnRatio)
		b, err := json.Marshal(&ev)
		if err != nil {
			_ = closeFn()
			return n, fmt.Errorf("encode event %d: %w", i, err)
		}
		if err := emit(ctx, ev.InvoiceNo, b); err != nil {
			_ = closeFn()
			return n, err
		}
		n++
	}
	if err := closeFn(); err != nil {
		return n, err
	}
	log.Debugw("Generator finished", "seed", seed)
	return n, nil
}

type emitFunc func(ctx context.Context, invoice int64, payload []byte) error

func openOutput(cfg genConfig) (emitFunc, func() error, error) {
	if cfg.Bootstrap != "" {
		w := &kafka.Writer{
			Addr:         kafka.TCP(sink.SplitBrokers(cfg.Bootstrap)...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
		emit := func(ctx context.Context, invoice int64, payload []byte) error {
			return w.WriteMessages(ctx, kafka.Message{Key: []byte(fmt.Sprint(invoice)), Value: payload})
		}
		return emit, w.Close, nil
	}
	f, err := os.Create(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("create file: %w", err)
	}
	bw := bufio.NewWriter(f)
	emit := func(_ context.Context, _ int64, payload []byte) error {
		if _, err := bw.Write(append(payload, '\n')); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		return nil
	}
	closeFn := func() error {
		if err := bw.Flush(); err != nil {
			f.Close()
			return fmt.Errorf("flush: %w", err)
		}
		return f.Close()
	}
	return emit, closeFn, nil
}
