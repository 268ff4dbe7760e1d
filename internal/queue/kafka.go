package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"
)

const attemptHeader = "eligibility-attempt"

// KafkaQueue publishes check ids as records keyed by id and consumes them in
// a consumer group with manual commits. A failed record is produced again
// with an incremented attempt header; once attempts are exhausted it goes to
// the dead letter topic. Offsets are committed only after every record of a
// poll has been handled or re-produced; otherwise the client is rewound to the
// start of the poll and the same records are fetched again.
type KafkaQueue struct {
	cfg      Config
	producer *kgo.Client
	logger   *slog.Logger
	consumer string
	onDead   DeadLetterFunc
}

// NewKafka connects a producer to cfg.KafkaBrokers.
func NewKafka(cfg Config, opts ...Option) (*KafkaQueue, error) {
	cfg = cfg.withDefaults()
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("kafka queue: no brokers configured")
	}
	o := buildOptions(opts)
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.DefaultProduceTopic(cfg.Name),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return &KafkaQueue{
		cfg:      cfg,
		producer: producer,
		logger:   o.logger,
		consumer: o.consumer,
		onDead:   o.onDead,
	}, nil
}

// EnsureTopics creates the work and dead letter topics when they are missing.
func (q *KafkaQueue) EnsureTopics(ctx context.Context) error {
	adm := kadm.NewClient(q.producer)
	resp, err := adm.CreateTopics(ctx, q.cfg.KafkaPartitions, q.cfg.KafkaReplication, nil, q.cfg.Name, q.cfg.DeadLetterTopic())
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (q *KafkaQueue) Publish(ctx context.Context, checkIDs ...string) error {
	if len(checkIDs) == 0 {
		return nil
	}
	records := make([]*kgo.Record, len(checkIDs))
	for i, id := range checkIDs {
		records[i] = q.record(q.cfg.Name, id, 1)
	}
	if err := q.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("publish checks: %w", err)
	}
	return nil
}

// Consume joins the consumer group and blocks until ctx is cancelled.
func (q *KafkaQueue) Consume(ctx context.Context, h Handler) error {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(q.cfg.KafkaBrokers...),
		kgo.ConsumerGroup(q.cfg.KafkaGroup),
		kgo.ConsumeTopics(q.cfg.Name),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.ClientID(q.consumer),
	)
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	defer cl.Close()

	for {
		fetches := cl.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return nil
		}
		for _, fe := range fetches.Errors() {
			q.logger.ErrorContext(ctx, "kafka fetch failed",
				"topic", fe.Topic,
				"partition", fe.Partition,
				"error", fe.Err,
			)
		}

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		if err := q.handleAll(ctx, records, h); err != nil {
			q.logger.ErrorContext(ctx, "kafka batch not committed, rewinding", "error", err)
			cl.SetOffsets(rewindOffsets(records))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}
		if err := cl.CommitRecords(context.WithoutCancel(ctx), records...); err != nil {
			q.logger.ErrorContext(ctx, "kafka commit failed", "error", err)
		}
	}
}

func (q *KafkaQueue) handleAll(ctx context.Context, records []*kgo.Record, h Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Workers)
	for _, r := range records {
		g.Go(func() error {
			return q.handle(gctx, r, h)
		})
	}
	return g.Wait()
}

// handle returns an error only when a failed record could not be re-produced,
// which keeps the batch uncommitted.
func (q *KafkaQueue) handle(ctx context.Context, r *kgo.Record, h Handler) error {
	checkID := string(r.Value)
	attempt := attemptOf(r)

	hctx, cancel := context.WithTimeout(ctx, q.cfg.VisibilityTimeout)
	herr := h(hctx, checkID)
	cancel()
	if herr == nil {
		return nil
	}

	topic := q.cfg.Name
	if attempt >= q.cfg.MaxAttempts {
		topic = q.cfg.DeadLetterTopic()
	}
	next := q.record(topic, checkID, attempt+1)
	if err := q.producer.ProduceSync(context.WithoutCancel(ctx), next).FirstErr(); err != nil {
		return fmt.Errorf("reproduce check %s: %w", checkID, err)
	}
	if topic != q.cfg.Name {
		q.logger.ErrorContext(ctx, "check moved to dead letters",
			"backend", BackendKafka,
			"check_id", checkID,
			"attempt", attempt,
			"error", herr,
		)
		q.onDead(context.WithoutCancel(ctx), checkID)
		return nil
	}
	q.logger.WarnContext(ctx, "check handling failed, redelivering",
		"backend", BackendKafka,
		"check_id", checkID,
		"attempt", attempt,
		"error", herr,
	)
	return nil
}

func (q *KafkaQueue) record(topic, checkID string, attempt int) *kgo.Record {
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(checkID),
		Value: []byte(checkID),
		Headers: []kgo.RecordHeader{
			{Key: attemptHeader, Value: []byte(strconv.Itoa(attempt))},
		},
	}
}

func (q *KafkaQueue) Close() error {
	q.producer.Close()
	return nil
}

// rewindOffsets returns the earliest offset of records per partition. Handled
// records of a rewound poll are delivered again.
func rewindOffsets(records []*kgo.Record) map[string]map[int32]kgo.EpochOffset {
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for _, r := range records {
		parts, ok := offsets[r.Topic]
		if !ok {
			parts = make(map[int32]kgo.EpochOffset)
			offsets[r.Topic] = parts
		}
		if cur, ok := parts[r.Partition]; ok && cur.Offset <= r.Offset {
			continue
		}
		parts[r.Partition] = kgo.EpochOffset{Epoch: r.LeaderEpoch, Offset: r.Offset}
	}
	return offsets
}

func attemptOf(r *kgo.Record) int {
	for _, h := range r.Headers {
		if h.Key != attemptHeader {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 1
}
