// Package kafka publishes completed item results and the final run summary
// to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/tally/internal/app/dispatch"
	"github.com/ahrav/tally/internal/domain/work"
	"github.com/ahrav/tally/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/tally/pkg/common/logger"
)

var _ dispatch.ResultSink = (*ResultPublisher)(nil)

// Record types carried in the "type" header.
const (
	recordTypeResult  = "item_result"
	recordTypeSummary = "run_summary"

	// summaryKey keys the summary record so it lands on a fixed partition.
	summaryKey = "summary"
)

// ResultPublisher implements dispatch.ResultSink on a sarama SyncProducer.
type ResultPublisher struct {
	producer sarama.SyncProducer
	topic    string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewResultPublisher wraps producer. The publisher owns the producer and
// closes it in Close.
func NewResultPublisher(
	producer sarama.SyncProducer,
	topic string,
	log *logger.Logger,
	tracer trace.Tracer,
) *ResultPublisher {
	return &ResultPublisher{
		producer: producer,
		topic:    topic,
		logger:   log.With("component", "result_publisher", "topic", topic),
		tracer:   tracer,
	}
}

// PublishResult sends one completed item keyed by its identifier.
func (p *ResultPublisher) PublishResult(ctx context.Context, res work.Result) error {
	ctx, span := tracing.StartProducerSpan(ctx, p.topic, p.tracer)
	defer span.End()
	span.SetAttributes(
		attribute.Int("item.seq", res.Seq),
		attribute.String("item.id", res.ID),
	)

	return p.publish(ctx, span, recordTypeResult, res.ID, res)
}

// PublishSummary sends the run summary once the run is done.
func (p *ResultPublisher) PublishSummary(ctx context.Context, sum work.Summary) error {
	ctx, span := tracing.StartProducerSpan(ctx, p.topic, p.tracer)
	defer span.End()
	span.SetAttributes(attribute.String("summary.total", strconv.FormatUint(sum.Total, 10)))

	return p.publish(ctx, span, recordTypeSummary, summaryKey, sum)
}

func (p *ResultPublisher) publish(ctx context.Context, span trace.Span, recordType, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return fmt.Errorf("failed to marshal %s: %w", recordType, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(recordType)},
		},
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return fmt.Errorf("failed to send %s to kafka topic %s: %w", recordType, p.topic, err)
	}

	p.logger.Debug(ctx, "published record",
		"type", recordType,
		"key", key,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close flushes and closes the underlying producer.
func (p *ResultPublisher) Close() error { return p.producer.Close() }
