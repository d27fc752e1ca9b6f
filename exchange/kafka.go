package exchange

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/JiscSD/keylink-relay/message"
)

const (
	kafkaMinBytes    = 10
	kafkaMaxBytes    = 10e6
	kafkaMaxAttempts = 16

	// kafkaPollTimeout bounds the time Receive waits for more messages.
	kafkaPollTimeout = time.Second
)

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig describes the topics used by a KafkaExchange.
type KafkaConfig struct {
	Brokers       []string
	OutboundTopic string
	InboundTopic  string
	ConsumerGroup string
	Timeout       time.Duration
}

// KafkaExchange publishes each batch as one message of the outbound topic
// and consumes the inbound topic as part of a consumer group. Offsets are
// committed when a batch is acknowledged.
type KafkaExchange struct {
	logger    logrus.FieldLogger
	validator *message.Validator
	reader    kafkaReader
	writer    kafkaWriter
	poll      time.Duration
}

var _ Exchange = (*KafkaExchange)(nil)

// NewKafkaExchange returns a KafkaExchange connected to the brokers.
func NewKafkaExchange(logger logrus.FieldLogger, validator *message.Validator, config KafkaConfig) (*KafkaExchange, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if config.OutboundTopic == "" || config.InboundTopic == "" {
		return nil, errors.New("kafka topics are not configured")
	}
	if config.ConsumerGroup == "" {
		return nil, errors.New("kafka consumer group is not configured")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     config.Brokers,
		GroupID:     config.ConsumerGroup,
		Topic:       config.InboundTopic,
		MinBytes:    kafkaMinBytes,
		MaxBytes:    kafkaMaxBytes,
		MaxAttempts: kafkaMaxAttempts,
		Dialer: &kafka.Dialer{
			Timeout:   config.Timeout,
			DualStack: true,
		},
	})
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.OutboundTopic,
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  kafkaMaxAttempts,
		RequiredAcks: kafka.RequireAll,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
	}
	return newKafkaExchange(logger, validator, reader, writer), nil
}

func newKafkaExchange(logger logrus.FieldLogger, validator *message.Validator, r kafkaReader, w kafkaWriter) *KafkaExchange {
	return &KafkaExchange{
		logger:    logger,
		validator: validator,
		reader:    r,
		writer:    w,
		poll:      kafkaPollTimeout,
	}
}

// Publish implements Exchange.
func (e *KafkaExchange) Publish(ctx context.Context, list message.DocumentList) error {
	data, err := marshalList(list)
	if err != nil {
		return err
	}
	var key []byte
	if len(list.Documents) > 0 {
		key = []byte(list.Documents[0].ID)
	}
	if err := e.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: data}); err != nil {
		return errors.Wrap(err, "failed to write kafka message")
	}
	return nil
}

// Receive implements Exchange. It returns the messages fetched until the
// topic stays quiet for the poll timeout.
func (e *KafkaExchange) Receive(ctx context.Context) ([]Delivery, error) {
	deliveries := []Delivery{}
	for {
		pollCtx, cancel := context.WithTimeout(ctx, e.poll)
		m, err := e.reader.FetchMessage(pollCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return deliveries, nil
			}
			return deliveries, errors.Wrap(err, "failed to fetch kafka message")
		}
		ack := func(ctx context.Context) error {
			return e.reader.CommitMessages(ctx, m)
		}
		list, err := e.validator.DecodeDocumentList(m.Value)
		if err != nil {
			e.logger.WithError(err).WithField("offset", m.Offset).Error("Kafka message is not a document list and will be skipped")
			if err := ack(ctx); err != nil {
				e.logger.WithError(err).Warn("Kafka offset could not be committed")
			}
			continue
		}
		deliveries = append(deliveries, NewDelivery(*list, ack))
	}
}

// Close implements Exchange.
func (e *KafkaExchange) Close() error {
	if err := e.reader.Close(); err != nil {
		return errors.Wrap(err, "failed to close kafka reader")
	}
	if err := e.writer.Close(); err != nil {
		return errors.Wrap(err, "failed to close kafka writer")
	}
	return nil
}
