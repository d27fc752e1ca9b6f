// Package broker implements a document exchange on top of Amazon SQS and
// SNS. Batches are published to an SNS topic and received from the SQS
// queue subscribed to the topic of the other side.
package broker

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/JiscSD/keylink-relay/exchange"
	"github.com/JiscSD/keylink-relay/message"
)

const (
	// maxNumberOfMessages is the number of messages that we want to receive
	// from SQS incoming batches.
	maxNumberOfMessages = 10

	// waitTimeSeconds is the longest we're waiting on each SQS receive poll.
	waitTimeSeconds = 1
)

// Broker is an exchange using the SQS and SNS services.
//
// Every SQS message carries one document list, either as the raw body or
// wrapped in an SNS notification when raw message delivery is disabled on
// the subscription. Messages are deleted from SQS when the delivery is
// acknowledged. Messages that cannot be decoded are forwarded to the
// invalid topic, when configured, and deleted straight away.
type Broker struct {
	logger             logrus.FieldLogger
	validator          *message.Validator
	sqsClient          sqsiface.SQSAPI
	sqsQueueMainURL    string
	snsClient          snsiface.SNSAPI
	snsTopicMainARN    string
	snsTopicInvalidARN string
	incomingMessages   prometheus.Counter
}

var _ exchange.Exchange = (*Broker)(nil)

// New returns a usable Broker. incomingMessages may be nil.
func New(
	logger logrus.FieldLogger, validator *message.Validator,
	sqsClient sqsiface.SQSAPI, sqsQueueMainURL string,
	snsClient snsiface.SNSAPI, snsTopicMainARN, snsTopicInvalidARN string,
	incomingMessages prometheus.Counter) (*Broker, error) {
	if sqsQueueMainURL == "" {
		return nil, errors.New("SQS queue URL is empty")
	}
	if snsTopicMainARN == "" {
		return nil, errors.New("SNS topic ARN is empty")
	}
	return &Broker{
		logger:             logger,
		validator:          validator,
		sqsClient:          sqsClient,
		sqsQueueMainURL:    sqsQueueMainURL,
		snsClient:          snsClient,
		snsTopicMainARN:    snsTopicMainARN,
		snsTopicInvalidARN: snsTopicInvalidARN,
		incomingMessages:   incomingMessages,
	}, nil
}

// Receive implements exchange.Exchange.
func (b *Broker) Receive(ctx context.Context) ([]exchange.Delivery, error) {
	out, err := b.sqsClient.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(b.sqsQueueMainURL),
		MaxNumberOfMessages: aws.Int64(maxNumberOfMessages),
		WaitTimeSeconds:     aws.Int64(waitTimeSeconds),
	})
	if err != nil {
		return nil, errors.Wrap(err, "error receiving messages from SQS")
	}

	deliveries := make([]exchange.Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		receiptHandle := m.ReceiptHandle
		list, err := b.openMessage(ctx, m)
		if err != nil {
			b.deleteMessage(ctx, receiptHandle)
			continue
		}
		deliveries = append(deliveries, exchange.NewDelivery(*list, func(ctx context.Context) error {
			return b.deleteMessageWithError(ctx, receiptHandle)
		}))
	}
	return deliveries, nil
}

// deleteMessage does best effort to delete a message from SQS.
func (b *Broker) deleteMessage(ctx context.Context, receiptHandle *string) {
	if err := b.deleteMessageWithError(ctx, receiptHandle); err != nil {
		b.logger.Error("Message could not be removed from SQS: ", err)
	}
}

func (b *Broker) deleteMessageWithError(ctx context.Context, receiptHandle *string) error {
	_, err := b.sqsClient.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.sqsQueueMainURL),
		ReceiptHandle: receiptHandle,
	})
	return errors.Wrap(err, "error deleting message from SQS")
}

// Close implements exchange.Exchange.
func (b *Broker) Close() error {
	return nil
}
