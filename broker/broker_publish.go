package broker

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/pkg/errors"

	"github.com/JiscSD/keylink-relay/message"
	"github.com/JiscSD/keylink-relay/version"
)

// Publish implements exchange.Exchange.
func (b *Broker) Publish(ctx context.Context, list message.DocumentList) error {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(list); err != nil {
		return errors.Wrap(err, "error encoding documents")
	}
	return b.publishMessage(ctx, b.snsTopicMainARN, buf.String())
}

// publishMessage puts a message into a SNS topic.
func (b *Broker) publishMessage(ctx context.Context, topicARN string, payload string) error {
	_, err := b.snsClient.PublishWithContext(ctx, &sns.PublishInput{
		Message:  aws.String(payload),
		TopicArn: aws.String(topicARN),
		MessageAttributes: map[string]*sns.MessageAttributeValue{
			"generator": {
				DataType:    aws.String("String"),
				StringValue: aws.String(version.UserAgent()),
			},
		},
	})
	return errors.Wrap(err, "error publishing to SNS")
}

// invalidMessage puts a message into the invalid topic.
func (b *Broker) invalidMessage(ctx context.Context, body string, reason error) {
	arn := b.snsTopicInvalidARN
	if arn == "" {
		b.logger.WithField("error-queue", "invalid[disabled]").Warn(reason)
		return
	}
	if err := b.publishMessage(ctx, arn, body); err != nil {
		b.logger.Error("A message could not be sent to the invalid topic: ", err)
		return
	}
	b.logger.Debug("Message sent to the invalid topic")
}
