package broker

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"

	"github.com/JiscSD/keylink-relay/message"
)

// snsNotification is the envelope added by SNS to messages delivered to SQS
// when raw message delivery is disabled.
type snsNotification struct {
	Type     string `json:"Type"`
	TopicArn string `json:"TopicArn"`
	Message  string `json:"Message"`
}

// unwrap returns the payload of an SNS notification or the body unchanged.
func unwrap(body string) string {
	n := snsNotification{}
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return body
	}
	if n.Type != "Notification" || n.Message == "" {
		return body
	}
	return n.Message
}

// openMessage decodes the document list carried by a message. Invalid
// messages are sent to the invalid topic.
func (b *Broker) openMessage(ctx context.Context, m *sqs.Message) (*message.DocumentList, error) {
	if b.incomingMessages != nil {
		b.incomingMessages.Inc()
	}

	body := unwrap(aws.StringValue(m.Body))
	list, err := b.validator.DecodeDocumentList([]byte(body))
	if err != nil {
		b.logger.WithField("messageId", aws.StringValue(m.MessageId)).Warning("Message is not a document list: ", err)
		b.invalidMessage(ctx, body, err)
		return nil, err
	}
	return list, nil
}
