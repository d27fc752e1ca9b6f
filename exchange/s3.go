package exchange

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JiscSD/keylink-relay/message"
	"github.com/JiscSD/keylink-relay/s3"
)

// S3Exchange spools batches as JSON objects in a bucket. Each side writes
// under its outbound prefix and reads the outbound prefix of the other side
// as its inbound prefix. Objects are deleted once acknowledged.
type S3Exchange struct {
	logger    logrus.FieldLogger
	storage   s3.ObjectStorage
	validator *message.Validator
	outbound  string
	inbound   string
	now       func() time.Time
}

var _ Exchange = (*S3Exchange)(nil)

// NewS3Exchange returns an S3Exchange. The prefixes are joined to the bucket
// to build the object URIs.
func NewS3Exchange(
	logger logrus.FieldLogger, storage s3.ObjectStorage, validator *message.Validator,
	bucket, outboundPrefix, inboundPrefix string) (*S3Exchange, error) {
	if bucket == "" {
		return nil, errors.New("bucket is empty")
	}
	outbound, inbound := objectURI(bucket, outboundPrefix), objectURI(bucket, inboundPrefix)
	if strings.HasPrefix(outbound, inbound) || strings.HasPrefix(inbound, outbound) {
		return nil, errors.New("outbound and inbound prefixes must not overlap")
	}
	return &S3Exchange{
		logger:    logger,
		storage:   storage,
		validator: validator,
		outbound:  outbound,
		inbound:   inbound,
		now:       time.Now,
	}, nil
}

func objectURI(bucket, prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return "s3://" + bucket + "/"
	}
	return "s3://" + bucket + "/" + prefix + "/"
}

// Publish implements Exchange. Object names start with a timestamp so
// batches are listed in the order they were published.
func (e *S3Exchange) Publish(ctx context.Context, list message.DocumentList) error {
	data, err := marshalList(list)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s%s-%s.json", e.outbound, e.now().UTC().Format("20060102T150405.000000000"), uuid.NewString())
	return e.storage.Upload(ctx, bytes.NewReader(data), name)
}

// Receive implements Exchange. Objects that are not valid document lists
// are logged and deleted.
func (e *S3Exchange) Receive(ctx context.Context) ([]Delivery, error) {
	uris, err := e.storage.List(ctx, e.inbound)
	if err != nil {
		return nil, err
	}
	deliveries := []Delivery{}
	for _, uri := range uris {
		uri := uri
		buf := aws.NewWriteAtBuffer([]byte{})
		if _, err := e.storage.Download(ctx, buf, uri); err != nil {
			return deliveries, errors.Wrapf(err, "error downloading %s", uri)
		}
		ack := func(ctx context.Context) error {
			return e.storage.Delete(ctx, uri)
		}
		list, err := e.validator.DecodeDocumentList(buf.Bytes())
		if err != nil {
			e.logger.WithError(err).WithField("object", uri).Error("Object is not a document list and will be deleted")
			if err := ack(ctx); err != nil {
				e.logger.WithError(err).WithField("object", uri).Warn("Object could not be deleted")
			}
			continue
		}
		deliveries = append(deliveries, NewDelivery(*list, ack))
	}
	return deliveries, nil
}

// Close implements Exchange.
func (e *S3Exchange) Close() error {
	return nil
}
