package broker

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"

	"github.com/JiscSD/keylink-relay/exchange"
)

// repositoryDocument is the record stored for every document delivered.
type repositoryDocument struct {
	Key      string `dynamodbav:"ID"`
	Received string `dynamodbav:"received"`
}

// Repository is an exchange.Repository stored in a DynamoDB table whose
// partition key is the string attribute ID.
type Repository struct {
	client dynamodbiface.DynamoDBAPI
	table  string
	now    func() time.Time
}

var _ exchange.Repository = (*Repository)(nil)

// NewRepository returns a Repository using the given table.
func NewRepository(client dynamodbiface.DynamoDBAPI, table string) (*Repository, error) {
	if table == "" {
		return nil, errors.New("dedupe table name is empty")
	}
	return &Repository{client: client, table: table, now: time.Now}, nil
}

// SeenBeforeOrStore decides whether a document is known to this repository.
// The conditional write makes the check and the store a single operation.
func (r *Repository) SeenBeforeOrStore(ctx context.Context, key string) (bool, error) {
	item, err := dynamodbattribute.MarshalMap(repositoryDocument{
		Key:      key,
		Received: r.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false, err
	}
	_, err = r.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(ID)"),
	})
	if err == nil {
		return false, nil
	}
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
		return true, nil
	}
	return false, errors.Wrap(err, "error storing document key")
}

// Close implements exchange.Repository.
func (r *Repository) Close() error {
	return nil
}
