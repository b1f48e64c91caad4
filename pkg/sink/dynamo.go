package sink

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"

	"github.com/itohio/sonicup/pkg/sensor"
)

// DynamoTTL is how long mirrored readings are kept.
const DynamoTTL = 24 * time.Hour

// Dynamo stores readings in a DynamoDB table keyed by device and time.
type Dynamo struct {
	client dynamodbiface.DynamoDBAPI
	table  string
	device string
}

type dynamoItem struct {
	PK           string `dynamodbav:"PK"`
	SK           string `dynamodbav:"SK"`
	DistanceCM   int    `dynamodbav:"distance_cm"`
	Acceleration int    `dynamodbav:"acceleration"`
	EchoUS       int64  `dynamodbav:"echo_us"`
	TTL          int64  `dynamodbav:"ttl"`
}

// NewDynamo creates a DynamoDB mirror in region.
func NewDynamo(region, table, device string) (*Dynamo, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, errors.Wrap(err, "aws session")
	}
	return newDynamo(dynamodb.New(sess), table, device), nil
}

func newDynamo(client dynamodbiface.DynamoDBAPI, table, device string) *Dynamo {
	return &Dynamo{
		client: client,
		table:  table,
		device: device,
	}
}

// Name implements Sink.
func (d *Dynamo) Name() string { return "dynamo" }

// Publish implements Sink.
func (d *Dynamo) Publish(ctx context.Context, r sensor.Reading) error {
	item, err := dynamodbattribute.MarshalMap(dynamoItem{
		PK:           d.device,
		SK:           r.Timestamp.UTC().Format(time.RFC3339Nano),
		DistanceCM:   r.Distance,
		Acceleration: r.Acceleration,
		EchoUS:       r.Echo.Microseconds(),
		TTL:          r.Timestamp.Add(DynamoTTL).Unix(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal item")
	}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	if err != nil {
		return errors.Wrapf(err, "put item into %s", d.table)
	}
	return nil
}

// Close implements Sink.
func (d *Dynamo) Close() error { return nil }
