package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// statusCreatedAtIndex is the name of the GSI this adapter expects:
// partition key "status" (string), sort key "createdAt" (string,
// ISO-8601 — which sorts lexicographically the same as chronologically).
const statusCreatedAtIndex = "status-createdAt-index"

// DynamoDBStore is the production Store, backed by a single DynamoDB
// table. Every write is a single atomic PutItem/UpdateItem call; no
// operation here does a read-modify-write.
type DynamoDBStore struct {
	client *dynamodb.Client
	table  string
	clock  clockSource
}

// clockSource is the minimal time source the adapter needs; it is
// satisfied by the real wall clock or, in tests, a fixed-time stub.
type clockSource interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// NewDynamoDBStore builds a Store against the given table name using
// an already-configured DynamoDB client.
func NewDynamoDBStore(client *dynamodb.Client, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, table: table, clock: wallClock{}}
}

func (s *DynamoDBStore) Create(ctx context.Context, rec Record, onlyIfAbsent bool) error {
	now := s.clock.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      recordToItem(rec),
	}
	if onlyIfAbsent {
		input.ConditionExpression = aws.String("attribute_not_exists(id)")
	}

	_, err := s.client.PutItem(ctx, input)
	return classifyError(err, rec.ID)
}

func (s *DynamoDBStore) Get(ctx context.Context, id string) (Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return Record{}, classifyError(err, id)
	}
	if out.Item == nil {
		return Record{}, ErrNotFound{ID: id}
	}
	return itemToRecord(out.Item)
}

func (s *DynamoDBStore) UpdateStatus(ctx context.Context, id string, newStatus Status, patch StatusPatch) error {
	names := map[string]string{
		"#status":    "status",
		"#updatedAt": "updatedAt",
	}
	values := map[string]types.AttributeValue{
		":status":    &types.AttributeValueMemberS{Value: string(newStatus)},
		":updatedAt": &types.AttributeValueMemberS{Value: s.clock.Now().UTC().Format(time.RFC3339Nano)},
	}
	expr := "SET #status = :status, #updatedAt = :updatedAt"

	addString := func(field string, value *string) {
		if value == nil {
			return
		}
		placeholder := ":" + field
		names["#"+field] = field
		values[placeholder] = &types.AttributeValueMemberS{Value: *value}
		expr += fmt.Sprintf(", #%s = %s", field, placeholder)
	}
	addInt := func(field string, value *int) {
		if value == nil {
			return
		}
		placeholder := ":" + field
		names["#"+field] = field
		values[placeholder] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", *value)}
		expr += fmt.Sprintf(", #%s = %s", field, placeholder)
	}

	addString("objectUrl", patch.ObjectURL)
	addString("objectKey", patch.ObjectKey)
	addString("errorMessage", patch.ErrorMessage)
	addInt("width", patch.Width)
	addInt("height", patch.Height)
	if patch.Format != nil {
		v := string(*patch.Format)
		addString("format", &v)
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		// This update is deliberately unconditional: a stale-owner
		// takeover (spec.md §4.5 step 2(d)/3) must be able to
		// overwrite another worker's consumerProcessing record.
	})
	return classifyError(err, id)
}

func (s *DynamoDBStore) QueryByStatus(ctx context.Context, status Status, limit int) ([]Record, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(statusCreatedAtIndex),
		KeyConditionExpression: aws.String("#status = :status"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	out, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, classifyError(err, "")
	}

	records := make([]Record, 0, len(out.Items))
	for _, item := range out.Items {
		rec, err := itemToRecord(item)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// classifyError maps DynamoDB SDK errors onto the Store error
// taxonomy of spec.md §4.1: AlreadyExists, NotFound, Throttled, and
// (implicitly, by falling through unwrapped) Fatal.
func classifyError(err error, id string) error {
	if err == nil {
		return nil
	}

	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return ErrAlreadyExists{ID: id}
	}

	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return ErrNotFound{ID: id}
	}

	var throughput *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return ErrThrottled{Cause: err}
	}
	var limitExceeded *types.RequestLimitExceeded
	if errors.As(err, &limitExceeded) {
		return ErrThrottled{Cause: err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "RequestLimitExceeded" {
		return ErrThrottled{Cause: err}
	}

	return err
}

func recordToItem(rec Record) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"id":        &types.AttributeValueMemberS{Value: rec.ID},
		"url":       &types.AttributeValueMemberS{Value: rec.URL},
		"status":    &types.AttributeValueMemberS{Value: string(rec.Status)},
		"width":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", rec.Width)},
		"height":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", rec.Height)},
		"format":    &types.AttributeValueMemberS{Value: string(rec.Format)},
		"quality":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", rec.Quality)},
		"fullPage":  &types.AttributeValueMemberBOOL{Value: rec.FullPage},
		"createdAt": &types.AttributeValueMemberS{Value: rec.CreatedAt.Format(time.RFC3339Nano)},
		"updatedAt": &types.AttributeValueMemberS{Value: rec.UpdatedAt.Format(time.RFC3339Nano)},
	}
	if rec.ObjectURL != "" {
		item["objectUrl"] = &types.AttributeValueMemberS{Value: rec.ObjectURL}
	}
	if rec.ObjectKey != "" {
		item["objectKey"] = &types.AttributeValueMemberS{Value: rec.ObjectKey}
	}
	if rec.ErrorMessage != "" {
		item["errorMessage"] = &types.AttributeValueMemberS{Value: rec.ErrorMessage}
	}
	return item
}

func itemToRecord(item map[string]types.AttributeValue) (Record, error) {
	rec := Record{}
	var err error

	getS := func(key string) string {
		if v, ok := item[key].(*types.AttributeValueMemberS); ok {
			return v.Value
		}
		return ""
	}
	getN := func(key string) int {
		v, ok := item[key].(*types.AttributeValueMemberN)
		if !ok {
			return 0
		}
		var n int
		_, scanErr := fmt.Sscanf(v.Value, "%d", &n)
		if scanErr != nil {
			err = scanErr
		}
		return n
	}
	getBool := func(key string) bool {
		if v, ok := item[key].(*types.AttributeValueMemberBOOL); ok {
			return v.Value
		}
		return false
	}
	getTime := func(key string) time.Time {
		t, parseErr := time.Parse(time.RFC3339Nano, getS(key))
		if parseErr != nil {
			err = parseErr
		}
		return t
	}

	rec.ID = getS("id")
	rec.URL = getS("url")
	rec.Status = Status(getS("status"))
	rec.Width = getN("width")
	rec.Height = getN("height")
	rec.Format = Format(getS("format"))
	rec.Quality = getN("quality")
	rec.FullPage = getBool("fullPage")
	rec.ObjectURL = getS("objectUrl")
	rec.ObjectKey = getS("objectKey")
	rec.ErrorMessage = getS("errorMessage")
	rec.CreatedAt = getTime("createdAt")
	rec.UpdatedAt = getTime("updatedAt")

	if err != nil {
		return Record{}, fmt.Errorf("decode record item: %w", err)
	}
	return rec, nil
}
