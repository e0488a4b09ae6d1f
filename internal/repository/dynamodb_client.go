package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"line-gateway/internal/domain"
)

const (
	pkPrefixUser  = "USER#"
	pkPrefixEvent = "EVENT#"
	skPrefixEvt   = "EVT#"
	skMeta        = "META#"
	// Fixed width keeps sort keys in chronological order.
	skTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps events in a single DynamoDB table. Each event is written
// under its user partition, next to a guard item keyed by event id that
// rejects redeliveries.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
}

// NewDynamoStore creates a DynamoStore.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

// userPK returns the partition key for a user's events.
func userPK(userID string) string {
	return pkPrefixUser + userID
}

// eventPK returns the partition key of the dedupe guard for an event.
func eventPK(eventID string) string {
	return pkPrefixEvent + eventID
}

// eventSK sorts events by time, then by id.
func eventSK(ts time.Time, eventID string) string {
	return skPrefixEvt + ts.UTC().Format(skTimeLayout) + "#" + eventID
}

// SaveEvent writes the event and its guard item in one transaction.
func (s *DynamoStore) SaveEvent(ctx context.Context, rec domain.EventRecord) (string, error) {
	rec = prepareRecord(rec)

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item: map[string]types.AttributeValue{
						"PK":      &types.AttributeValueMemberS{Value: eventPK(rec.EventID)},
						"SK":      &types.AttributeValueMemberS{Value: skMeta},
						"userId":  &types.AttributeValueMemberS{Value: rec.UserID},
						"savedAt": &types.AttributeValueMemberS{Value: rec.CreatedAt.Format(time.RFC3339Nano)},
					},
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item:      eventItem(rec),
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return rec.EventID, fmt.Errorf("%w: %s", ErrDuplicateEvent, rec.EventID)
		}
		return "", fmt.Errorf("repository: SaveEvent: %w", err)
	}
	return rec.EventID, nil
}

// GetUserHistory queries the user's partition newest first.
func (s *DynamoStore) GetUserHistory(ctx context.Context, userID string, limit int) ([]domain.EventRecord, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixEvt},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(clampLimit(limit))),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetUserHistory query: %w", err)
	}

	recs := make([]domain.EventRecord, 0, len(out.Items))
	for _, item := range out.Items {
		rec, err := itemToRecord(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetUserHistory unmarshal: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *DynamoStore) Close() error {
	return nil
}

func isConditionFailure(err error) bool {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
		return false
	}
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

func eventItem(rec domain.EventRecord) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(rec.UserID)},
		"SK":        &types.AttributeValueMemberS{Value: eventSK(rec.CreatedAt, rec.EventID)},
		"eventId":   &types.AttributeValueMemberS{Value: rec.EventID},
		"userId":    &types.AttributeValueMemberS{Value: rec.UserID},
		"eventType": &types.AttributeValueMemberS{Value: rec.EventType},
		"createdAt": &types.AttributeValueMemberS{Value: rec.CreatedAt.Format(time.RFC3339Nano)},
	}
	optional := map[string]string{
		"messageType": rec.MessageType,
		"messageText": rec.MessageText,
		"replyToken":  rec.ReplyToken,
		"routeTarget": string(rec.RouteTarget),
		"routeReason": rec.RouteReason,
		"rawEvent":    string(rec.RawEvent),
	}
	for k, v := range optional {
		if v != "" {
			item[k] = &types.AttributeValueMemberS{Value: v}
		}
	}
	return item
}

// itemToRecord converts a DynamoDB attribute map to an EventRecord.
func itemToRecord(item map[string]types.AttributeValue) (domain.EventRecord, error) {
	eventID, err := strAttr(item, "eventId")
	if err != nil {
		return domain.EventRecord{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.EventRecord{}, err
	}
	createdRaw, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.EventRecord{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		return domain.EventRecord{}, fmt.Errorf("repository: parse attribute %q: %w", "createdAt", err)
	}

	rec := domain.EventRecord{
		EventID:     eventID,
		UserID:      userID,
		EventType:   optStrAttr(item, "eventType"),
		MessageType: optStrAttr(item, "messageType"),
		MessageText: optStrAttr(item, "messageText"),
		ReplyToken:  optStrAttr(item, "replyToken"),
		RouteTarget: domain.RouteTarget(optStrAttr(item, "routeTarget")),
		RouteReason: optStrAttr(item, "routeReason"),
		CreatedAt:   createdAt,
	}
	if raw := optStrAttr(item, "rawEvent"); raw != "" {
		rec.RawEvent = []byte(raw)
	}
	return rec, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func optStrAttr(item map[string]types.AttributeValue, key string) string {
	s, _ := strAttr(item, key) // allow empty
	return s
}
