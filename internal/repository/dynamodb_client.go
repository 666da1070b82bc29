package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	attrPK      = "PK"
	attrItems   = "items"
	attrCount   = "count"
	attrVersion = "version"
	attrTTL     = "ttl"

	// maxWriteAttempts bounds optimistic retries on a contended key.
	maxWriteAttempts = 5
)

// ErrContended is returned when a key kept changing under a conditional write.
var ErrContended = errors.New("repository: key contended")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client stores TTL-bearing lists and counters in a single DynamoDB table
// keyed by PK. The table's TTL attribute must be "ttl"; since DynamoDB reaps
// expired items lazily, every read also compares ttl against the clock.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// PushTrim pushes values to the head of the list at key (each value becomes
// the new head in turn), keeps the newest maxLen entries and resets the
// expiry to now+ttl. Concurrent writers on one key are serialized through a
// version condition; a losing writer re-reads and retries.
func (c *Client) PushTrim(ctx context.Context, key string, values []string, maxLen int, ttl time.Duration) error {
	if maxLen <= 0 {
		return errors.New("repository: PushTrim: maxLen must be positive")
	}
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		cur, err := c.getItem(ctx, key)
		if err != nil {
			return fmt.Errorf("repository: PushTrim: %w", err)
		}

		var existing []string
		var version int64
		if cur != nil {
			version, _ = numAttr(cur, attrVersion)
			if !c.expired(cur) {
				existing, err = listAttr(cur, attrItems)
				if err != nil {
					return fmt.Errorf("repository: PushTrim decode: %w", err)
				}
			}
		}

		item := map[string]types.AttributeValue{
			attrPK:      &types.AttributeValueMemberS{Value: key},
			attrItems:   &types.AttributeValueMemberL{Value: stringList(pushTrim(existing, values, maxLen))},
			attrVersion: numValue(version + 1),
			attrTTL:     numValue(c.now().Add(ttl).Unix()),
		}
		in := &dynamodb.PutItemInput{
			TableName: aws.String(c.tableName),
			Item:      item,
		}
		if cur == nil {
			in.ConditionExpression = aws.String("attribute_not_exists(PK)")
		} else {
			in.ConditionExpression = aws.String("#version = :version")
			in.ExpressionAttributeNames = map[string]string{"#version": attrVersion}
			in.ExpressionAttributeValues = map[string]types.AttributeValue{":version": numValue(version)}
		}

		_, err = c.api.PutItem(ctx, in)
		if err == nil {
			return nil
		}
		if !isConditionFailed(err) {
			return fmt.Errorf("repository: PushTrim put: %w", err)
		}
	}
	return fmt.Errorf("repository: PushTrim %q: %w", key, ErrContended)
}

// List returns the values stored at key, newest first. A missing or expired
// key reads as empty.
func (c *Client) List(ctx context.Context, key string) ([]string, error) {
	item, err := c.getItem(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("repository: List: %w", err)
	}
	if item == nil || c.expired(item) {
		return nil, nil
	}
	values, err := listAttr(item, attrItems)
	if err != nil {
		return nil, fmt.Errorf("repository: List decode: %w", err)
	}
	return values, nil
}

// Incr adds one to the counter at key and returns the new count. When the
// counter does not exist, or has expired, it is recreated at 1 with an
// expiry of now+window; later increments within the window leave the expiry
// untouched.
func (c *Client) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		now := c.now()

		out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                aws.String(c.tableName),
			Key:                      keyOf(key),
			UpdateExpression:         aws.String("ADD #count :one"),
			ConditionExpression:      aws.String("attribute_exists(PK) AND #ttl > :now"),
			ExpressionAttributeNames: map[string]string{"#count": attrCount, "#ttl": attrTTL},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":one": numValue(1),
				":now": numValue(now.Unix()),
			},
			ReturnValues: types.ReturnValueUpdatedNew,
		})
		if err == nil {
			if out == nil {
				return 0, errors.New("repository: Incr: empty update output")
			}
			count, err := numAttr(out.Attributes, attrCount)
			if err != nil {
				return 0, fmt.Errorf("repository: Incr decode: %w", err)
			}
			return count, nil
		}
		if !isConditionFailed(err) {
			return 0, fmt.Errorf("repository: Incr update: %w", err)
		}

		// Absent or expired: start a new window.
		_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(c.tableName),
			Item: map[string]types.AttributeValue{
				attrPK:    &types.AttributeValueMemberS{Value: key},
				attrCount: numValue(1),
				attrTTL:   numValue(now.Add(window).Unix()),
			},
			ConditionExpression:      aws.String("attribute_not_exists(PK) OR #ttl <= :now"),
			ExpressionAttributeNames: map[string]string{"#ttl": attrTTL},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": numValue(now.Unix()),
			},
		})
		if err == nil {
			return 1, nil
		}
		if !isConditionFailed(err) {
			return 0, fmt.Errorf("repository: Incr create: %w", err)
		}
		// Another writer opened the window first; increment theirs.
	}
	return 0, fmt.Errorf("repository: Incr %q: %w", key, ErrContended)
}

func (c *Client) getItem(ctx context.Context, key string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func (c *Client) expired(item map[string]types.AttributeValue) bool {
	ttl, err := numAttr(item, attrTTL)
	if err != nil {
		return false
	}
	return ttl <= c.now().Unix()
}

// pushTrim mirrors LPUSH v1..vn followed by LTRIM 0 maxLen-1.
func pushTrim(existing, values []string, maxLen int) []string {
	out := make([]string, 0, len(existing)+len(values))
	for i := len(values) - 1; i >= 0; i-- {
		out = append(out, values[i])
	}
	out = append(out, existing...)
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: key},
	}
}

func numValue(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func stringList(values []string) []types.AttributeValue {
	out := make([]types.AttributeValue, 0, len(values))
	for _, v := range values {
		out = append(out, &types.AttributeValueMemberS{Value: v})
	}
	return out
}

func listAttr(item map[string]types.AttributeValue, key string) ([]string, error) {
	v, ok := item[key]
	if !ok {
		return nil, nil
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a list", key)
	}
	out := make([]string, 0, len(l.Value))
	for _, e := range l.Value {
		// Non-string entries are left for the caller's decoder to skip.
		s, ok := e.(*types.AttributeValueMemberS)
		if !ok {
			out = append(out, "")
			continue
		}
		out = append(out, s.Value)
	}
	return out, nil
}

func numAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
