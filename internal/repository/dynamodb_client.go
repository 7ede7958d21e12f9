package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"ask-dora/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	seqWidth    = 12
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client stores conversations and their turns in a single DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
	newID     func() string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{
		api:       api,
		tableName: tableName,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK returns the sort key for a turn. Zero padding keeps lexical order
// equal to numeric order.
func msgSK(seq int64) string {
	return fmt.Sprintf("%s%0*d", skPrefixMsg, seqWidth, seq)
}

// Create writes the META# record of a new conversation.
func (c *Client) Create(ctx context.Context, profileID, ownerID string) (string, error) {
	now := c.now()
	conv := domain.Conversation{
		ID:        c.newID(),
		ProfileID: profileID,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                conversationItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return "", &domain.StorageError{Op: "Create", Err: err}
	}
	return conv.ID, nil
}

// Get reads the META# record of a conversation.
func (c *Client) Get(ctx context.Context, conversationID string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       metaKey(conversationID),
		// A turn appended a moment ago must be counted.
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, &domain.StorageError{Op: "Get", Err: err}
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, fmt.Errorf("repository: Get %q: %w", conversationID, domain.ErrConversationNotFound)
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, &domain.StorageError{Op: "Get", Err: err}
	}
	return conv, nil
}

// Append allocates the next sequence number on the META# record, which also
// bumps updatedAt and proves the conversation exists, then writes the turn.
func (c *Client) Append(ctx context.Context, conversationID string, role domain.Role, text string) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("repository: Append: unknown role %q", role)
	}
	now := c.now()

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 metaKey(conversationID),
		UpdateExpression:    aws.String("ADD turns :one SET updatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":now": &types.AttributeValueMemberS{Value: formatTime(now)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return "", fmt.Errorf("repository: Append %q: %w", conversationID, domain.ErrConversationNotFound)
		}
		return "", &domain.StorageError{Op: "Append", Err: err}
	}
	seq, err := intAttr(out.Attributes, "turns")
	if err != nil {
		return "", &domain.StorageError{Op: "Append", Err: err}
	}

	turn := domain.Turn{
		ID:             c.newID(),
		ConversationID: conversationID,
		Seq:            int64(seq),
		Role:           role,
		Text:           text,
		CreatedAt:      now,
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(turn),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return "", &domain.StorageError{Op: "Append", Err: err}
	}
	return turn.ID, nil
}

// RecentHistory returns the newest maxTurns turns, oldest first.
func (c *Client) RecentHistory(ctx context.Context, conversationID string, maxTurns int) ([]domain.Turn, error) {
	if maxTurns <= 0 {
		return []domain.Turn{}, nil
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(queryLimit(maxTurns)),
		ConsistentRead:   aws.Bool(true),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, &domain.StorageError{Op: "RecentHistory", Err: err}
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, &domain.StorageError{Op: "RecentHistory", Err: fmt.Errorf("unmarshal: %w", err)}
		}
		turns = append(turns, turn)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// queryLimit clamps n to the range DynamoDB accepts for Limit.
func queryLimit(n int) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(n)
}

func metaKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conv.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"profileId":      &types.AttributeValueMemberS{Value: conv.ProfileID},
		"ownerId":        &types.AttributeValueMemberS{Value: conv.OwnerID},
		"createdAt":      &types.AttributeValueMemberS{Value: formatTime(conv.CreatedAt)},
		"updatedAt":      &types.AttributeValueMemberS{Value: formatTime(conv.UpdatedAt)},
		"turns":          &types.AttributeValueMemberN{Value: strconv.Itoa(conv.TurnCount)},
	}
}

func turnItem(turn domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(turn.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(turn.Seq)},
		"turnId":         &types.AttributeValueMemberS{Value: turn.ID},
		"conversationId": &types.AttributeValueMemberS{Value: turn.ConversationID},
		"seq":            &types.AttributeValueMemberN{Value: strconv.FormatInt(turn.Seq, 10)},
		"role":           &types.AttributeValueMemberS{Value: string(turn.Role)},
		"text":           &types.AttributeValueMemberS{Value: turn.Text},
		"createdAt":      &types.AttributeValueMemberS{Value: formatTime(turn.CreatedAt)},
	}
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	profileID, _ := strAttr(item, "profileId") // allow empty
	ownerID, _ := strAttr(item, "ownerId")     // allow empty
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	updatedAt, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	turns, err := intAttr(item, "turns")
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{
		ID:        id,
		ProfileID: profileID,
		OwnerID:   ownerID,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		TurnCount: turns,
	}, nil
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	id, err := strAttr(item, "turnId")
	if err != nil {
		return domain.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	seq, err := intAttr(item, "seq")
	if err != nil {
		return domain.Turn{}, err
	}
	conversationID, _ := strAttr(item, "conversationId")
	createdAt, _ := timeAttr(item, "createdAt")

	return domain.Turn{
		ID:             id,
		ConversationID: conversationID,
		Seq:            int64(seq),
		Role:           domain.Role(role),
		Text:           text,
		CreatedAt:      createdAt,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
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

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
