// Package dynamo keeps conversation transcripts in a DynamoDB table, one
// partition per caller, as an alternative to the SQL transcript store.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"ayurvaid-agent/internal/consultation"
)

const (
	attrCaller       = "CallerID"
	attrSortKey      = "SortKey"
	attrConversation = "ConversationID"
	attrRole         = "Role"
	attrContent      = "Content"
	attrCreatedAt    = "CreatedAt"
)

// API is the part of the DynamoDB client the store uses.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

type Options struct {
	Endpoint string // empty means AWS proper
	Region   string
	Table    string
}

type Store struct {
	db    API
	table string
	now   func() time.Time
}

// NewClient builds a DynamoDB client. A custom endpoint (DynamoDB Local)
// gets static dummy credentials.
func NewClient(ctx context.Context, opts Options) (*dynamodb.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: opts.Endpoint}, nil
		})
		loadOpts = append(loadOpts,
			config.WithEndpointResolverWithOptions(resolver),
			config.WithCredentialsProvider(credentials.StaticCredentialsProvider{
				Value: aws.Credentials{AccessKeyID: "dummy", SecretAccessKey: "dummy", SessionToken: "dummy"},
			}),
		)
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

func NewStore(db API, table string) *Store {
	return &Store{db: db, table: table, now: time.Now}
}

// EnsureTable creates the table if it does not exist yet.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrCaller), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrSortKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrCaller), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrSortKey), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		log.Printf("DynamoDB table %s already exists", s.table)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// maxKeyRetries bounds how often AppendTurn moves past an occupied sort key.
const maxKeyRetries = 8

// sortKey orders a caller's turns by conversation, then by time.
func sortKey(conversationID string, at time.Time) string {
	return fmt.Sprintf("%s#%020d", conversationID, at.UnixNano())
}

func (s *Store) AppendTurn(ctx context.Context, callerID, conversationID string, role consultation.Role, content string) (*consultation.Turn, error) {
	at := s.now().UTC()
	for attempt := 0; ; attempt++ {
		t := &consultation.Turn{
			ID:             at.UnixNano(),
			CallerID:       callerID,
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
			CreatedAt:      at,
		}
		_, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.table),
			Item:                toItem(t),
			ConditionExpression: aws.String("attribute_not_exists(SortKey)"),
		})
		var taken *types.ConditionalCheckFailedException
		if errors.As(err, &taken) && attempt < maxKeyRetries {
			// Another turn already holds this nanosecond.
			at = at.Add(time.Nanosecond)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("put turn: %w", err)
		}
		return t, nil
	}
}

func (s *Store) LastTurns(ctx context.Context, callerID, conversationID string, n int) ([]consultation.Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	out, err := s.db.Query(ctx, s.conversationQuery(callerID, conversationID, false, int32(n)))
	if err != nil {
		return nil, fmt.Errorf("query last turns: %w", err)
	}
	return fromItems(out.Items), nil
}

func (s *Store) HasConversation(ctx context.Context, callerID, conversationID string) (bool, error) {
	out, err := s.db.Query(ctx, s.conversationQuery(callerID, conversationID, true, 1))
	if err != nil {
		return false, fmt.Errorf("query conversation: %w", err)
	}
	return len(out.Items) > 0, nil
}

func (s *Store) Transcript(ctx context.Context, callerID, conversationID string) ([]consultation.Turn, error) {
	var in *dynamodb.QueryInput
	if conversationID == "" {
		in = s.callerQuery(callerID)
	} else {
		in = s.conversationQuery(callerID, conversationID, true, 0)
	}
	turns, err := s.queryAll(ctx, in)
	if err != nil {
		return nil, err
	}
	if conversationID == "" {
		sort.SliceStable(turns, func(i, j int) bool { return turns[i].CreatedAt.Before(turns[j].CreatedAt) })
	}
	return turns, nil
}

// Search filters client side; DynamoDB has no case-insensitive contains.
func (s *Store) Search(ctx context.Context, callerID, keyword, conversationID string) ([]consultation.Turn, error) {
	turns, err := s.Transcript(ctx, callerID, conversationID)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(keyword)
	var out []consultation.Turn
	for _, t := range turns {
		if strings.Contains(strings.ToLower(t.Content), needle) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) Conversations(ctx context.Context, callerID string) ([]consultation.ConversationSummary, error) {
	turns, err := s.queryAll(ctx, s.callerQuery(callerID))
	if err != nil {
		return nil, err
	}
	latest := map[string]time.Time{}
	for _, t := range turns {
		if t.CreatedAt.After(latest[t.ConversationID]) {
			latest[t.ConversationID] = t.CreatedAt
		}
	}
	out := make([]consultation.ConversationSummary, 0, len(latest))
	for id, at := range latest {
		out = append(out, consultation.ConversationSummary{ConversationID: id, LatestAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LatestAt.Equal(out[j].LatestAt) {
			return out[i].ConversationID > out[j].ConversationID
		}
		return out[i].LatestAt.After(out[j].LatestAt)
	})
	return out, nil
}

func (s *Store) callerQuery(callerID string) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("CallerID = :caller"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":caller": &types.AttributeValueMemberS{Value: callerID},
		},
	}
}

func (s *Store) conversationQuery(callerID, conversationID string, ascending bool, limit int32) *dynamodb.QueryInput {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("CallerID = :caller AND begins_with(SortKey, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":caller": &types.AttributeValueMemberS{Value: callerID},
			":prefix": &types.AttributeValueMemberS{Value: conversationID + "#"},
		},
		ScanIndexForward: aws.Bool(ascending),
	}
	if limit > 0 {
		in.Limit = aws.Int32(limit)
	}
	return in
}

func (s *Store) queryAll(ctx context.Context, in *dynamodb.QueryInput) ([]consultation.Turn, error) {
	var turns []consultation.Turn
	p := dynamodb.NewQueryPaginator(s.db, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query turns: %w", err)
		}
		turns = append(turns, fromItems(page.Items)...)
	}
	return turns, nil
}

func toItem(t *consultation.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrCaller:       &types.AttributeValueMemberS{Value: t.CallerID},
		attrSortKey:      &types.AttributeValueMemberS{Value: sortKey(t.ConversationID, t.CreatedAt)},
		attrConversation: &types.AttributeValueMemberS{Value: t.ConversationID},
		attrRole:         &types.AttributeValueMemberS{Value: string(t.Role)},
		attrContent:      &types.AttributeValueMemberS{Value: t.Content},
		attrCreatedAt:    &types.AttributeValueMemberN{Value: strconv.FormatInt(t.CreatedAt.UnixNano(), 10)},
	}
}

func fromItems(items []map[string]types.AttributeValue) []consultation.Turn {
	turns := make([]consultation.Turn, 0, len(items))
	for _, item := range items {
		nanos, _ := strconv.ParseInt(numberAttr(item[attrCreatedAt]), 10, 64)
		turns = append(turns, consultation.Turn{
			ID:             nanos,
			CallerID:       stringAttr(item[attrCaller]),
			ConversationID: stringAttr(item[attrConversation]),
			Role:           consultation.Role(stringAttr(item[attrRole])),
			Content:        stringAttr(item[attrContent]),
			CreatedAt:      time.Unix(0, nanos).UTC(),
		})
	}
	return turns
}

func stringAttr(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func numberAttr(v types.AttributeValue) string {
	if n, ok := v.(*types.AttributeValueMemberN); ok {
		return n.Value
	}
	return "0"
}
