package dynamodb

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dgduncan/go-fetch-data/caches"
)

const attributeKey = "cache_key"

// API is the subset of *dynamodb.Client used by Cache.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Config defines the configuration options for the DynamoDB cache implementation.
type Config struct {
	DeleteExpiredItems bool // Controls if the purge_at TTL attribute is written to allow automatic deletion by DynamoDB

	ItemExpiration time.Duration // How long an item stays in the table. This is independent of the expiration carried by the item.
	Table          string
}

// Cache implements caches.Store using Amazon DynamoDB as the storage backend.
type Cache struct {
	client API

	table      string
	expiration time.Duration
	writeTTL   bool
	now        func() time.Time
}

type cacheItem struct {
	Key          string `dynamodbav:"cache_key"`
	Value        []byte `dynamodbav:"value"`
	ETag         string `dynamodbav:"etag,omitempty"`
	LastModified int64  `dynamodbav:"last_modified,omitempty"`
	UpdatedAt    int64  `dynamodbav:"updated_at"`
	ExpiresAt    int64  `dynamodbav:"expires_at"`
	PurgeAt      int64  `dynamodbav:"purge_at,omitempty"`
}

func (p *Cache) key(k string) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.Marshal(k)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{attributeKey: av}, nil
}

// Get retrieves a cache item from DynamoDB by its key. DynamoDB deletes TTL'd
// items lazily, so rows past purge_at are reported as missing.
func (p *Cache) Get(ctx context.Context, k string) (*caches.Item, error) {
	key, err := p.key(k)
	if err != nil {
		return nil, err
	}

	output, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            key,
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(p.table),
	})
	if err != nil {
		return nil, err
	}

	if output.Item == nil {
		return nil, caches.ErrNoCacheItem
	}

	var ci cacheItem
	if err := attributevalue.UnmarshalMap(output.Item, &ci); err != nil {
		return nil, err
	}

	now := p.now().UTC()
	if ci.PurgeAt != 0 && now.Unix() >= ci.PurgeAt {
		return nil, caches.ErrNoCacheItem
	}

	item := &caches.Item{
		Value:      ci.Value,
		ETag:       ci.ETag,
		UpdatedAt:  time.Unix(ci.UpdatedAt, 0).UTC(),
		Expiration: time.Unix(ci.ExpiresAt, 0).UTC(),
	}
	if ci.LastModified != 0 {
		lm := time.Unix(ci.LastModified, 0).UTC()
		item.LastModified = &lm
	}

	if now.Unix() >= ci.ExpiresAt {
		return item, caches.ErrItemExpired
	}

	return item, nil
}

// Set stores v under k, replacing any previous item.
func (p *Cache) Set(ctx context.Context, k string, v *caches.Item) error {
	now := p.now().UTC()

	updatedAt := v.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	i := cacheItem{
		Key:       k,
		Value:     v.Value,
		ETag:      v.ETag,
		UpdatedAt: updatedAt.Unix(),
		ExpiresAt: v.Expiration.Unix(),
	}
	if v.LastModified != nil {
		i.LastModified = v.LastModified.Unix()
	}
	if p.writeTTL {
		i.PurgeAt = now.Add(p.expiration).Unix()
	}

	av, err := attributevalue.MarshalMap(i)
	if err != nil {
		return err
	}

	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.table),
		Item:      av,
	})
	return err
}

// Update modifies the expiration time of an existing cache item in DynamoDB.
// This is typically used when a cached response is revalidated with the origin server.
func (p *Cache) Update(ctx context.Context, k string, expiration time.Time) error {
	key, err := p.key(k)
	if err != nil {
		return err
	}

	_, err = p.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(p.table),
		Key:       key,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expires_at": &types.AttributeValueMemberN{
				Value: strconv.FormatInt(expiration.UTC().Unix(), 10),
			},
			":updated_at": &types.AttributeValueMemberN{
				Value: strconv.FormatInt(p.now().UTC().Unix(), 10),
			},
		},
		ConditionExpression: aws.String("attribute_exists(" + attributeKey + ")"),
		UpdateExpression:    aws.String("SET expires_at = :expires_at, updated_at = :updated_at"),
	})
	if isConditionFailed(err) {
		return caches.ErrNoCacheItem
	}

	return err
}

// Delete removes the item stored under k, if any.
func (p *Cache) Delete(ctx context.Context, k string) error {
	key, err := p.key(k)
	if err != nil {
		return err
	}

	_, err = p.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(p.table),
		Key:       key,
	})
	return err
}

// New creates a new DynamoDB cache instance with the provided configuration.
// It validates the configuration and sets default values where appropriate.
// Returns an error if the client is nil or if the configuration is invalid.
func New(_ context.Context, client API, config *Config) (*Cache, error) {
	if client == nil || isNilClient(client) {
		return nil, caches.ValidationError{
			Reason: "nil client",
		}
	}

	if config == nil || config.Table == "" {
		return nil, caches.ValidationError{
			Reason: "missing table",
		}
	}

	var itemExpiration time.Duration
	if config.ItemExpiration == 0 {
		itemExpiration = caches.DefaultExpiredDuration
	} else {
		itemExpiration = config.ItemExpiration
	}

	return &Cache{
		client: client,

		table:      config.Table,
		expiration: itemExpiration,
		writeTTL:   config.DeleteExpiredItems,
		now:        time.Now,
	}, nil
}
