package kvstore

import (
	"context"
	"fmt"
	"time"

	"offlinequeue/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

// DynamoAPI is the subset of the DynamoDB client the store needs.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore keeps each key as an item with a string "value" attribute.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	logger    *zerolog.Logger
}

// NewDynamoClient builds a DynamoDB client and checks that the table exists.
func NewDynamoClient(ctx context.Context, cfg config.DynamoDBConfig) (*dynamodb.Client, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("table name is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	client := dynamodb.NewFromConfig(awsCfg, opts...)

	describeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := client.DescribeTable(describeCtx, &dynamodb.DescribeTableInput{TableName: aws.String(cfg.Table)}); err != nil {
		return nil, fmt.Errorf("failed to connect to DynamoDB table %s: %w", cfg.Table, err)
	}
	return client, nil
}

func NewDynamoStore(client DynamoAPI, tableName string, logger *zerolog.Logger) *DynamoStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &DynamoStore{client: client, tableName: tableName, logger: logger}
}

func (d *DynamoStore) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"key": &types.AttributeValueMemberS{Value: key},
	}
}

func (d *DynamoStore) Get(ctx context.Context, key string) (string, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if result.Item == nil {
		return "", ErrNotFound
	}

	attr, ok := result.Item["value"]
	if !ok {
		d.logger.Warn().Str("key", key).Msg("dynamodb item without value attribute")
		return "", ErrNotFound
	}
	member, ok := attr.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("invalid value format for key %s", key)
	}
	return member.Value, nil
}

func (d *DynamoStore) Set(ctx context.Context, key, value string) error {
	item := d.itemKey(key)
	item["value"] = &types.AttributeValueMemberS{Value: value}
	item["updated_at"] = &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)}

	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	d.logger.Debug().Str("key", key).Int("size", len(value)).Msg("stored key in dynamodb")
	return nil
}

func (d *DynamoStore) Remove(ctx context.Context, key string) error {
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       d.itemKey(key),
	}); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}
