package client

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"quota-service/internal/config"
	"quota-service/internal/util"
)

type DynamoDBClient struct {
	Client *dynamodb.Client
	Table  string
}

// NewDynamoDBClient loads AWS credentials from the default chain. A
// configured endpoint points the client at DynamoDB Local or LocalStack.
func NewDynamoDBClient(cfg *config.Config, logger *zap.Logger) (*DynamoDBClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DynamoDB.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoDB.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
		}
	})

	c := &DynamoDBClient{Client: client, Table: cfg.DynamoDB.Table}
	if err := c.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to DynamoDB: %w", err)
	}

	logger.Info("DynamoDB client initialized",
		zap.String("table", cfg.DynamoDB.Table),
		zap.String("region", cfg.DynamoDB.Region),
		zap.Bool("custom_endpoint", cfg.DynamoDB.Endpoint != ""))

	return c, nil
}

// HealthCheck verifies the table exists and is usable.
func (c *DynamoDBClient) HealthCheck(ctx context.Context) error {
	out, err := c.Client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.Table)})
	if err != nil {
		return fmt.Errorf("dynamodb describe table failed: %w", err)
	}
	if out.Table == nil {
		return fmt.Errorf("dynamodb table %s not described", c.Table)
	}
	return nil
}

func (c *DynamoDBClient) Close() error {
	util.Info("DynamoDB client closed")
	return nil
}
