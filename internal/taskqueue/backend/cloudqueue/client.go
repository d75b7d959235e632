package cloudqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// ClientConfig holds the connection parameters for SQS.
type ClientConfig struct {
	QueueURL string
	Region   string

	// Endpoint overrides the service endpoint, e.g. for LocalStack or ElasticMQ.
	Endpoint string

	// Static credentials. When empty the default provider chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// NewClient builds an SQS client from cfg.
func NewClient(ctx context.Context, cfg ClientConfig) (*sqs.Client, error) {
	if cfg.Region == "" {
		return nil, errors.New("cloudqueue: region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, errors.New("cloudqueue: both access key id and secret access key are required")
		}
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("cloudqueue: load aws config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Open builds a client from cfg and wraps it in a Backend.
func Open(ctx context.Context, cfg ClientConfig, opts ...Option) (*Backend, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("cloudqueue: queue url is required")
	}
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(client, cfg.QueueURL, opts...)
}
