package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/maxpert/oplogtail/cfg"
)

const (
	defaultMaxRetries = 5
	defaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
)

func loadAWSConfig(config cfg.SinkConfiguration) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	return awsCfg, nil
}

// retryPolicy resolves the local retry settings of a sink
func retryPolicy(config cfg.SinkConfiguration) (attempts int, delay time.Duration) {
	attempts = config.MaxRetries
	if attempts <= 0 {
		attempts = defaultMaxRetries
	}
	delay = time.Duration(config.RetryMS) * time.Millisecond
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	// first try plus retries
	return attempts + 1, delay
}
