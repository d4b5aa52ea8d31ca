package mainconfig

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/clinicflow/internal/config"
)

// NeedsAWS reports whether any AWS-backed component is configured.
func NeedsAWS(cfg *appconfig.Config) bool {
	return strings.TrimSpace(cfg.NotificationQueueURL) != "" || strings.TrimSpace(cfg.BedrockModelID) != ""
}

// LoadAWSConfig centralizes AWS SDK initialization. Static keys win over the
// default credential chain when both are set.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}
	return config.LoadDefaultConfig(ctx, loaders...)
}

// NewSQSClient builds the notification queue client, pointed at
// AWS_ENDPOINT_OVERRIDE (LocalStack) when set.
func NewSQSClient(awsCfg aws.Config, cfg *appconfig.Config) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint := endpointOverride(cfg); endpoint != nil {
			o.BaseEndpoint = endpoint
		}
	})
}

// NewBedrockClient builds the runtime client used by the wait-time predictor.
func NewBedrockClient(awsCfg aws.Config, cfg *appconfig.Config) *bedrockruntime.Client {
	return bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if endpoint := endpointOverride(cfg); endpoint != nil {
			o.BaseEndpoint = endpoint
		}
	})
}

func endpointOverride(cfg *appconfig.Config) *string {
	if endpoint := strings.TrimSpace(cfg.AWSEndpointOverride); endpoint != "" {
		return aws.String(endpoint)
	}
	return nil
}
