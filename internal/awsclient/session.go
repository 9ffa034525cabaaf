// Package awsclient builds the shared AWS session used by the SQS queue, the
// S3 blob store and the Rekognition face index.
package awsclient

import (
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
)

type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the service endpoint (localstack, minio, tests).
	Endpoint string
	// MaxRetries is the SDK's own retry count. Zero leaves retrying to the
	// caller's retry policy.
	MaxRetries int
	HTTPClient *http.Client
}

func NewSession(cfg Config) (*session.Session, error) {
	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithMaxRetries(cfg.MaxRetries)
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	if cfg.HTTPClient != nil {
		awsCfg = awsCfg.WithHTTPClient(cfg.HTTPClient)
	} else {
		awsCfg = awsCfg.WithHTTPClient(&http.Client{Timeout: 60 * time.Second})
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return sess, nil
}
