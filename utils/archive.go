// utils/archive.go
package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver uploads pruned history to an R2 bucket before the cleanup job
// deletes it from Postgres. A nil Archiver (no bucket configured) disables
// archival; cleanup then prunes without an offsite copy.
type Archiver struct {
	client *s3.Client
	bucket string
}

// NewArchiver builds an R2-backed archiver. Returns (nil, nil) when no
// bucket is configured.
func NewArchiver(accountID, accessKeyID, accessKeySecret, bucket string) (*Archiver, error) {
	if bucket == "" {
		return nil, nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, accessKeySecret, "",
		)),
		awsconfig.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
				}, nil
			}),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	return &Archiver{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// UploadJSON serializes v and stores it under key
// (e.g. "archive/tournaments/<id>/snapshots.json").
func (a *Archiver) UploadJSON(ctx context.Context, key string, v interface{}) error {
	if a == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal archive payload: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive %s: %w", key, err)
	}
	return nil
}
