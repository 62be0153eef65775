// Package artifacts archives finished documents to S3-compatible storage.
package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"

	"docforge/internal/collaborator"
	"docforge/internal/entity"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archive stores each artifact under its project, document type and
// content hash, so archiving the same bytes twice is a no-op.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ collaborator.ArtifactArchive = (*S3Archive)(nil)

type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack
	Prefix   string
}

func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig, optFns ...func(*config.LoadOptions) error) (*S3Archive, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, append([]func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}, optFns...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// ObjectKey is prefix/project/type/<sha256>-<name>.
func ObjectKey(prefix string, key entity.SessionKey, a *entity.Artifact) string {
	sum := sha256.Sum256(a.Content)
	return prefix + path.Join(key.ProjectId, string(key.DocumentType), hex.EncodeToString(sum[:12])+"-"+path.Base(a.Name))
}

// Put uploads the artifact unless an object with the same key exists and
// returns its s3:// location.
func (s *S3Archive) Put(ctx context.Context, key entity.SessionKey, a *entity.Artifact) (string, error) {
	objectKey := ObjectKey(s.prefix, key, a)
	location := fmt.Sprintf("s3://%s/%s", s.bucket, objectKey)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err == nil {
		return location, nil
	}

	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(a.Content),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"project-id":    key.ProjectId,
			"document-type": string(key.DocumentType),
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return location, nil
}
