package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Archiver uploads canonical audit event JSON to object storage for long-term
// governance retention.
type Archiver interface {
	ArchiveEvent(ctx context.Context, ev *Event) (objectKey string, err error)
}

// S3Archiver writes canonicalized audit events to S3 paths like:
//
//	s3://<bucket>/<prefix>/audit/YYYY/MM/DD/<eventID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Archiver(ctx context.Context, bucket string, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	uploader := manager.NewUploader(client)

	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: uploader,
	}, nil
}

func (s *S3Archiver) objectKey(ev *Event) string {
	ts := time.Now().UTC()
	if !ev.Ts.IsZero() {
		ts = ev.Ts
	}
	year, month, day := ts.Date()
	return path.Join(s.prefix, "audit",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", ev.ID),
	)
}

// ArchiveEvent canonicalizes the full event envelope and uploads it to S3,
// returning the object key so callers can persist the pointer.
func (s *S3Archiver) ArchiveEvent(ctx context.Context, ev *Event) (string, error) {
	if ev == nil {
		return "", fmt.Errorf("nil event")
	}

	envelope := map[string]interface{}{
		"id":            ev.ID,
		"correlationId": ev.CorrelationID.String(),
		"eventType":     ev.EventType,
		"actor":         ev.Actor,
		"payload":       ev.Payload,
		"prevHash":      ev.PrevHash,
		"hash":          ev.Hash,
		"ts":            ev.Ts.Format(time.RFC3339Nano),
	}

	canonBytes, err := MarshalCanonical(envelope)
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}

	key := s.objectKey(ev)
	upParams := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(canonBytes),
		ContentType: aws.String("application/json"),
		// Server-side encryption with S3-managed keys (SSE-S3).
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}

	if _, err := s.uploader.Upload(ctx, upParams); err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
