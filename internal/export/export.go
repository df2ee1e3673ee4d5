// Package export writes snapshot files of a principal's data to
// S3-compatible object storage.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"glowdesk/api/internal/store"
)

// Snapshot is the exported document: everything the principal could see
// at the moment of export.
type Snapshot struct {
	UID          string              `json:"uid"`
	ExportedAt   time.Time           `json:"exportedAt"`
	Clients      []store.Client      `json:"clients"`
	Transactions []store.Transaction `json:"transactions"`
}

// Service uploads snapshots to a bucket.
type Service struct {
	client *minio.Client
	bucket string
}

// Config holds the object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New connects to object storage and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Service{client: client, bucket: cfg.Bucket}, nil
}

// Upload serializes the snapshot and writes it under the principal's
// prefix. Returns the object name.
func (s *Service) Upload(ctx context.Context, snap Snapshot) (string, error) {
	name, payload, err := encodeSnapshot(snap)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot %s: %w", name, err)
	}
	return name, nil
}

func encodeSnapshot(snap Snapshot) (string, []byte, error) {
	if snap.ExportedAt.IsZero() {
		snap.ExportedAt = time.Now().UTC()
	}
	if snap.Clients == nil {
		snap.Clients = []store.Client{}
	}
	if snap.Transactions == nil {
		snap.Transactions = []store.Transaction{}
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("encode snapshot: %w", err)
	}
	name := fmt.Sprintf("exports/%s/%s.json", snap.UID, snap.ExportedAt.Format("20060102-150405"))
	return name, payload, nil
}
