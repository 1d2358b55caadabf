//go:build gcp

package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/warden-labs/warden/pkg/evidence"
)

// GCSArchive writes attestations to a Google Cloud Storage bucket.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSArchiveConfig holds configuration for GCSArchive.
type GCSArchiveConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchive creates a GCS-backed attestation archive. Credentials come
// from application default credentials.
func NewGCSArchive(ctx context.Context, cfg GCSArchiveConfig) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *GCSArchive) StoreAttestation(ctx context.Context, att *evidence.Attestation) error {
	body, err := json.Marshal(att)
	if err != nil {
		return err
	}
	obj := a.client.Bucket(a.bucket).Object(a.prefix + attestationKey(att))

	_, err = obj.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("checking attestation in gcs: %w", err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing attestation to gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing attestation in gcs: %w", err)
	}
	return nil
}
