// Package storage holds message payloads in S3-compatible object storage.
//
// Payloads are content-addressed: the object key is derived from the
// account and the message content hash, so re-fetching an already stored
// message is a no-op and identical messages in one account share an object.
// Payloads are sealed with the account's derived key before upload; the
// object store only ever sees ciphertext.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/crypto"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
	"github.com/ternmail/tern/pkg/retry"
)

// ErrPayloadNotFound is returned by Get for a key with no stored object.
var ErrPayloadNotFound = errors.New("payload not found")

type PayloadStore struct {
	client *minio.Client
	bucket string
	cipher crypto.Cipher
}

// New creates a payload store from configuration. The cipher is required;
// plaintext payloads are never uploaded.
func New(cfg config.S3Config, cipher crypto.Cipher) (*PayloadStore, error) {
	if cipher == nil {
		return nil, fmt.Errorf("payload cipher is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object storage client: %w", err)
	}

	if cfg.Trace {
		client.TraceOn(os.Stdout)
	}

	return &PayloadStore{
		client: client,
		bucket: cfg.Bucket,
		cipher: cipher,
	}, nil
}

// Key is the object key for an account's payload. Content addressing keeps
// uploads idempotent across fetch retries.
func Key(accountID int64, contentHash string) string {
	return fmt.Sprintf("%d/%s", accountID, contentHash)
}

// Put seals and uploads a payload, returning the object key and the stored
// (ciphertext) size. An object that already exists is left untouched.
func (s *PayloadStore) Put(ctx context.Context, accountID int64, contentHash string, payload []byte) (string, int64, error) {
	key := Key(accountID, contentHash)

	exists, err := s.exists(ctx, key)
	if err == nil && exists {
		metrics.S3OperationsTotal.WithLabelValues("PUT", "skipped").Inc()
		return key, 0, nil
	}

	sealed, err := s.cipher.Seal(accountID, payload)
	if err != nil {
		return "", 0, fmt.Errorf("failed to seal payload: %w", err)
	}

	start := time.Now()
	err = retry.WithRetry(ctx, func() error {
		_, putErr := s.client.PutObject(ctx, s.bucket, key,
			bytes.NewReader(sealed), int64(len(sealed)),
			minio.PutObjectOptions{SendContentMd5: true})
		return putErr
	}, retry.DefaultPolicy())
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("PUT", "error").Inc()
		return "", 0, fmt.Errorf("%w: %s: %v", consts.ErrPayloadUploadFailed, key, err)
	}

	metrics.S3OperationsTotal.WithLabelValues("PUT", "success").Inc()
	metrics.PayloadBytesStored.Add(float64(len(sealed)))
	logger.DebugContext(ctx, "Storage: payload uploaded",
		"key", key, "bytes", len(sealed), "elapsed", time.Since(start))
	return key, int64(len(sealed)), nil
}

// Get downloads and opens a payload.
func (s *PayloadStore) Get(ctx context.Context, accountID int64, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
		return nil, fmt.Errorf("failed to get payload %s: %w", key, err)
	}
	defer object.Close()

	sealed, err := io.ReadAll(object)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
			return nil, fmt.Errorf("%s: %w", key, ErrPayloadNotFound)
		}
		return nil, fmt.Errorf("failed to read payload %s: %w", key, err)
	}

	payload, err := s.cipher.Open(accountID, sealed)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
		return nil, fmt.Errorf("failed to open payload %s: %w", key, err)
	}

	metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
	return payload, nil
}

// Delete removes a payload object. Deleting a missing object succeeds, which
// keeps payload cleanup idempotent.
func (s *PayloadStore) Delete(ctx context.Context, key string) error {
	exists, err := s.exists(ctx, key)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "error").Inc()
		return err
	}
	if !exists {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "skipped").Inc()
		return nil
	}

	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "error").Inc()
		return fmt.Errorf("failed to delete payload %s: %w", key, err)
	}
	metrics.S3OperationsTotal.WithLabelValues("DELETE", "success").Inc()
	return nil
}

func (s *PayloadStore) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat payload %s: %w", key, err)
}
