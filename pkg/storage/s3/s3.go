// Package s3 is a content-addressed blob store on Amazon S3 or any
// S3-compatible endpoint.
//
// Blobs are stored under "blobs/<hash>" keyed by the hex SHA-256 content
// digest; reference counts live in the same badger-backed refindex the local
// blobfs store uses, so dedup semantics are identical across backends.
// Staged uploads buffer on local disk and are pushed to S3 on finalize.
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/storage"
	"github.com/balloonfs/balloon/pkg/storage/refindex"
)

// Config configures the S3 store.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, for S3-compatible stores (MinIO, Ceph)
	AccessKey string // optional, falls back to the default credential chain
	SecretKey string

	// StagingDir buffers uploads before they are pushed to S3.
	StagingDir string
}

// Store is a content-addressed S3 blob store.
type Store struct {
	client  *awss3.Client
	bucket  string
	refs    *refindex.Index
	staging string
}

var _ storage.Adapter = (*Store)(nil)
var _ storage.RefCounter = (*Store)(nil)

// New creates an S3 store from the given configuration.
func New(ctx context.Context, cfg Config, refs *refindex.Index) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(os.TempDir(), "balloon-s3-staging")
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o750); err != nil {
		return nil, fmt.Errorf("preparing s3 staging dir: %w", err)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{
		client:  client,
		bucket:  cfg.Bucket,
		refs:    refs,
		staging: cfg.StagingDir,
	}, nil
}

// Kind implements storage.Adapter.
func (s *Store) Kind() string {
	return "s3"
}

func blobKey(hash string) string {
	return "blobs/" + hash
}

func (s *Store) stagingPath(session storage.SessionID) string {
	return filepath.Join(s.staging, string(session))
}

// isNotFound reports whether err indicates a missing S3 object.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return strings.Contains(err.Error(), "StatusCode: 404")
}

// CreateCollection implements storage.Adapter. No physical directories on a
// content-addressed store.
func (s *Store) CreateCollection(ctx context.Context, _, _ string) (string, error) {
	return "", ctx.Err()
}

// NewSession implements storage.Adapter.
func (s *Store) NewSession(ctx context.Context) (storage.SessionID, error) {
	id := storage.SessionID(uuid.NewString())
	if err := os.MkdirAll(s.stagingPath(id), 0o750); err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	if err := s.refs.PutSession(ctx, string(id)); err != nil {
		return "", err
	}
	return id, nil
}

// WriteChunk implements storage.Adapter.
func (s *Store) WriteChunk(ctx context.Context, session storage.SessionID, r io.Reader) (int64, error) {
	ok, err := s.refs.SessionExists(ctx, string(session))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fserrors.NewSessionNotFoundError(string(session))
	}

	f, err := os.OpenFile(filepath.Join(s.stagingPath(session), "data"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return 0, fmt.Errorf("opening staging file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return n, fmt.Errorf("writing chunk: %w", err)
	}
	return n, ctx.Err()
}

// AbortSession implements storage.Adapter.
func (s *Store) AbortSession(ctx context.Context, session storage.SessionID) error {
	if err := s.refs.DeleteSession(ctx, string(session)); err != nil {
		return err
	}
	return os.RemoveAll(s.stagingPath(session))
}

// StoreFile implements storage.Adapter. Deduplicates against the refindex:
// content already present in the bucket only gains a reference.
func (s *Store) StoreFile(ctx context.Context, session storage.SessionID, _ string) (storage.PutResult, error) {
	ok, err := s.refs.SessionExists(ctx, string(session))
	if err != nil {
		return storage.PutResult{}, err
	}
	if !ok {
		return storage.PutResult{}, fserrors.NewSessionNotFoundError(string(session))
	}

	staged := filepath.Join(s.stagingPath(session), "data")
	var size int64
	hasher := sha256.New()

	if src, err := os.Open(staged); err == nil {
		size, err = io.Copy(hasher, src)
		src.Close()
		if err != nil {
			return storage.PutResult{}, fmt.Errorf("hashing staged upload: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return storage.PutResult{}, fmt.Errorf("opening staged upload: %w", err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))

	// Upload only when this is the first reference. Physical blob first,
	// refcount second; a crash in between leaves an orphaned-but-harmless
	// object for the GC sweep.
	count, err := s.refs.Count(ctx, hash)
	if err != nil {
		return storage.PutResult{}, err
	}
	if count == 0 {
		body, err := os.Open(staged)
		if err != nil {
			if !os.IsNotExist(err) {
				return storage.PutResult{}, err
			}
			body = nil
		}
		input := &awss3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(blobKey(hash)),
		}
		if body != nil {
			input.Body = body
			input.ContentLength = aws.Int64(size)
		} else {
			input.Body = strings.NewReader("")
		}
		_, err = s.client.PutObject(ctx, input)
		if body != nil {
			body.Close()
		}
		if err != nil {
			return storage.PutResult{}, fmt.Errorf("uploading blob: %w", err)
		}
	}

	if _, err := s.refs.Increment(ctx, hash); err != nil {
		return storage.PutResult{}, err
	}
	if err := s.refs.DeleteSession(ctx, string(session)); err != nil {
		return storage.PutResult{}, err
	}
	if err := os.RemoveAll(s.stagingPath(session)); err != nil {
		return storage.PutResult{}, err
	}

	return storage.PutResult{Locator: hash, Size: size, Hash: hash}, nil
}

// Reference implements storage.Adapter.
func (s *Store) Reference(ctx context.Context, locator, _ string) (string, error) {
	if _, err := s.refs.Increment(ctx, locator); err != nil {
		return "", err
	}
	return locator, nil
}

// OpenReadStream implements storage.Adapter.
func (s *Store) OpenReadStream(ctx context.Context, locator string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(blobKey(locator)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fserrors.NewBlobNotFoundError(locator)
		}
		return nil, fmt.Errorf("downloading blob: %w", err)
	}
	return out.Body, nil
}

// DeleteFile implements storage.Adapter. Soft deletion keeps the object.
func (s *Store) DeleteFile(ctx context.Context, locator string) (string, error) {
	return locator, ctx.Err()
}

// ForceDeleteFile implements storage.Adapter.
func (s *Store) ForceDeleteFile(ctx context.Context, locator string) error {
	count, err := s.refs.Decrement(ctx, locator)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err = s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(blobKey(locator)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("removing blob: %w", err)
	}
	return nil
}

// Move implements storage.Adapter. Identity transform.
func (s *Store) Move(ctx context.Context, locator, _ string) (string, error) {
	return locator, ctx.Err()
}

// Rename implements storage.Adapter.
func (s *Store) Rename(ctx context.Context, locator, _ string) (string, error) {
	return locator, ctx.Err()
}

// Undelete implements storage.Adapter.
func (s *Store) Undelete(ctx context.Context, locator string) (string, error) {
	return locator, ctx.Err()
}

// Readonly implements storage.Adapter.
func (s *Store) Readonly(ctx context.Context, locator string, _ bool) (string, error) {
	return locator, ctx.Err()
}

// RefCount implements storage.RefCounter.
func (s *Store) RefCount(ctx context.Context, locator string) (int64, error) {
	return s.refs.Count(ctx, locator)
}
