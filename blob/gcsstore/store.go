// Package gcsstore implements blob.Store on Google Cloud Storage. Multipart
// uploads write every part to its own object and compose them on
// completion.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pieter-berkel/storageflow/blob"
	"github.com/pieter-berkel/storageflow/protocol"
	"google.golang.org/api/option"
)

const (
	// multipartPrefix holds part objects until they are composed.
	multipartPrefix = "_multipart/"
	sessionObject   = ".session"

	// maxComposeSources is the GCS limit of sources per compose call.
	maxComposeSources = 32

	temporaryMetaHeader = "x-goog-meta-" + blob.TemporaryTagKey

	metaKey         = "key"
	metaContentType = "content-type"
	metaTemporary   = "temporary"
)

type Config struct {
	Bucket string
	// BaseURL is the public prefix of object urls. Defaults to
	// https://storage.googleapis.com/{bucket}.
	BaseURL         string
	CredentialsFile string
	PresignExpiry   time.Duration
}

type Store struct {
	client  *storage.Client
	bucket  *storage.BucketHandle
	baseURL string
	expiry  time.Duration
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, protocol.NewError(protocol.KindMissingEnv, "gcs bucket name is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://storage.googleapis.com/" + cfg.Bucket
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = blob.DefaultPresignExpiry
	}
	return &Store{
		client:  client,
		bucket:  client.Bucket(cfg.Bucket),
		baseURL: baseURL,
		expiry:  expiry,
	}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) signPut(name, contentType string, headers []string) (string, error) {
	return s.bucket.SignedURL(name, &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      http.MethodPut,
		Expires:     time.Now().Add(s.expiry),
		ContentType: contentType,
		Headers:     headers,
	})
}

func sessionPrefix(uploadID string) string {
	return multipartPrefix + uploadID + "/"
}

func partName(uploadID string, n int) string {
	return fmt.Sprintf("%s%05d", sessionPrefix(uploadID), n)
}

// composeGroups splits n sources into consecutive groups of at most
// maxComposeSources and returns their [start, end) bounds.
func composeGroups(n int) [][2]int {
	var groups [][2]int
	for start := 0; start < n; start += maxComposeSources {
		groups = append(groups, [2]int{start, min(start+maxComposeSources, n)})
	}
	return groups
}

func isTemporary(meta map[string]string) bool {
	return meta[metaTemporary] == blob.TemporaryTagValue
}

func parseTemporary(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func translate(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return protocol.WrapError(protocol.KindNotFound, err, "%s: object not found", msg)
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return protocol.WrapError(protocol.KindInternal, err, "%s: bucket not found", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
