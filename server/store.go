package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pieter-berkel/storageflow/blob"
	"github.com/pieter-berkel/storageflow/blob/diskstore"
	"github.com/pieter-berkel/storageflow/blob/gcsstore"
	"github.com/pieter-berkel/storageflow/blob/s3store"
	"github.com/pieter-berkel/storageflow/protocol"
)

const DiskFilesPath = "/files"

// Backend is the configured blob store. Files is set for stores that serve
// their own objects and has to be mounted at DiskFilesPath.
type Backend struct {
	Store blob.Store
	Files http.Handler
	close func() error
}

func (b Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// NewBackend builds the store selected by cfg.Provider.
func NewBackend(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Provider {
	case "s3":
		s, err := s3store.New(ctx, s3store.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			BaseURL:         cfg.S3.BaseURL,
			Endpoint:        cfg.S3.Endpoint,
			ACL:             cfg.S3.ACL,
			PresignExpiry:   cfg.PresignTTL,
		})
		if err != nil {
			return Backend{}, err
		}
		return Backend{Store: s}, nil
	case "gcs":
		s, err := gcsstore.New(ctx, gcsstore.Config{
			Bucket:          cfg.GCS.Bucket,
			BaseURL:         cfg.GCS.BaseURL,
			CredentialsFile: cfg.GCS.CredentialsFile,
			PresignExpiry:   cfg.PresignTTL,
		})
		if err != nil {
			return Backend{}, err
		}
		return Backend{Store: s, close: s.Close}, nil
	case "disk":
		s, err := diskstore.New(diskstore.Config{
			Dir:           cfg.Disk.Dir,
			PublicURL:     cfg.Disk.PublicURL,
			Secret:        []byte(cfg.Disk.Secret),
			PresignExpiry: cfg.PresignTTL,
		})
		if err != nil {
			return Backend{}, err
		}
		return Backend{Store: s, Files: s}, nil
	case "":
		return Backend{}, protocol.NewError(protocol.KindMissingEnv, "storage provider is required")
	default:
		return Backend{}, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}
