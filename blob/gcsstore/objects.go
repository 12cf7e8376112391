package gcsstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/hashicorp/go-multierror"
	"github.com/pieter-berkel/storageflow/blob"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

// Confirm clears the temporary metadata key. An object that is already
// permanent is left untouched.
func (s *Store) Confirm(ctx context.Context, objectURL string) error {
	key, err := blob.KeyFromURL(s.baseURL, objectURL)
	if err != nil {
		return err
	}
	obj := s.bucket.Object(key)

	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return translate(err, "confirm %s", key)
	}
	if !isTemporary(attrs.Metadata) {
		return nil
	}

	_, err = obj.If(storage.Conditions{MetagenerationMatch: attrs.Metageneration}).
		Update(ctx, storage.ObjectAttrsToUpdate{
			Metadata: map[string]string{metaTemporary: ""},
		})
	if err != nil {
		return translate(err, "confirm %s", key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, urls ...string) error {
	var result *multierror.Error
	for _, u := range urls {
		key, err := blob.KeyFromURL(s.baseURL, u)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		err = s.bucket.Object(key).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			result = multierror.Append(result, translate(err, "delete %s", key))
		}
	}
	return result.ErrorOrNil()
}

func (s *Store) Copy(ctx context.Context, sourceURL, destination string) (string, error) {
	srcKey, err := blob.KeyFromURL(s.baseURL, sourceURL)
	if err != nil {
		return "", err
	}
	dstKey := blob.Key(destination)

	_, err = s.bucket.Object(dstKey).CopierFrom(s.bucket.Object(srcKey)).Run(ctx)
	if err != nil {
		return "", translate(err, "copy %s to %s", srcKey, dstKey)
	}
	return blob.ObjectURL(s.baseURL, dstKey), nil
}

func (s *Store) List(ctx context.Context, dir string) ([]string, error) {
	prefix := blob.DirPrefix(dir)
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})

	urls := []string{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return urls, nil
		}
		if err != nil {
			return nil, translate(err, "list %s", prefix)
		}
		if strings.HasPrefix(attrs.Name, multipartPrefix) {
			continue
		}
		urls = append(urls, blob.ObjectURL(s.baseURL, attrs.Name))
	}
}

// AbortStale deletes the parts of multipart sessions created more than
// olderThan ago.
func (s *Store) AbortStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	var stale []string
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: multipartPrefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, translate(err, "list multipart sessions")
		}
		if !strings.HasSuffix(attrs.Name, "/"+sessionObject) || attrs.Created.After(cutoff) {
			continue
		}
		stale = append(stale, strings.TrimSuffix(attrs.Name, sessionObject))
	}

	aborted := 0
	for _, prefix := range stale {
		if err := s.deletePrefix(ctx, prefix); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("prefix", prefix).Msg("failed to remove stale session")
			continue
		}
		aborted++
	}
	return aborted, nil
}
