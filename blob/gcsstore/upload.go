package gcsstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/pieter-berkel/storageflow/blob"
	"github.com/pieter-berkel/storageflow/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
)

func (s *Store) RequestUpload(ctx context.Context, req blob.UploadRequest) (*protocol.TransferPlan, error) {
	key := blob.Key(req.Filepath)
	objectURL := blob.ObjectURL(s.baseURL, key)

	if !blob.IsMultipart(req.FileInfo.Size) {
		var signed []string
		var headers map[string]string
		if req.Temporary {
			signed = []string{temporaryMetaHeader + ":" + blob.TemporaryTagValue}
			headers = map[string]string{temporaryMetaHeader: blob.TemporaryTagValue}
		}
		u, err := s.signPut(key, req.FileInfo.Type, signed)
		if err != nil {
			return nil, translate(err, "sign put %s", key)
		}
		return blob.NewSinglePlan(objectURL, req.Filepath, u, headers), nil
	}

	partSize, totalParts := blob.PlanParts(req.FileInfo.Size)
	uploadID := uuid.NewString()

	w := s.bucket.Object(sessionPrefix(uploadID) + sessionObject).NewWriter(ctx)
	w.Metadata = map[string]string{
		metaKey:         key,
		metaContentType: req.FileInfo.Type,
		metaTemporary:   strconv.FormatBool(req.Temporary),
	}
	if err := w.Close(); err != nil {
		return nil, translate(err, "create upload session %s", uploadID)
	}

	urls := make([]string, totalParts)
	for i := range urls {
		u, err := s.signPut(partName(uploadID, i+1), "", nil)
		if err != nil {
			return nil, translate(err, "sign part %d", i+1)
		}
		urls[i] = u
	}

	zerolog.Ctx(ctx).Debug().
		Str("key", key).
		Str("upload_id", uploadID).
		Int("parts", totalParts).
		Msg("multipart session created")

	return blob.NewMultipartPlan(objectURL, req.Filepath, uploadID, partSize, urls), nil
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, uploadID, filepath string, parts []protocol.CompletedPart) error {
	key := blob.Key(filepath)

	session, err := s.bucket.Object(sessionPrefix(uploadID) + sessionObject).Attrs(ctx)
	if err != nil {
		return translate(err, "upload session %s", uploadID)
	}
	if session.Metadata[metaKey] != key {
		return protocol.NewError(protocol.KindBadRequest, "upload %s does not belong to %s", uploadID, filepath)
	}

	srcs := make([]*storage.ObjectHandle, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i, p := range parts {
		obj := s.bucket.Object(partName(uploadID, p.PartNumber))
		srcs[i] = obj
		g.Go(func() error {
			attrs, err := obj.Attrs(gctx)
			if err != nil {
				return translate(err, "part %d", p.PartNumber)
			}
			if hex.EncodeToString(attrs.MD5) != strings.Trim(p.ETag, `"`) {
				return protocol.NewError(protocol.KindBadRequest, "part %d etag does not match", p.PartNumber)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	attrs := storage.ObjectAttrs{ContentType: session.Metadata[metaContentType]}
	if parseTemporary(session.Metadata[metaTemporary]) {
		attrs.Metadata = map[string]string{metaTemporary: blob.TemporaryTagValue}
	}
	if err := s.compose(ctx, uploadID, s.bucket.Object(key), srcs, attrs); err != nil {
		return err
	}

	if err := s.deletePrefix(ctx, sessionPrefix(uploadID)); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("upload_id", uploadID).Msg("failed to clean up parts")
	}
	return nil
}

// compose concatenates srcs into dst, composing intermediate objects while
// there are more sources than a single compose call accepts.
func (s *Store) compose(ctx context.Context, uploadID string, dst *storage.ObjectHandle, srcs []*storage.ObjectHandle, attrs storage.ObjectAttrs) error {
	for level := 0; len(srcs) > maxComposeSources; level++ {
		next := make([]*storage.ObjectHandle, 0, len(srcs)/maxComposeSources+1)
		for i, g := range composeGroups(len(srcs)) {
			obj := s.bucket.Object(fmt.Sprintf("%scompose-%d-%04d", sessionPrefix(uploadID), level, i))
			if _, err := obj.ComposerFrom(srcs[g[0]:g[1]]...).Run(ctx); err != nil {
				return translate(err, "compose level %d group %d", level, i)
			}
			next = append(next, obj)
		}
		srcs = next
	}

	c := dst.ComposerFrom(srcs...)
	c.ContentType = attrs.ContentType
	c.Metadata = attrs.Metadata
	if _, err := c.Run(ctx); err != nil {
		return translate(err, "compose %s", dst.ObjectName())
	}
	return nil
}

func (s *Store) deletePrefix(ctx context.Context, prefix string) error {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.bucket.Object(attrs.Name).Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
			return err
		}
	}
}
