package s3store

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pieter-berkel/storageflow/blob"
	"github.com/pieter-berkel/storageflow/protocol"
	"golang.org/x/sync/errgroup"
)

// presignConcurrency bounds the parallel presign calls for one plan.
const presignConcurrency = 16

func (s *Store) RequestUpload(ctx context.Context, req blob.UploadRequest) (*protocol.TransferPlan, error) {
	key := blob.Key(req.Filepath)
	objectURL := blob.ObjectURL(s.baseURL, key)

	var tagging *string
	if req.Temporary {
		tagging = aws.String(blob.TemporaryTag)
	}

	if !blob.IsMultipart(req.FileInfo.Size) {
		signed, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			ACL:           s.acl,
			ContentLength: aws.Int64(req.FileInfo.Size),
			ContentType:   aws.String(req.FileInfo.Type),
			Tagging:       tagging,
		}, s.withExpiry)
		if err != nil {
			return nil, translate(err, "presign put %s", key)
		}

		return blob.NewSinglePlan(objectURL, req.Filepath, signed.URL, uploadHeaders(signed.SignedHeader)), nil
	}

	partSize, totalParts := blob.PlanParts(req.FileInfo.Size)

	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ACL:         s.acl,
		ContentType: aws.String(req.FileInfo.Type),
		Tagging:     tagging,
	})
	if err != nil {
		return nil, translate(err, "create multipart upload %s", key)
	}
	if out.UploadId == nil || *out.UploadId == "" {
		return nil, protocol.NewError(protocol.KindInternal, "multipart upload has no upload id")
	}
	uploadID := *out.UploadId

	urls := make([]string, totalParts)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(presignConcurrency)
	for i := range urls {
		n := i + 1
		g.Go(func() error {
			signed, err := s.presign.PresignUploadPart(gctx, &s3.UploadPartInput{
				Bucket:     aws.String(s.bucket),
				Key:        aws.String(key),
				UploadId:   aws.String(uploadID),
				PartNumber: aws.Int32(int32(n)),
			}, s.withExpiry)
			if err != nil {
				return fmt.Errorf("presign part %d: %w", n, err)
			}
			urls[n-1] = signed.URL
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.abort(ctx, key, uploadID)
		return nil, translate(err, "presign multipart upload %s", key)
	}

	logger(ctx).Debug().
		Str("key", key).
		Str("upload_id", uploadID).
		Int("parts", totalParts).
		Int64("part_size", partSize).
		Msg("multipart upload created")

	return blob.NewMultipartPlan(objectURL, req.Filepath, uploadID, partSize, urls), nil
}

// uploadHeaders returns the signed headers the client has to send with the
// presigned put. Host and Content-Length are set by the HTTP client and
// Content-Type by the uploader.
func uploadHeaders(signed http.Header) map[string]string {
	var headers map[string]string
	for name, values := range signed {
		switch http.CanonicalHeaderKey(name) {
		case "Host", "Content-Length", "Content-Type":
			continue
		}
		if headers == nil {
			headers = make(map[string]string)
		}
		headers[strings.ToLower(name)] = strings.Join(values, ",")
	}
	return headers
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, uploadID, filepath string, parts []protocol.CompletedPart) error {
	key := blob.Key(filepath)

	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		}
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return translate(err, "complete multipart upload %s", key)
	}
	return nil
}

func (s *Store) abort(ctx context.Context, key, uploadID string) {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		logger(ctx).Warn().Err(err).Str("key", key).Str("upload_id", uploadID).Msg("failed to abort multipart upload")
	}
}
