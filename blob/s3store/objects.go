package s3store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hashicorp/go-multierror"
	"github.com/pieter-berkel/storageflow/blob"
)

// deleteBatchSize is the DeleteObjects limit per call.
const deleteBatchSize = 1000

func (s *Store) Confirm(ctx context.Context, objectURL string) error {
	key, err := blob.KeyFromURL(s.baseURL, objectURL)
	if err != nil {
		return err
	}

	out, err := s.client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return translate(err, "get tags of %s", key)
	}

	kept := make([]types.Tag, 0, len(out.TagSet))
	for _, tag := range out.TagSet {
		if aws.ToString(tag.Key) == blob.TemporaryTagKey {
			continue
		}
		kept = append(kept, tag)
	}
	if len(kept) == len(out.TagSet) {
		return nil
	}

	if len(kept) == 0 {
		_, err = s.client.DeleteObjectTagging(ctx, &s3.DeleteObjectTaggingInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
	} else {
		_, err = s.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
			Bucket:  aws.String(s.bucket),
			Key:     aws.String(key),
			Tagging: &types.Tagging{TagSet: kept},
		})
	}
	if err != nil {
		return translate(err, "confirm %s", key)
	}
	return nil
}

// Delete removes every object it can and reports each failure.
func (s *Store) Delete(ctx context.Context, urls ...string) error {
	var result *multierror.Error

	keys := make([]string, 0, len(urls))
	for _, u := range urls {
		key, err := blob.KeyFromURL(s.baseURL, u)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		keys = append(keys, key)
	}

	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))
		batch := keys[start:end]

		objects := make([]types.ObjectIdentifier, len(batch))
		for i, k := range batch {
			objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			result = multierror.Append(result, translate(err, "delete %d objects", len(batch)))
			continue
		}
		for _, e := range out.Errors {
			result = multierror.Append(result,
				fmt.Errorf("delete %s: %s: %s", aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message)))
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

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(s.bucket, srcKey)),
		ACL:        s.acl,
	})
	if err != nil {
		return "", translate(err, "copy %s to %s", srcKey, dstKey)
	}
	return blob.ObjectURL(s.baseURL, dstKey), nil
}

func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func (s *Store) List(ctx context.Context, dir string) ([]string, error) {
	prefix := blob.DirPrefix(dir)
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	urls := []string{}
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, translate(err, "list %s", prefix)
		}
		for _, obj := range page.Contents {
			urls = append(urls, blob.ObjectURL(s.baseURL, aws.ToString(obj.Key)))
		}
	}
	return urls, nil
}

// AbortStale aborts multipart uploads initiated more than olderThan ago.
func (s *Store) AbortStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	aborted := 0

	input := &s3.ListMultipartUploadsInput{Bucket: aws.String(s.bucket)}
	for {
		out, err := s.client.ListMultipartUploads(ctx, input)
		if err != nil {
			return aborted, translate(err, "list multipart uploads")
		}
		for _, u := range out.Uploads {
			if u.Initiated == nil || u.Initiated.After(cutoff) {
				continue
			}
			_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(s.bucket),
				Key:      u.Key,
				UploadId: u.UploadId,
			})
			if err != nil {
				logger(ctx).Warn().Err(err).Str("key", aws.ToString(u.Key)).Msg("failed to abort stale upload")
				continue
			}
			aborted++
		}
		if !aws.ToBool(out.IsTruncated) {
			return aborted, nil
		}
		input.KeyMarker = out.NextKeyMarker
		input.UploadIdMarker = out.NextUploadIdMarker
	}
}
