// Package blob defines the object storage contract the upload service
// depends on, and the sizing rules shared by every implementation.
package blob

import (
	"context"
	"strings"
	"time"

	"github.com/pieter-berkel/storageflow/protocol"
)

const (
	// MultipartThreshold is the largest size uploaded with a single PUT.
	MultipartThreshold int64 = 10 * 1024 * 1024
	DefaultPartSize    int64 = 5 * 1024 * 1024
	MaxParts                 = protocol.MaxParts

	DefaultPresignExpiry = 10 * time.Minute

	TemporaryTagKey   = "temporary"
	TemporaryTagValue = "true"
	TemporaryTag      = TemporaryTagKey + "=" + TemporaryTagValue
	TaggingHeader     = "x-amz-tagging"
)

type UploadRequest struct {
	FileInfo  protocol.FileInfo
	Filename  string
	Filepath  string
	Temporary bool
}

// Store is implemented by every object storage provider.
type Store interface {
	// RequestUpload reserves the object at req.Filepath and returns the
	// plan the client follows to write it.
	RequestUpload(ctx context.Context, req UploadRequest) (*protocol.TransferPlan, error)
	// CompleteMultipartUpload assembles parts, already ordered by number.
	CompleteMultipartUpload(ctx context.Context, uploadID, filepath string, parts []protocol.CompletedPart) error
	// Confirm removes the temporary mark. Confirming twice is not an error.
	Confirm(ctx context.Context, url string) error
	Delete(ctx context.Context, urls ...string) error
	// Copy duplicates the object at sourceURL to the destination path and
	// returns the new object url.
	Copy(ctx context.Context, sourceURL, destination string) (string, error)
	// List returns the urls of all objects below the directory path.
	List(ctx context.Context, dir string) ([]string, error)
}

// Sweeper is implemented by stores able to discard abandoned multipart
// sessions.
type Sweeper interface {
	AbortStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// IsMultipart reports whether a file of size bytes gets a multipart plan.
func IsMultipart(size int64) bool {
	return size > MultipartThreshold
}

// PlanParts returns the part size and count for a multipart upload. Parts
// are DefaultPartSize unless that would need more than MaxParts, in which
// case the part size grows to fit the file in MaxParts parts.
func PlanParts(size int64) (partSize int64, totalParts int) {
	partSize = DefaultPartSize
	totalParts = int(ceilDiv(size, partSize))
	if totalParts > MaxParts {
		totalParts = MaxParts
		partSize = ceilDiv(size, int64(MaxParts))
	}
	return partSize, totalParts
}

// PartRange returns the byte range of the 1-based part n.
func PartRange(n int, partSize, size int64) (offset, length int64) {
	offset = int64(n-1) * partSize
	if offset >= size {
		return size, 0
	}
	length = partSize
	if offset+length > size {
		length = size - offset
	}
	return offset, length
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// Key turns a filepath into an object key by dropping the leading slash.
func Key(filepath string) string {
	return strings.TrimPrefix(filepath, "/")
}

// ObjectURL is the public url of key under baseURL.
func ObjectURL(baseURL, key string) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + Key(key)
}

// KeyFromURL strips baseURL from an object url.
func KeyFromURL(baseURL, url string) (string, error) {
	prefix := strings.TrimSuffix(baseURL, "/") + "/"
	if !strings.HasPrefix(url, prefix) || len(url) == len(prefix) {
		return "", protocol.NewError(protocol.KindBadRequest, "url %s does not belong to this store", url)
	}
	return strings.TrimPrefix(url, prefix), nil
}

// DirPrefix turns a directory path into a listing prefix ending in a slash.
func DirPrefix(dir string) string {
	k := strings.TrimSuffix(Key(dir), "/")
	if k == "" {
		return ""
	}
	return k + "/"
}

// NewSinglePlan builds the plan for a single PUT.
func NewSinglePlan(objectURL, filepath, uploadURL string, headers map[string]string) *protocol.TransferPlan {
	return &protocol.TransferPlan{
		Type:     protocol.PlanSingle,
		URL:      objectURL,
		Filepath: filepath,
		Upload:   &protocol.SingleUpload{URL: uploadURL, Headers: headers},
	}
}

// NewMultipartPlan builds the plan for a multipart upload. partURLs[i] is
// the upload url of part i+1.
func NewMultipartPlan(objectURL, filepath, uploadID string, partSize int64, partURLs []string) *protocol.TransferPlan {
	parts := make([]protocol.Part, len(partURLs))
	for i, u := range partURLs {
		parts[i] = protocol.Part{PartNumber: i + 1, UploadURL: u}
	}
	return &protocol.TransferPlan{
		Type:     protocol.PlanMultipart,
		URL:      objectURL,
		Filepath: filepath,
		Multipart: &protocol.MultipartUpload{
			UploadID: uploadID,
			PartSize: partSize,
			Parts:    parts,
		},
	}
}
