package protocol

import (
	"encoding/json"
	"regexp"
	"sort"
	"unicode/utf8"
)

// MaxParts is the upper bound of parts in a multipart plan.
const MaxParts = 1000

// MaxFilenameLength is the longest accepted FileInfo.Name, in characters.
const MaxFilenameLength = 255

var mimeTypePattern = regexp.MustCompile(`^\w+/[-+.\w]+$`)

// FileInfo describes the file a client wants to upload. Every field is
// client asserted and re-validated by the server.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

func (f FileInfo) Validate() FieldErrors {
	fe := FieldErrors{}
	if utf8.RuneCountInString(f.Name) > MaxFilenameLength {
		fe.Add("name", "must be at most 255 characters")
	}
	if !mimeTypePattern.MatchString(f.Type) {
		fe.Add("type", "must be a valid mime type")
	}
	if f.Size < 0 {
		fe.Add("size", "must not be negative")
	}
	if len(fe) == 0 {
		return nil
	}
	return fe
}

type PlanType string

const (
	PlanSingle    PlanType = "single"
	PlanMultipart PlanType = "multipart"
)

// TransferPlan tells the client how to move the bytes. Exactly one of
// Upload and Multipart is set, selected by Type.
type TransferPlan struct {
	Type      PlanType         `json:"type"`
	URL       string           `json:"url"`
	Filepath  string           `json:"filepath"`
	Upload    *SingleUpload    `json:"upload,omitempty"`
	Multipart *MultipartUpload `json:"multipart,omitempty"`
}

type SingleUpload struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type MultipartUpload struct {
	UploadID string `json:"uploadId"`
	PartSize int64  `json:"partSize"`
	Parts    []Part `json:"parts"`
}

type Part struct {
	PartNumber int    `json:"partNumber"`
	UploadURL  string `json:"uploadUrl"`
}

type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

// Validate checks the plan against the file it was issued for.
func (p *TransferPlan) Validate(size int64) error {
	switch p.Type {
	case PlanSingle:
		if p.Upload == nil || p.Upload.URL == "" {
			return NewError(KindUploadFailed, "single plan has no upload url")
		}
		return nil
	case PlanMultipart:
	default:
		return NewError(KindUploadFailed, "unknown plan type %q", p.Type)
	}

	m := p.Multipart
	if m == nil || m.UploadID == "" {
		return NewError(KindUploadFailed, "multipart plan has no upload id")
	}
	n := len(m.Parts)
	if n == 0 || n > MaxParts {
		return NewError(KindUploadFailed, "multipart plan has %d parts", n)
	}
	if m.PartSize <= 0 {
		return NewError(KindUploadFailed, "multipart plan has part size %d", m.PartSize)
	}
	for i, part := range m.Parts {
		if part.PartNumber != i+1 {
			return NewError(KindUploadFailed, "part %d has number %d", i+1, part.PartNumber)
		}
		if part.UploadURL == "" {
			return NewError(KindUploadFailed, "part %d has no upload url", part.PartNumber)
		}
	}
	if m.PartSize*int64(n-1) >= size || m.PartSize*int64(n) < size {
		return NewError(KindUploadFailed, "%d parts of %d bytes do not cover %d bytes", n, m.PartSize, size)
	}
	return nil
}

// SortParts validates completed parts and returns a copy ordered by part
// number. Duplicate numbers, non positive numbers and empty ETags are
// rejected.
func SortParts(parts []CompletedPart) ([]CompletedPart, error) {
	if len(parts) == 0 {
		return nil, NewError(KindBadRequest, "no parts given")
	}
	if len(parts) > MaxParts {
		return nil, NewError(KindBadRequest, "at most %d parts are allowed", MaxParts)
	}

	seen := make(map[int]struct{}, len(parts))
	for _, p := range parts {
		if p.PartNumber < 1 {
			return nil, NewError(KindBadRequest, "invalid part number %d", p.PartNumber)
		}
		if p.ETag == "" {
			return nil, NewError(KindBadRequest, "part %d has no etag", p.PartNumber)
		}
		if _, dup := seen[p.PartNumber]; dup {
			return nil, NewError(KindBadRequest, "duplicate part number %d", p.PartNumber)
		}
		seen[p.PartNumber] = struct{}{}
	}

	sorted := make([]CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PartNumber < sorted[j].PartNumber
	})
	return sorted, nil
}

type RequestUploadBody struct {
	Route    string          `json:"route"`
	Input    json.RawMessage `json:"input,omitempty"`
	FileInfo FileInfo        `json:"fileInfo"`
}

type CompleteMultipartUploadBody struct {
	Route    string          `json:"route"`
	UploadID string          `json:"uploadId"`
	Filepath string          `json:"filepath"`
	Parts    []CompletedPart `json:"parts"`
}

type ConfirmBody struct {
	Route string `json:"route"`
	URL   string `json:"url"`
}

// DeleteBody accepts either a single url or a list of urls.
type DeleteBody struct {
	Route string   `json:"route"`
	URL   string   `json:"url,omitempty"`
	URLs  []string `json:"urls,omitempty"`
}

func (b DeleteBody) All() []string {
	urls := make([]string, 0, len(b.URLs)+1)
	if b.URL != "" {
		urls = append(urls, b.URL)
	}
	return append(urls, b.URLs...)
}

type CopyBody struct {
	Route       string `json:"route"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

type CopyResponse struct {
	URL string `json:"url"`
}

type ListBody struct {
	Route string          `json:"route"`
	Input json.RawMessage `json:"input,omitempty"`
}

type ListResponse struct {
	URLs []string `json:"urls"`
}
