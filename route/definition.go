// Package route declares named upload routes and the registry they are
// looked up in.
package route

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
)

// MiddlewareFunc turns the parsed input and the incoming request into the
// context value handed to the path function. Its error decides whether the
// upload may proceed.
type MiddlewareFunc func(ctx context.Context, input any, r *http.Request) (any, error)

// PathFunc returns the directory segments placed under /{route}. Segments
// are formatted with fmt.Sprint.
type PathFunc func(ctx context.Context, input any, rctx any) ([]any, error)

// Definition is an immutable route description. Every builder method
// returns a modified copy, so calls can be chained in any order.
type Definition struct {
	name       string
	mimeTypes  []string
	sizeLimit  int64
	limited    bool
	temporary  bool
	input      InputValidator
	middleware MiddlewareFunc
	path       PathFunc
	err        error
}

// New returns a route accepting every mime type and size, with no input,
// no middleware and the default path /{name}.
func New(name string) Definition {
	return Definition{name: name}
}

// AllowedMimeTypes restricts the accepted types. A pattern is an exact
// type like "image/png" or a wildcard subtype like "image/*".
func (d Definition) AllowedMimeTypes(patterns ...string) Definition {
	d.mimeTypes = append([]string(nil), patterns...)
	return d
}

// FileSizeLimit sets the largest accepted size in bytes.
func (d Definition) FileSizeLimit(bytes int64) Definition {
	d.sizeLimit = bytes
	d.limited = true
	return d
}

// MaxFileSize is FileSizeLimit with a human readable size such as "4MB"
// (binary units). A malformed size is reported when the registry is built.
func (d Definition) MaxFileSize(size string) Definition {
	n, err := units.RAMInBytes(size)
	if err != nil {
		d.err = fmt.Errorf("route %q: max file size: %w", d.name, err)
		return d
	}
	return d.FileSizeLimit(n)
}

// Temporary marks uploads so that they expire unless confirmed.
func (d Definition) Temporary() Definition {
	d.temporary = true
	return d
}

func (d Definition) Input(v InputValidator) Definition {
	d.input = v
	return d
}

func (d Definition) Middleware(fn MiddlewareFunc) Definition {
	d.middleware = fn
	return d
}

func (d Definition) Path(fn PathFunc) Definition {
	d.path = fn
	return d
}

func (d Definition) Name() string {
	return d.name
}

func (d Definition) MimeTypes() []string {
	return append([]string(nil), d.mimeTypes...)
}

// SizeLimit returns the limit and whether one is set.
func (d Definition) SizeLimit() (int64, bool) {
	return d.sizeLimit, d.limited
}

func (d Definition) IsTemporary() bool {
	return d.temporary
}

// Accepts reports whether the mime type matches one of the allowed
// patterns. A route without patterns accepts everything.
func (d Definition) Accepts(mimeType string) bool {
	if d.mimeTypes == nil {
		return true
	}
	for _, p := range d.mimeTypes {
		if ok, err := doublestar.Match(p, mimeType); err == nil && ok {
			return true
		}
	}
	return false
}

// Exceeds reports whether size is over the route limit.
func (d Definition) Exceeds(size int64) bool {
	return d.limited && size > d.sizeLimit
}

// ParseInput runs the input validator. Routes without one yield nil.
func (d Definition) ParseInput(raw json.RawMessage) (any, error) {
	if d.input == nil {
		return nil, nil
	}
	return d.input.Parse(raw)
}

// HasMiddleware reports whether a middleware is declared.
func (d Definition) HasMiddleware() bool {
	return d.middleware != nil
}

func (d Definition) RunMiddleware(ctx context.Context, input any, r *http.Request) (any, error) {
	if d.middleware == nil {
		return nil, nil
	}
	return d.middleware(ctx, input, r)
}

// Directory computes /{route}/{segments...} for the given input and context.
func (d Definition) Directory(ctx context.Context, input any, rctx any) (string, error) {
	if d.path == nil {
		return "/" + d.name, nil
	}
	segments, err := d.path(ctx, input, rctx)
	if err != nil {
		return "", err
	}
	return JoinPath(d.name, segments)
}

func (d Definition) validate() error {
	if d.err != nil {
		return d.err
	}
	if !SegmentValid(d.name) {
		return fmt.Errorf("route name %q is not a valid path segment", d.name)
	}
	if d.limited && d.sizeLimit <= 0 {
		return fmt.Errorf("route %q: file size limit must be positive, got %d", d.name, d.sizeLimit)
	}
	if d.mimeTypes != nil && len(d.mimeTypes) == 0 {
		return fmt.Errorf("route %q: empty list of allowed mime types", d.name)
	}
	for _, p := range d.mimeTypes {
		if err := validateMimePattern(p); err != nil {
			return fmt.Errorf("route %q: %w", d.name, err)
		}
	}
	return nil
}
