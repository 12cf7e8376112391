// Package core implements the server side of the upload protocol on top of
// a route registry and a blob store.
package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pieter-berkel/storageflow/blob"
	"github.com/pieter-berkel/storageflow/protocol"
	"github.com/pieter-berkel/storageflow/route"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/pieter-berkel/storageflow/core"

type Option func(*Service)

// WithSuffixGenerator replaces RandomSuffix, mostly for tests.
func WithSuffixGenerator(fn SuffixGenerator) Option {
	return func(s *Service) {
		s.suffix = fn
	}
}

func WithMeter(m metric.Meter) Option {
	return func(s *Service) {
		s.meter = m
	}
}

type Service struct {
	routes *route.Registry
	store  blob.Store
	suffix SuffixGenerator

	meter    metric.Meter
	requests metric.Int64Counter
	failures metric.Int64Counter
}

func NewService(routes *route.Registry, store blob.Store, opts ...Option) *Service {
	s := &Service{
		routes: routes,
		store:  store,
		suffix: RandomSuffix,
		meter:  otel.Meter(meterName),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	s.requests, err = s.meter.Int64Counter("storageflow.upload.requests",
		metric.WithDescription("Number of storage operations handled"))
	if err != nil {
		s.requests = noop.Int64Counter{}
	}
	s.failures, err = s.meter.Int64Counter("storageflow.upload.errors",
		metric.WithDescription("Number of storage operations that failed"))
	if err != nil {
		s.failures = noop.Int64Counter{}
	}
	return s
}

// RequestUploadArgs carries a request-upload call. Request is the incoming
// HTTP request handed to the route middleware. Server side callers without
// a request pass the middleware result directly in Context.
type RequestUploadArgs struct {
	Body    protocol.RequestUploadBody
	Request *http.Request
	Context any
}

// ListArgs mirrors RequestUploadArgs for List.
type ListArgs struct {
	Body    protocol.ListBody
	Request *http.Request
	Context any
}

// RequestUpload validates the request against its route and returns the
// plan produced by the store. Validation stops at the first failing step
// and nothing is reserved in the store before every step passed.
func (s *Service) RequestUpload(ctx context.Context, args RequestUploadArgs) (plan *protocol.TransferPlan, err error) {
	body := args.Body
	defer func() { s.record(ctx, "request_upload", body.Route, err) }()

	def, err := s.lookup(body.Route)
	if err != nil {
		return nil, err
	}

	fi := body.FileInfo
	if fe := fi.Validate(); fe != nil {
		return nil, protocol.NewError(protocol.KindBadRequest, "invalid file info: %s", fe).WithFields(fe)
	}
	if !def.Accepts(fi.Type) {
		return nil, protocol.NewError(protocol.KindBadRequest, "file type %s is not accepted", fi.Type)
	}
	if def.Exceeds(fi.Size) {
		limit, _ := def.SizeLimit()
		return nil, protocol.NewError(protocol.KindFileLimitExceeded,
			"file size %d is larger than max size %d", fi.Size, limit)
	}

	input, err := def.ParseInput(body.Input)
	if err != nil {
		return nil, inputError(err)
	}
	rctx, err := s.authorize(ctx, def, input, args.Request, args.Context)
	if err != nil {
		return nil, err
	}
	dir, err := def.Directory(ctx, input, rctx)
	if err != nil {
		return nil, pathError(err)
	}

	filename := UniqueFilename(fi.Name, s.suffix())
	req := blob.UploadRequest{
		FileInfo:  fi,
		Filename:  filename,
		Filepath:  dir + "/" + filename,
		Temporary: def.IsTemporary(),
	}
	plan, err = s.store.RequestUpload(ctx, req)
	if err != nil {
		return nil, storeError(err, "failed to request upload")
	}

	zerolog.Ctx(ctx).Debug().
		Str("route", def.Name()).
		Str("filepath", req.Filepath).
		Str("plan", string(plan.Type)).
		Int64("size", fi.Size).
		Msg("upload requested")
	return plan, nil
}

// CompleteMultipartUpload validates and orders the parts, then asks the
// store to assemble them.
func (s *Service) CompleteMultipartUpload(ctx context.Context, body protocol.CompleteMultipartUploadBody) (err error) {
	defer func() { s.record(ctx, "complete_multipart_upload", body.Route, err) }()

	def, err := s.lookup(body.Route)
	if err != nil {
		return err
	}
	if body.UploadID == "" {
		return protocol.NewError(protocol.KindBadRequest, "upload id is required")
	}
	if !strings.HasPrefix(body.Filepath, "/"+def.Name()+"/") {
		return protocol.NewError(protocol.KindBadRequest, "filepath %s is not part of route %s", body.Filepath, def.Name())
	}
	parts, err := protocol.SortParts(body.Parts)
	if err != nil {
		return err
	}

	if err := s.store.CompleteMultipartUpload(ctx, body.UploadID, body.Filepath, parts); err != nil {
		return storeError(err, "failed to complete multipart upload")
	}
	zerolog.Ctx(ctx).Debug().
		Str("route", def.Name()).
		Str("upload_id", body.UploadID).
		Int("parts", len(parts)).
		Msg("multipart upload completed")
	return nil
}

// Confirm keeps a temporary upload. Confirming twice is not an error.
func (s *Service) Confirm(ctx context.Context, body protocol.ConfirmBody) (err error) {
	defer func() { s.record(ctx, "confirm", body.Route, err) }()

	if _, err := s.lookup(body.Route); err != nil {
		return err
	}
	if body.URL == "" {
		return protocol.NewError(protocol.KindBadRequest, "url is required")
	}
	if err := s.store.Confirm(ctx, body.URL); err != nil {
		return storeError(err, "failed to confirm %s", body.URL)
	}
	return nil
}

// Delete removes every given url. Failures do not stop the batch and are
// reported together as one error.
func (s *Service) Delete(ctx context.Context, body protocol.DeleteBody) (err error) {
	defer func() { s.record(ctx, "delete", body.Route, err) }()

	if _, err := s.lookup(body.Route); err != nil {
		return err
	}
	urls := body.All()
	if len(urls) == 0 {
		return protocol.NewError(protocol.KindBadRequest, "no urls given")
	}

	err = s.store.Delete(ctx, urls...)
	var merr *multierror.Error
	if errors.As(err, &merr) {
		msgs := make([]string, len(merr.Errors))
		for i, e := range merr.Errors {
			msgs[i] = e.Error()
		}
		return protocol.WrapError(protocol.KindInternal, err,
			"failed to delete %d of %d files: %s", len(msgs), len(urls), strings.Join(msgs, "; "))
	}
	if err != nil {
		return storeError(err, "failed to delete files")
	}
	return nil
}

// Copy duplicates the object at source to the absolute destination path
// and returns the url of the copy.
func (s *Service) Copy(ctx context.Context, body protocol.CopyBody) (u string, err error) {
	defer func() { s.record(ctx, "copy", body.Route, err) }()

	if _, err := s.lookup(body.Route); err != nil {
		return "", err
	}
	if body.Source == "" {
		return "", protocol.NewError(protocol.KindBadRequest, "source is required")
	}
	if err := route.ValidatePath(body.Destination); err != nil {
		return "", protocol.WrapError(protocol.KindBadRequest, err, "%s", err.Error())
	}

	u, err = s.store.Copy(ctx, body.Source, body.Destination)
	if err != nil {
		return "", storeError(err, "failed to copy %s", body.Source)
	}
	return u, nil
}

// List returns the urls stored in the directory the route computes for
// the given input, running the middleware like RequestUpload does.
func (s *Service) List(ctx context.Context, args ListArgs) (urls []string, err error) {
	body := args.Body
	defer func() { s.record(ctx, "list", body.Route, err) }()

	def, err := s.lookup(body.Route)
	if err != nil {
		return nil, err
	}
	input, err := def.ParseInput(body.Input)
	if err != nil {
		return nil, inputError(err)
	}
	rctx, err := s.authorize(ctx, def, input, args.Request, args.Context)
	if err != nil {
		return nil, err
	}
	dir, err := def.Directory(ctx, input, rctx)
	if err != nil {
		return nil, pathError(err)
	}

	urls, err = s.store.List(ctx, dir)
	if err != nil {
		return nil, storeError(err, "failed to list %s", dir)
	}
	return urls, nil
}

func (s *Service) lookup(name string) (route.Definition, error) {
	def, ok := s.routes.Lookup(name)
	if !ok {
		return route.Definition{}, protocol.NewError(protocol.KindNotFound, "route %s not found", name)
	}
	return def, nil
}

// authorize runs the route middleware when there is a request to run it
// against. Otherwise the caller supplied context is used as is.
func (s *Service) authorize(ctx context.Context, def route.Definition, input any, r *http.Request, supplied any) (any, error) {
	if r == nil || !def.HasMiddleware() {
		return supplied, nil
	}
	rctx, err := def.RunMiddleware(ctx, input, r)
	if err != nil {
		var pe *protocol.Error
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, protocol.WrapError(protocol.KindUnauthorized, err, "%s", err.Error())
	}
	return rctx, nil
}

func (s *Service) record(ctx context.Context, op, routeName string, err error) {
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("route", routeName),
	)
	s.requests.Add(ctx, 1, attrs)
	if err == nil {
		return
	}
	s.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("route", routeName),
		attribute.String("kind", string(protocol.KindOf(err))),
	))
	zerolog.Ctx(ctx).Debug().Err(err).Str("operation", op).Str("route", routeName).Msg("storage operation failed")
}

func inputError(err error) error {
	var fe protocol.FieldErrors
	if errors.As(err, &fe) {
		return protocol.NewError(protocol.KindBadRequest, "invalid input: %s", fe).WithFields(fe)
	}
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe
	}
	return protocol.WrapError(protocol.KindBadRequest, err, "invalid input: %s", err.Error())
}

func pathError(err error) error {
	var se *route.InvalidSegmentError
	if errors.As(err, &se) {
		return protocol.WrapError(protocol.KindInternal, err, "%s", se.Error())
	}
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe
	}
	return protocol.WrapError(protocol.KindInternal, err, "path error: %s", err.Error())
}

// storeError keeps errors the store already classified and hides the
// details of everything else behind msg.
func storeError(err error, format string, args ...any) error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe
	}
	return protocol.WrapError(protocol.KindInternal, err, format, args...)
}
