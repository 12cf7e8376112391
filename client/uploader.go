// Package client uploads files through storage routes: it negotiates a
// transfer plan, moves the bytes to the presigned urls and finalizes
// multipart uploads.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/go-units"
	"github.com/pieter-berkel/storageflow/blob"
	"github.com/pieter-berkel/storageflow/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds configuration for the part uploader.
type Config struct {
	// Concurrency is the maximum number of parts uploaded at once.
	// Default: 5
	Concurrency int

	// Attempts is the number of tries per part, the first one included.
	// Default: 3
	Attempts int

	// RetryDelay is the pause between two attempts of a part.
	// Default: 5 seconds
	RetryDelay time.Duration

	// HungThreshold cancels and retries an attempt running longer than the
	// average part upload by this amount. Zero disables hung detection.
	HungThreshold time.Duration

	// RateLimit caps part attempts started per second. Zero means no limit.
	RateLimit rate.Limit

	// HTTPClient performs the uploads to the presigned urls.
	HTTPClient *http.Client

	Logger *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Concurrency: 5,
		Attempts:    3,
		RetryDelay:  5 * time.Second,
	}
}

// DefaultHTTPClient creates an HTTP client for part uploads. It has no
// overall timeout; attempts are bounded by their context.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

type Result struct {
	URL      string
	Filepath string
}

type uploadOptions struct {
	input    any
	progress ProgressFunc
}

type UploadOption func(*uploadOptions)

// WithInput sends v, encoded as JSON, as the route input.
func WithInput(v any) UploadOption {
	return func(o *uploadOptions) {
		o.input = v
	}
}

func WithProgress(fn ProgressFunc) UploadOption {
	return func(o *uploadOptions) {
		o.progress = fn
	}
}

type Uploader struct {
	negotiator Negotiator
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
	stats      *Stats
}

// NewUploader returns an uploader negotiating plans with n. Zero fields of
// cfg take their defaults.
func NewUploader(n Negotiator, cfg Config) *Uploader {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.HungThreshold < 0 {
		cfg.HungThreshold = 0
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	u := &Uploader{
		negotiator: n,
		config:     cfg,
		httpClient: httpClient,
		logger:     logger,
		stats:      NewStats(),
	}
	if cfg.RateLimit > 0 {
		u.limiter = rate.NewLimiter(cfg.RateLimit, 1)
	}
	return u
}

func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Upload negotiates a plan for f on the named route, transfers the bytes
// and finalizes the upload. A cancelled ctx yields an ABORTED error and
// the multipart upload is never completed.
func (u *Uploader) Upload(ctx context.Context, routeName string, f *File, opts ...UploadOption) (*Result, error) {
	var o uploadOptions
	for _, opt := range opts {
		opt(&o)
	}
	input, err := marshalInput(o.input)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindBadRequest, err, "%s", err.Error())
	}

	plan, err := u.negotiator.RequestUpload(ctx, protocol.RequestUploadBody{
		Route:    routeName,
		Input:    input,
		FileInfo: f.Info(),
	})
	if err != nil {
		return nil, abortedOr(ctx, err)
	}
	if err := plan.Validate(f.Size); err != nil {
		return nil, err
	}

	log := u.logger.With().Str("route", routeName).Str("filepath", plan.Filepath).Logger()
	log.Debug().
		Str("plan", string(plan.Type)).
		Str("size", units.HumanSize(float64(f.Size))).
		Msg("transfer plan received")

	switch plan.Type {
	case protocol.PlanSingle:
		tracker := newProgressTracker(1, o.progress)
		if err := u.uploadSingle(ctx, plan.Upload, f, tracker); err != nil {
			return nil, abortedOr(ctx, err)
		}
	case protocol.PlanMultipart:
		tracker := newProgressTracker(len(plan.Multipart.Parts), o.progress)
		parts, err := u.uploadParts(ctx, plan.Multipart, f, tracker)
		if err != nil {
			return nil, abortedOr(ctx, err)
		}
		if ctx.Err() != nil {
			return nil, aborted(ctx.Err())
		}
		err = u.negotiator.CompleteMultipartUpload(ctx, protocol.CompleteMultipartUploadBody{
			Route:    routeName,
			UploadID: plan.Multipart.UploadID,
			Filepath: plan.Filepath,
			Parts:    parts,
		})
		if err != nil {
			return nil, abortedOr(ctx, err)
		}
	}

	log.Debug().Str("url", plan.URL).Msg("upload finished")
	return &Result{URL: plan.URL, Filepath: plan.Filepath}, nil
}

func (u *Uploader) uploadSingle(ctx context.Context, up *protocol.SingleUpload, f *File, tracker *progressTracker) error {
	tracker.Update(0, 0)
	body := &progressReader{
		r:    f.section(0, f.Size),
		size: f.Size,
		report: func(p float64) {
			// 100 is reported once the store accepted the body
			tracker.Update(0, min(p, 99.99))
		},
	}
	headers := map[string]string{"Content-Type": f.Type}
	for k, v := range up.Headers {
		headers[k] = v
	}
	if _, err := u.put(ctx, up.URL, body, f.Size, headers); err != nil {
		return protocol.WrapError(protocol.KindUploadFailed, err, "upload failed: %s", err.Error())
	}
	tracker.Update(0, 100)
	return nil
}

// uploadParts uploads every part of the plan and returns the completed
// parts ordered by part number. The first part that runs out of attempts
// cancels all others.
func (u *Uploader) uploadParts(ctx context.Context, m *protocol.MultipartUpload, f *File, tracker *progressTracker) ([]protocol.CompletedPart, error) {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(u.config.Concurrency))

	var mu sync.Mutex
	completed := make([]protocol.CompletedPart, 0, len(m.Parts))

	for i, part := range m.Parts {
		tracker.Update(i, 0)
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			etag, err := u.uploadPartWithRetry(gctx, part, i, m.PartSize, f, tracker)
			if err != nil {
				return err
			}
			mu.Lock()
			completed = append(completed, protocol.CompletedPart{PartNumber: part.PartNumber, ETag: etag})
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil, aborted(ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	if len(completed) != len(m.Parts) {
		return nil, protocol.NewError(protocol.KindUploadFailed, "%d of %d parts uploaded", len(completed), len(m.Parts))
	}
	return protocol.SortParts(completed)
}

func (u *Uploader) uploadPartWithRetry(ctx context.Context, part protocol.Part, index int, partSize int64, f *File, tracker *progressTracker) (string, error) {
	offset, length := blob.PartRange(part.PartNumber, partSize, f.Size)
	log := u.logger.With().Int("part", part.PartNumber).Logger()

	var etag string
	attempt := 0
	operation := func() error {
		attempt++
		if u.limiter != nil {
			if err := u.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		log.Debug().
			Int("attempt", attempt).
			Int64("finished", u.stats.FinishedCount()).
			Dur("avg", u.stats.Average()).
			Msg("uploading part")

		start := time.Now()
		partCtx, cancelPart := context.WithCancel(ctx)
		defer cancelPart()
		if attempt < u.config.Attempts && u.config.HungThreshold > 0 {
			go u.detectHungUpload(partCtx, cancelPart, start, part.PartNumber)
		}

		body := &progressReader{
			r:    f.section(offset, length),
			size: length,
			report: func(p float64) {
				tracker.Update(index, min(p, 99.99))
			},
		}
		e, err := u.put(partCtx, part.UploadURL, body, length, nil)
		if err == nil && e == "" {
			err = errors.New("no ETag in response")
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("part upload failed")
			if attempt < u.config.Attempts {
				u.stats.retried()
			}
			return err
		}

		u.stats.Update(time.Since(start))
		etag = e
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(u.config.RetryDelay), uint64(u.config.Attempts-1)),
		ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", protocol.WrapError(protocol.KindUploadFailed, err,
			"part %d failed after %d attempts: %s", part.PartNumber, attempt, err.Error())
	}
	tracker.Update(index, 100)
	return etag, nil
}

const minHungCheckInterval = time.Millisecond

// detectHungUpload cancels the attempt once it runs HungThreshold longer
// than the average finished part.
func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, partNumber int) {
	interval := max(min(u.config.HungThreshold/2, time.Second), minHungCheckInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() == 0 {
				continue
			}
			elapsed := time.Since(start)
			avg := u.stats.Average()
			if elapsed-avg > u.config.HungThreshold {
				u.logger.Warn().
					Int("part", partNumber).
					Dur("elapsed", elapsed).
					Dur("avg", avg).
					Msg("found hung part upload, canceling request")
				cancel()
				return
			}
		}
	}
}

// put uploads body to a presigned url and returns the ETag header.
func (u *Uploader) put(ctx context.Context, url string, body io.Reader, size int64, headers map[string]string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(errorBody[:n]))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Header.Get("ETag"), nil
}

func aborted(cause error) error {
	return protocol.WrapError(protocol.KindAborted, cause, "upload aborted")
}

// abortedOr reports err as ABORTED when ctx was cancelled.
func abortedOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		var pe *protocol.Error
		if errors.As(err, &pe) && pe.Kind == protocol.KindAborted {
			return pe
		}
		return aborted(ctx.Err())
	}
	return err
}
