package v1

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pieter-berkel/storageflow/core"
	"github.com/pieter-berkel/storageflow/protocol"
	"github.com/rs/zerolog"
)

const (
	RequestUploadPath           = "/request-upload"
	CompleteMultipartUploadPath = "/complete-multipart-upload"
	ConfirmPath                 = "/confirm"
	DeletePath                  = "/delete"
	CopyPath                    = "/copy"
	ListPath                    = "/list"
	HealthPath                  = "/health"
)

var defaultMaxBodySize int64 = 1 << 20 // 1MB

// Service is the storage core the controller exposes over HTTP.
type Service interface {
	RequestUpload(ctx context.Context, args core.RequestUploadArgs) (*protocol.TransferPlan, error)
	CompleteMultipartUpload(ctx context.Context, body protocol.CompleteMultipartUploadBody) error
	Confirm(ctx context.Context, body protocol.ConfirmBody) error
	Delete(ctx context.Context, body protocol.DeleteBody) error
	Copy(ctx context.Context, body protocol.CopyBody) (string, error)
	List(ctx context.Context, args core.ListArgs) ([]string, error)
}

type Options struct {
	MaxBodySize int64
}

type Option func(*Options)

// WithMaxBodySize limits the size of JSON request bodies.
func WithMaxBodySize(n int64) Option {
	return func(o *Options) {
		o.MaxBodySize = n
	}
}

func NewController(s Service, opts ...Option) Controller {
	o := Options{
		MaxBodySize: defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return Controller{
		service:     s,
		maxBodySize: o.MaxBodySize,
	}
}

type Controller struct {
	service     Service
	maxBodySize int64
}

func (c *Controller) RequestUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body protocol.RequestUploadBody
		if err := c.decode(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}

		plan, err := c.service.RequestUpload(r.Context(), core.RequestUploadArgs{
			Body:    body,
			Request: r,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeSuccess(w, r, plan)
	}
}

func (c *Controller) CompleteMultipartUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body protocol.CompleteMultipartUploadBody
		if err := c.decode(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		if err := c.service.CompleteMultipartUpload(r.Context(), body); err != nil {
			writeError(w, r, err)
			return
		}
		writeSuccess(w, r, nil)
	}
}

func (c *Controller) Confirm() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body protocol.ConfirmBody
		if err := c.decode(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		if err := c.service.Confirm(r.Context(), body); err != nil {
			writeError(w, r, err)
			return
		}
		writeSuccess(w, r, nil)
	}
}

func (c *Controller) Delete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body protocol.DeleteBody
		if err := c.decode(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		if err := c.service.Delete(r.Context(), body); err != nil {
			writeError(w, r, err)
			return
		}
		writeSuccess(w, r, nil)
	}
}

func (c *Controller) Copy() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body protocol.CopyBody
		if err := c.decode(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		u, err := c.service.Copy(r.Context(), body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeSuccess(w, r, protocol.CopyResponse{URL: u})
	}
}

func (c *Controller) List() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body protocol.ListBody
		if err := c.decode(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		urls, err := c.service.List(r.Context(), core.ListArgs{
			Body:    body,
			Request: r,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeSuccess(w, r, protocol.ListResponse{URLs: urls})
	}
}

func (c *Controller) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func (c *Controller) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, c.maxBodySize)
	defer r.Body.Close()

	err := json.NewDecoder(r.Body).Decode(v)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &tooLarge):
		return protocol.NewError(protocol.KindBadRequest, "request body exceeds %d bytes", tooLarge.Limit)
	case errors.Is(err, io.EOF):
		return protocol.NewError(protocol.KindBadRequest, "request body is empty")
	default:
		return protocol.WrapError(protocol.KindBadRequest, err, "invalid request body: %s", err.Error())
	}
}

func writeSuccess(w http.ResponseWriter, r *http.Request, v any) {
	b, err := protocol.EncodeSuccess(v)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := protocol.NewErrorResponse(err)
	status := resp.Name.StatusCode()

	log := zerolog.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request rejected")
	}

	b, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}
