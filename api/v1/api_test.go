package v1_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	. "github.com/pieter-berkel/storageflow/api/v1"
	"github.com/pieter-berkel/storageflow/core"
	"github.com/pieter-berkel/storageflow/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	plan    *protocol.TransferPlan
	err     error
	request *http.Request
	upload  protocol.RequestUploadBody
	deleted protocol.DeleteBody
}

func (s *fakeService) RequestUpload(_ context.Context, args core.RequestUploadArgs) (*protocol.TransferPlan, error) {
	s.upload = args.Body
	s.request = args.Request
	return s.plan, s.err
}

func (s *fakeService) CompleteMultipartUpload(context.Context, protocol.CompleteMultipartUploadBody) error {
	return s.err
}

func (s *fakeService) Confirm(context.Context, protocol.ConfirmBody) error {
	return s.err
}

func (s *fakeService) Delete(_ context.Context, body protocol.DeleteBody) error {
	s.deleted = body
	return s.err
}

func (s *fakeService) Copy(_ context.Context, body protocol.CopyBody) (string, error) {
	return "https://bucket/" + strings.TrimPrefix(body.Destination, "/"), s.err
}

func (s *fakeService) List(context.Context, core.ListArgs) ([]string, error) {
	return []string{"https://bucket/a"}, s.err
}

func newRouter(svc Service, opts ...Option) *mux.Router {
	ctrl := NewController(svc, opts...)
	router := mux.NewRouter()
	router.HandleFunc(RequestUploadPath, ctrl.RequestUpload()).Methods(http.MethodPost)
	router.HandleFunc(CompleteMultipartUploadPath, ctrl.CompleteMultipartUpload()).Methods(http.MethodPost)
	router.HandleFunc(ConfirmPath, ctrl.Confirm()).Methods(http.MethodPost)
	router.HandleFunc(DeletePath, ctrl.Delete()).Methods(http.MethodPost)
	router.HandleFunc(CopyPath, ctrl.Copy()).Methods(http.MethodPost)
	router.HandleFunc(ListPath, ctrl.List()).Methods(http.MethodPost)
	router.HandleFunc(HealthPath, ctrl.Health()).Methods(http.MethodGet)
	return router
}

func post(router http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRequestUpload(t *testing.T) {
	t.Run("A plan is returned flattened into a success envelope", func(t *testing.T) {
		svc := &fakeService{plan: &protocol.TransferPlan{
			Type:     protocol.PlanSingle,
			URL:      "https://bucket/avatars/a.png",
			Filepath: "/avatars/a.png",
			Upload:   &protocol.SingleUpload{URL: "https://bucket/avatars/a.png?sig"},
		}}
		w := post(newRouter(svc), RequestUploadPath,
			`{"route":"avatars","input":{"user":"x"},"fileInfo":{"name":"a.png","size":3,"type":"image/png"}}`)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var got map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "success", got["status"])
		assert.Equal(t, "single", got["type"])
		assert.Equal(t, "/avatars/a.png", got["filepath"])

		assert.Equal(t, "avatars", svc.upload.Route)
		assert.JSONEq(t, `{"user":"x"}`, string(svc.upload.Input))
		assert.NotNil(t, svc.request, "the middleware needs the incoming request")
	})

	t.Run("Service errors become error envelopes with the mapped status", func(t *testing.T) {
		svc := &fakeService{err: protocol.NewError(protocol.KindBadRequest, "invalid input").
			WithFields(protocol.FieldErrors{"user": {"required"}})}
		w := post(newRouter(svc), RequestUploadPath, `{"route":"avatars"}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t,
			`{"status":"error","name":"BAD_REQUEST","message":"invalid input","fields":{"user":["required"]}}`,
			w.Body.String())
	})

	t.Run("File limit errors are reported as 413", func(t *testing.T) {
		svc := &fakeService{err: protocol.NewError(protocol.KindFileLimitExceeded, "too big")}
		w := post(newRouter(svc), RequestUploadPath, `{"route":"avatars"}`)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("Unclassified errors are internal server errors", func(t *testing.T) {
		svc := &fakeService{err: assert.AnError}
		w := post(newRouter(svc), RequestUploadPath, `{"route":"avatars"}`)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		var resp protocol.ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, protocol.KindInternal, resp.Name)
	})

	t.Run("Malformed and empty bodies are bad requests", func(t *testing.T) {
		router := newRouter(&fakeService{})

		w := post(router, RequestUploadPath, `{"route":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = post(router, RequestUploadPath, ``)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "request body is empty")
	})

	t.Run("Bodies over the configured limit are rejected", func(t *testing.T) {
		router := newRouter(&fakeService{}, WithMaxBodySize(16))
		w := post(router, RequestUploadPath, `{"route":"avatars","fileInfo":{"name":"a.png"}}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestLifecycleEndpoints(t *testing.T) {
	t.Run("Operations without payload answer with a bare success envelope", func(t *testing.T) {
		router := newRouter(&fakeService{})
		for _, path := range []string{CompleteMultipartUploadPath, ConfirmPath, DeletePath} {
			w := post(router, path, `{"route":"avatars","url":"u"}`)
			assert.Equal(t, http.StatusOK, w.Code, path)
			assert.JSONEq(t, `{"status":"success"}`, w.Body.String(), path)
		}
	})

	t.Run("Delete accepts a single url and a list of urls", func(t *testing.T) {
		svc := &fakeService{}
		post(newRouter(svc), DeletePath, `{"route":"avatars","url":"a","urls":["b","c"]}`)
		assert.Equal(t, []string{"a", "b", "c"}, svc.deleted.All())
	})

	t.Run("Copy returns the url of the copy", func(t *testing.T) {
		w := post(newRouter(&fakeService{}), CopyPath, `{"route":"avatars","source":"s","destination":"/avatars/b.png"}`)
		assert.JSONEq(t, `{"status":"success","url":"https://bucket/avatars/b.png"}`, w.Body.String())
	})

	t.Run("List returns the urls", func(t *testing.T) {
		w := post(newRouter(&fakeService{}), ListPath, `{"route":"avatars"}`)
		assert.JSONEq(t, `{"status":"success","urls":["https://bucket/a"]}`, w.Body.String())
	})

	t.Run("Not found errors use 404", func(t *testing.T) {
		svc := &fakeService{err: protocol.NewError(protocol.KindNotFound, "route x not found")}
		w := post(newRouter(svc), ConfirmPath, `{"route":"x","url":"u"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.JSONEq(t, `{"status":"error","name":"NOT_FOUND","message":"route x not found"}`, w.Body.String())
	})

	t.Run("Health answers ok", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, HealthPath, nil)
		w := httptest.NewRecorder()
		newRouter(&fakeService{}).ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", w.Body.String())
	})
}
