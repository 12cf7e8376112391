package diskstore

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/pieter-berkel/storageflow/blob"
	"github.com/pieter-berkel/storageflow/protocol"
	"github.com/rs/zerolog"
)

// ServeHTTP accepts signed PUT uploads and serves stored objects. It must
// be mounted so that the request path is the object key, e.g. with
// http.StripPrefix("/files", store).
func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")
	if err := checkKey(key); err != nil {
		writeError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.serveObject(w, r, key)
	case http.MethodPut:
		s.receive(w, r, key)
	default:
		w.Header().Set("Allow", "GET, HEAD, PUT")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Store) serveObject(w http.ResponseWriter, r *http.Request, key string) {
	m, err := s.readMeta(key)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := os.Open(s.objectFile(key))
	if err != nil {
		writeError(w, protocol.WrapError(protocol.KindNotFound, err, "object %s not found", key))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", m.ContentType)
	http.ServeContent(w, r, key, m.CreatedAt, f)
}

func (s *Store) receive(w http.ResponseWriter, r *http.Request, key string) {
	log := zerolog.Ctx(r.Context())
	q := r.URL.Query()
	if err := s.verify(key, q); err != nil {
		writeError(w, err)
		return
	}

	size, err := strconv.ParseInt(q.Get("size"), 10, 64)
	if err != nil {
		writeError(w, protocol.NewError(protocol.KindBadRequest, "invalid size"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, size)

	if uploadID := q.Get("uploadId"); uploadID != "" {
		s.receivePart(w, r, key, uploadID, q.Get("partNumber"))
		return
	}

	temporary := r.Header.Get(blob.TaggingHeader) == blob.TemporaryTag
	h := md5.New()
	n, err := s.writeObject(key, io.TeeReader(r.Body, h), size, metadata{
		ContentType: r.Header.Get("Content-Type"),
		Temporary:   temporary,
	})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to store upload")
		writeBodyError(w, err)
		return
	}

	log.Debug().Str("key", key).Int64("size", n).Bool("temporary", temporary).Msg("object stored")
	w.Header().Set("ETag", `"`+hex.EncodeToString(h.Sum(nil))+`"`)
	w.WriteHeader(http.StatusOK)
}

func (s *Store) receivePart(w http.ResponseWriter, r *http.Request, key, uploadID, partNumber string) {
	sess, ok := s.sessions.Find(uploadID)
	if !ok || sess.Key != key {
		writeError(w, protocol.NewError(protocol.KindNotFound, "upload %s not found", uploadID))
		return
	}
	n, err := strconv.Atoi(partNumber)
	if err != nil || n < 1 || n > sess.Parts {
		writeError(w, protocol.NewError(protocol.KindBadRequest, "invalid part number %q", partNumber))
		return
	}

	h := md5.New()
	if _, err := writeFileAtomic(s.partFile(uploadID, n), io.TeeReader(r.Body, h)); err != nil {
		writeBodyError(w, err)
		return
	}
	w.Header().Set("ETag", `"`+hex.EncodeToString(h.Sum(nil))+`"`)
	w.WriteHeader(http.StatusOK)
}

func md5File(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, protocol.NewError(protocol.KindFileLimitExceeded, "body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, err)
}

func writeError(w http.ResponseWriter, err error) {
	pe := protocol.AsError(err)
	http.Error(w, fmt.Sprintf("%s: %s", pe.Kind, pe.Message), pe.StatusCode())
}
