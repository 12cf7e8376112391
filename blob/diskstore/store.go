// Package diskstore implements blob.Store on the local file system. It
// signs its own upload urls and serves them through Handler, which makes it
// usable as a development backend and in tests.
package diskstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pieter-berkel/storageflow/blob"
	"github.com/pieter-berkel/storageflow/protocol"
	"github.com/rs/zerolog"
)

type Config struct {
	Dir string
	// PublicURL is where Handler is mounted, e.g. http://localhost:8080/files.
	PublicURL string
	// Secret signs upload urls. A random secret is generated when empty.
	Secret        []byte
	PresignExpiry time.Duration
}

type Store struct {
	dir      string
	baseURL  string
	secret   []byte
	expiry   time.Duration
	now      func() time.Time
	sessions *sessions
}

type metadata struct {
	ContentType string    `json:"contentType"`
	Temporary   bool      `json:"temporary"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, protocol.NewError(protocol.KindMissingEnv, "disk store directory is required")
	}
	if cfg.PublicURL == "" {
		return nil, protocol.NewError(protocol.KindMissingEnv, "disk store public url is required")
	}
	for _, sub := range []string{"objects", "meta", "multipart"} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}

	secret := cfg.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = blob.DefaultPresignExpiry
	}
	return &Store{
		dir:      cfg.Dir,
		baseURL:  strings.TrimSuffix(cfg.PublicURL, "/"),
		secret:   secret,
		expiry:   expiry,
		now:      time.Now,
		sessions: newSessions(),
	}, nil
}

func (s *Store) RequestUpload(ctx context.Context, req blob.UploadRequest) (*protocol.TransferPlan, error) {
	key := blob.Key(req.Filepath)
	if err := checkKey(key); err != nil {
		return nil, err
	}
	objectURL := blob.ObjectURL(s.baseURL, key)
	expires := s.now().Add(s.expiry)

	if !blob.IsMultipart(req.FileInfo.Size) {
		var headers map[string]string
		if req.Temporary {
			headers = map[string]string{blob.TaggingHeader: blob.TemporaryTag}
		}
		u := s.sign(key, url.Values{
			"expires": {strconv.FormatInt(expires.Unix(), 10)},
			"size":    {strconv.FormatInt(req.FileInfo.Size, 10)},
		})
		return blob.NewSinglePlan(objectURL, req.Filepath, u, headers), nil
	}

	partSize, totalParts := blob.PlanParts(req.FileInfo.Size)
	sess := session{
		ID:          uuid.NewString(),
		Key:         key,
		ContentType: req.FileInfo.Type,
		Temporary:   req.Temporary,
		PartSize:    partSize,
		Parts:       totalParts,
		CreatedAt:   s.now(),
	}
	if err := os.MkdirAll(s.partDir(sess.ID), 0o755); err != nil {
		return nil, fmt.Errorf("create part dir: %w", err)
	}
	s.sessions.Save(sess)

	urls := make([]string, totalParts)
	for i := range urls {
		urls[i] = s.sign(key, url.Values{
			"expires":    {strconv.FormatInt(expires.Unix(), 10)},
			"size":       {strconv.FormatInt(partSize, 10)},
			"uploadId":   {sess.ID},
			"partNumber": {strconv.Itoa(i + 1)},
		})
	}

	zerolog.Ctx(ctx).Debug().
		Str("key", key).
		Str("upload_id", sess.ID).
		Int("parts", totalParts).
		Msg("multipart session created")

	return blob.NewMultipartPlan(objectURL, req.Filepath, sess.ID, partSize, urls), nil
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, uploadID, fp string, parts []protocol.CompletedPart) error {
	sess, ok := s.sessions.Find(uploadID)
	if !ok {
		return protocol.NewError(protocol.KindNotFound, "upload %s not found", uploadID)
	}
	if sess.Key != blob.Key(fp) {
		return protocol.NewError(protocol.KindBadRequest, "upload %s does not belong to %s", uploadID, fp)
	}

	files := make([]string, len(parts))
	for i, p := range parts {
		name := s.partFile(uploadID, p.PartNumber)
		sum, err := md5File(name)
		if errors.Is(err, fs.ErrNotExist) {
			return protocol.NewError(protocol.KindBadRequest, "part %d was not uploaded", p.PartNumber)
		}
		if err != nil {
			return fmt.Errorf("read part %d: %w", p.PartNumber, err)
		}
		if sum != strings.Trim(p.ETag, `"`) {
			return protocol.NewError(protocol.KindBadRequest, "part %d etag does not match", p.PartNumber)
		}
		files[i] = name
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	go func() {
		for _, name := range files {
			f, err := os.Open(name)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(pw, f)
			f.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	n, err := s.writeObject(sess.Key, pr, -1, metadata{
		ContentType: sess.ContentType,
		Temporary:   sess.Temporary,
	})
	if err != nil {
		return err
	}

	s.sessions.Remove(uploadID)
	if err := os.RemoveAll(s.partDir(uploadID)); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("upload_id", uploadID).Msg("failed to remove parts")
	}
	zerolog.Ctx(ctx).Debug().Str("key", sess.Key).Int64("size", n).Msg("multipart upload assembled")
	return nil
}

func (s *Store) Confirm(_ context.Context, objectURL string) error {
	key, err := s.keyFromURL(objectURL)
	if err != nil {
		return err
	}
	m, err := s.readMeta(key)
	if err != nil {
		return err
	}
	if !m.Temporary {
		return nil
	}
	m.Temporary = false
	return s.writeMeta(key, m)
}

func (s *Store) Delete(_ context.Context, urls ...string) error {
	var result *multierror.Error
	for _, u := range urls {
		key, err := s.keyFromURL(u)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		for _, name := range []string{s.objectFile(key), s.metaFile(key)} {
			if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
				result = multierror.Append(result, fmt.Errorf("delete %s: %w", key, err))
			}
		}
	}
	return result.ErrorOrNil()
}

func (s *Store) Copy(_ context.Context, sourceURL, destination string) (string, error) {
	srcKey, err := s.keyFromURL(sourceURL)
	if err != nil {
		return "", err
	}
	dstKey := blob.Key(destination)
	if err := checkKey(dstKey); err != nil {
		return "", err
	}

	m, err := s.readMeta(srcKey)
	if err != nil {
		return "", err
	}
	f, err := os.Open(s.objectFile(srcKey))
	if err != nil {
		return "", fmt.Errorf("open %s: %w", srcKey, err)
	}
	defer f.Close()

	if _, err := s.writeObject(dstKey, f, m.Size, m); err != nil {
		return "", err
	}
	return blob.ObjectURL(s.baseURL, dstKey), nil
}

func (s *Store) List(_ context.Context, dir string) ([]string, error) {
	prefix := blob.DirPrefix(dir)
	root := filepath.Join(s.dir, "objects", filepath.FromSlash(prefix))

	urls := []string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) {
			return filepath.SkipDir
		}
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(filepath.Join(s.dir, "objects"), p)
		if err != nil {
			return err
		}
		urls = append(urls, blob.ObjectURL(s.baseURL, filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(urls)
	return urls, nil
}

// AbortStale drops multipart sessions created more than olderThan ago
// together with their uploaded parts.
func (s *Store) AbortStale(ctx context.Context, olderThan time.Duration) (int, error) {
	aborted := 0
	for _, sess := range s.sessions.Older(s.now().Add(-olderThan)) {
		if err := os.RemoveAll(s.partDir(sess.ID)); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("upload_id", sess.ID).Msg("failed to remove stale parts")
			continue
		}
		s.sessions.Remove(sess.ID)
		aborted++
	}
	return aborted, nil
}

func (s *Store) keyFromURL(u string) (string, error) {
	key, err := blob.KeyFromURL(s.baseURL, u)
	if err != nil {
		return "", err
	}
	return key, checkKey(key)
}

// sign returns the upload url of key carrying q and a signature over both.
func (s *Store) sign(key string, q url.Values) string {
	q.Set("signature", s.signature(key, q))
	return blob.ObjectURL(s.baseURL, key) + "?" + q.Encode()
}

func (s *Store) signature(key string, q url.Values) string {
	c := url.Values{}
	for k, v := range q {
		if k != "signature" {
			c[k] = v
		}
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(key + "\n" + c.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Store) verify(key string, q url.Values) error {
	want := s.signature(key, q)
	if !hmac.Equal([]byte(want), []byte(q.Get("signature"))) {
		return protocol.NewError(protocol.KindForbidden, "invalid signature")
	}
	exp, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil || s.now().After(time.Unix(exp, 0)) {
		return protocol.NewError(protocol.KindForbidden, "upload url expired")
	}
	return nil
}

func (s *Store) objectFile(key string) string {
	return filepath.Join(s.dir, "objects", filepath.FromSlash(key))
}

func (s *Store) metaFile(key string) string {
	return filepath.Join(s.dir, "meta", filepath.FromSlash(key)+".json")
}

func (s *Store) partDir(uploadID string) string {
	return filepath.Join(s.dir, "multipart", uploadID)
}

func (s *Store) partFile(uploadID string, n int) string {
	return filepath.Join(s.partDir(uploadID), strconv.Itoa(n))
}

func (s *Store) readMeta(key string) (metadata, error) {
	var m metadata
	b, err := os.ReadFile(s.metaFile(key))
	if errors.Is(err, fs.ErrNotExist) {
		return m, protocol.NewError(protocol.KindNotFound, "object %s not found", key)
	}
	if err != nil {
		return m, fmt.Errorf("read metadata of %s: %w", key, err)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode metadata of %s: %w", key, err)
	}
	return m, nil
}

func (s *Store) writeMeta(key string, m metadata) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = writeFileAtomic(s.metaFile(key), bytes.NewReader(b))
	return err
}

// writeObject stores r under key and records m with the written size.
// A non-negative size must match the body length, otherwise the existing
// object is left untouched.
func (s *Store) writeObject(key string, r io.Reader, size int64, m metadata) (int64, error) {
	n, err := writeFileSized(s.objectFile(key), r, size)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", key, err)
	}
	m.Size = n
	m.CreatedAt = s.now()
	if err := s.writeMeta(key, m); err != nil {
		return n, fmt.Errorf("write metadata of %s: %w", key, err)
	}
	return n, nil
}

func writeFileAtomic(name string, r io.Reader) (int64, error) {
	return writeFileSized(name, r, -1)
}

// writeFileSized writes r to a temporary file and renames it over name only
// when its length matches size. A negative size accepts any length.
func writeFileSized(name string, r io.Reader, size int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), ".tmp-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if size >= 0 && n != size {
		return n, protocol.NewError(protocol.KindBadRequest, "expected %d bytes, got %d", size, n)
	}
	return n, os.Rename(tmp.Name(), name)
}

// checkKey rejects keys that would escape the store directory.
func checkKey(key string) error {
	if key == "" || path.Clean("/"+key) != "/"+key || strings.HasSuffix(key, "/") {
		return protocol.NewError(protocol.KindBadRequest, "invalid object key %q", key)
	}
	return nil
}
