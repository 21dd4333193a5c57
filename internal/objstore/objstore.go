// Package objstore keeps uploaded answer sheets on an afero filesystem and
// hands out signed or public URLs for them.
package objstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/pavelanni/sheetgrader/internal/apperr"
)

// KeyPrefix is prepended to every stored object key.
const KeyPrefix = "assignments/"

// allowedTypes maps accepted MIME types to their file extensions.
// The first extension is appended when a name lacks one.
var allowedTypes = map[string][]string{
	"application/pdf": {".pdf"},
	"image/jpeg":      {".jpg", ".jpeg"},
	"image/png":       {".png"},
}

// Store is a blob store rooted on an afero filesystem.
type Store struct {
	fs      afero.Fs
	baseURL string
	secret  []byte
	now     func() time.Time
}

// New returns a store on fs. baseURL is the externally reachable address
// of the HTTP server that serves /files and /public.
func New(fs afero.Fs, baseURL, secret string) *Store {
	return &Store{
		fs:      fs,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		now:     time.Now,
	}
}

// NewOS returns a store rooted at dir on the local filesystem.
func NewOS(dir, baseURL, secret string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &apperr.StorageError{Op: "init", Key: dir, Cause: err}
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir), baseURL, secret), nil
}

// DetectType resolves the MIME type of an upload from its declared type,
// falling back to the file extension.
func DetectType(name, declared string) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
		return mt
	}
	if mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); mt != "" {
		mt, _, _ = mime.ParseMediaType(mt)
		return mt
	}
	return declared
}

// Store writes data under a new key derived from name and returns the key.
func (s *Store) Store(ctx context.Context, data []byte, name, mimeType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &apperr.StorageError{Op: "store", Cause: err}
	}
	if len(data) == 0 {
		return "", &apperr.StorageError{Op: "store", Invalid: true, Cause: errors.New("empty file")}
	}
	mt := DetectType(name, mimeType)
	if _, ok := allowedTypes[mt]; !ok {
		return "", &apperr.StorageError{Op: "store", Invalid: true, Cause: fmt.Errorf("unsupported file type %q", mt)}
	}

	key := KeyPrefix + strconv.FormatInt(s.now().UnixNano(), 10) + "_" + sanitize(name, allowedTypes[mt])
	if err := s.fs.MkdirAll(path.Dir(key), 0o755); err != nil {
		return "", &apperr.StorageError{Op: "store", Key: key, Cause: err}
	}
	f, err := s.fs.OpenFile(key, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", &apperr.StorageError{Op: "store", Key: key, Cause: err}
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		s.fs.Remove(key)
		return "", &apperr.StorageError{Op: "store", Key: key, Cause: err}
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(key)
		return "", &apperr.StorageError{Op: "store", Key: key, Cause: err}
	}
	return key, nil
}

// sanitize keeps a safe base name and makes sure it carries one of exts.
func sanitize(name string, exts []string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		out = "sheet"
	}
	ext := strings.ToLower(filepath.Ext(out))
	for _, e := range exts {
		if ext == e {
			return out
		}
	}
	return out + exts[0]
}

// Open returns a reader for the object at key.
func (s *Store) Open(key string) (afero.File, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(key)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &apperr.NotFoundError{Resource: "object", ID: key}
	}
	if err != nil {
		return nil, &apperr.StorageError{Op: "open", Key: key, Cause: err}
	}
	return f, nil
}

// Delete removes the object at key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return &apperr.StorageError{Op: "delete", Key: key, Cause: err}
	}
	if err := validKey(key); err != nil {
		return err
	}
	if err := s.fs.Remove(key); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &apperr.NotFoundError{Resource: "object", ID: key}
		}
		return &apperr.StorageError{Op: "delete", Key: key, Cause: err}
	}
	return nil
}

func validKey(key string) error {
	if !strings.HasPrefix(key, KeyPrefix) || strings.Contains(key, "..") || path.Clean(key) != key {
		return &apperr.StorageError{Op: "resolve", Key: key, Invalid: true, Cause: errors.New("invalid key")}
	}
	return nil
}

// URLFor returns a URL for key that stops verifying after ttl.
func (s *Store) URLFor(key string, ttl time.Duration) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(key, expires))
	return s.baseURL + "/files/" + key + "?" + q.Encode(), nil
}

// PublicURLFor returns the unsigned URL for key.
func (s *Store) PublicURLFor(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return s.baseURL + "/public/" + key, nil
}

// VerifySignature checks a signed URL's expires and sig parameters.
func (s *Store) VerifySignature(key, expires, sig string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || s.now().Unix() > exp {
		return false
	}
	want := s.sign(key, exp)
	return hmac.Equal([]byte(want), []byte(sig))
}

func (s *Store) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(key))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
