package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/chaptercast/chaptercast-backend/internal/config"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
)

// Purpose namespaces object keys by what the object is.
type Purpose string

const (
	PurposeUpload Purpose = "uploads"
	PurposeImage  Purpose = "images"
	PurposeAudio  Purpose = "audio"
	PurposeVideo  Purpose = "videos"
	PurposeBGM    Purpose = "bgm"
)

type ObjectAttrs struct {
	Size        int64
	ContentType string
	Updated     time.Time
	ETag        string
}

// ObjectStore is the blob surface the pipeline runs against. Only object
// keys are persisted on catalog rows; presigned URLs are computed on read.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	PresignRead(ctx context.Context, key string, ttl time.Duration) (string, error)
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	Attrs(ctx context.Context, key string) (*ObjectAttrs, error)
	Bucket() string
}

// BuildKey lays out keys as <purpose>/<user>/<yyyymmdd>/<uuid>.<ext>.
// Background music skips the date segment; those objects are long-lived
// user assets, not generation artifacts.
func BuildKey(purpose Purpose, userID uuid.UUID, ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(ext)), ".")
	leaf := uuid.New().String()
	if ext != "" {
		leaf = leaf + "." + ext
	}
	if purpose == PurposeBGM {
		return fmt.Sprintf("%s/%s/%s", purpose, userID, leaf)
	}
	return fmt.Sprintf("%s/%s/%s/%s", purpose, userID, time.Now().UTC().Format("20060102"), leaf)
}

type gcsStore struct {
	log          *logger.Logger
	client       *storage.Client
	bucket       string
	cdnDomain    string
	emulatorHost string
}

// New builds the GCS-backed store. With STORAGE_EMULATOR_HOST set the
// client skips authentication and reads go through the emulator's JSON
// API media endpoint.
func New(ctx context.Context, cfg config.Config, logg *logger.Logger) (ObjectStore, error) {
	storeLog := logg.With("component", "ObjectStore")

	var client *storage.Client
	var err error
	emulator := strings.TrimRight(strings.TrimSpace(cfg.StorageEmulator), "/")
	if emulator != "" {
		_ = os.Setenv("STORAGE_EMULATOR_HOST", emulator)
		client, err = storage.NewClient(ctx, option.WithoutAuthentication())
	} else {
		client, err = storage.NewClient(ctx, option.WithScopes(storage.ScopeReadWrite))
	}
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	storeLog.Info("object storage initialized",
		"bucket", cfg.BucketName,
		"emulator_host", emulator,
		"cdn_domain", cfg.CDNDomain,
	)

	return &gcsStore{
		log:          storeLog,
		client:       client,
		bucket:       cfg.BucketName,
		cdnDomain:    strings.TrimSpace(cfg.CDNDomain),
		emulatorHost: emulator,
	}, nil
}

func (s *gcsStore) Bucket() string { return s.bucket }

func (s *gcsStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx2)
	if contentType == "" {
		contentType = ContentTypeForKey(key)
	}
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return apierr.Transport("storage.put", fmt.Errorf("write %s: %w", key, err))
	}
	if err := w.Close(); err != nil {
		return apierr.Transport("storage.put", fmt.Errorf("close writer for %s: %w", key, err))
	}
	return nil
}

func (s *gcsStore) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	return s.Put(ctx, key, strings.NewReader(string(data)), contentType)
}

// readCloserWithCancel attaches the reader context's cancel to Close.
// Cancelling before the caller reads would truncate the stream to zero
// bytes, so the cancel must not be deferred inside Get.
type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

func (s *gcsStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if s.emulatorHost != "" {
		ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
		req, err := http.NewRequestWithContext(ctx2, http.MethodGet, s.emulatorMediaURL(key), nil)
		if err != nil {
			cancel()
			return nil, apierr.Transport("storage.get", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			cancel()
			return nil, apierr.Transport("storage.get", err)
		}
		if resp.StatusCode == http.StatusNotFound {
			_ = resp.Body.Close()
			cancel()
			return nil, apierr.NotFound("storage.get", "object "+key+" does not exist")
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			_ = resp.Body.Close()
			cancel()
			return nil, apierr.Transport("storage.get",
				fmt.Errorf("emulator read %s: status=%d body=%s", key, resp.StatusCode, strings.TrimSpace(string(body))))
		}
		return &readCloserWithCancel{ReadCloser: resp.Body, cancel: cancel}, nil
	}

	ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx2)
	if err != nil {
		cancel()
		if err == storage.ErrObjectNotExist {
			return nil, apierr.NotFound("storage.get", "object "+key+" does not exist")
		}
		return nil, apierr.Transport("storage.get", fmt.Errorf("open reader for %s: %w", key, err))
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

func (s *gcsStore) Delete(ctx context.Context, key string) error {
	ctx2, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx2)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil
		}
		return apierr.Transport("storage.delete", fmt.Errorf("delete %s: %w", key, err))
	}
	return nil
}

func (s *gcsStore) PresignRead(ctx context.Context, key string, ttl time.Duration) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", apierr.Validation("storage.presign", "empty key")
	}
	if s.emulatorHost != "" {
		return s.emulatorMediaURL(key), nil
	}
	if s.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", s.cdnDomain, key), nil
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	u, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", apierr.Transport("storage.presign", fmt.Errorf("sign %s: %w", key, err))
	}
	return u, nil
}

func (s *gcsStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	ctx2, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if limit <= 0 {
		limit = 1000
	}
	it := s.client.Bucket(s.bucket).Objects(ctx2, &storage.Query{Prefix: prefix})
	out := []string{}
	for len(out) < limit {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, apierr.Transport("storage.list", err)
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (s *gcsStore) Attrs(ctx context.Context, key string) (*ObjectAttrs, error) {
	ctx2, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx2)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, apierr.NotFound("storage.attrs", "object "+key+" does not exist")
		}
		return nil, apierr.Transport("storage.attrs", fmt.Errorf("attrs for %s: %w", key, err))
	}
	return &ObjectAttrs{
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		Updated:     attrs.Updated,
		ETag:        attrs.Etag,
	}, nil
}

func (s *gcsStore) emulatorMediaURL(key string) string {
	return fmt.Sprintf(
		"%s/storage/v1/b/%s/o/%s?alt=media",
		s.emulatorHost,
		url.PathEscape(s.bucket),
		url.PathEscape(key),
	)
}

// ContentTypeForKey guesses a content type from the key's extension.
func ContentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}
	switch {
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".jpg"), strings.HasSuffix(s, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(s, ".webp"):
		return "image/webp"
	case strings.HasSuffix(s, ".gif"):
		return "image/gif"
	case strings.HasSuffix(s, ".mp4"), strings.HasSuffix(s, ".m4v"):
		return "video/mp4"
	case strings.HasSuffix(s, ".webm"):
		return "video/webm"
	case strings.HasSuffix(s, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(s, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(s, ".m4a"), strings.HasSuffix(s, ".aac"):
		return "audio/aac"
	case strings.HasSuffix(s, ".ogg"):
		return "audio/ogg"
	case strings.HasSuffix(s, ".txt"):
		return "text/plain; charset=utf-8"
	case strings.HasSuffix(s, ".md"):
		return "text/markdown; charset=utf-8"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	case strings.HasSuffix(s, ".docx"):
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case strings.HasSuffix(s, ".epub"):
		return "application/epub+zip"
	default:
		return ""
	}
}
