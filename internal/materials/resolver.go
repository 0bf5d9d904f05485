package materials

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/storage"
)

// Resolver materializes stored media references onto local disk so the
// ffmpeg stages can read them. Catalog rows normally persist bare object
// keys, but older rows and client-supplied fields may carry full
// presigned or public URLs; both forms resolve to the same object.
type Resolver struct {
	store storage.ObjectStore
	log   *logger.Logger
}

func NewResolver(store storage.ObjectStore, logg *logger.Logger) *Resolver {
	return &Resolver{store: store, log: logg.With("component", "MaterialResolver")}
}

// KeyFromReference reduces a stored reference to an object key.
//
// Accepted forms:
//   - bare key:            images/<user>/<date>/<uuid>.png
//   - public/signed URL:   https://storage.googleapis.com/<bucket>/<key>?X-Goog-...
//   - emulator media URL:  http://host/storage/v1/b/<bucket>/o/<escaped-key>?alt=media
//   - CDN URL:             https://cdn.example.com/<key>
func KeyFromReference(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", apierr.Validation("materials.resolve", "empty media reference")
	}
	if !strings.Contains(ref, "://") {
		return strings.TrimLeft(ref, "/"), nil
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", apierr.Validation("materials.resolve", fmt.Sprintf("bad media reference %q", ref))
	}
	p := strings.TrimLeft(u.Path, "/")

	// Emulator JSON API path carries the key escaped after /o/.
	if i := strings.Index(p, "/o/"); i >= 0 && strings.HasPrefix(p, "storage/v1/b/") {
		key, err := url.PathUnescape(p[i+len("/o/"):])
		if err != nil {
			return "", apierr.Validation("materials.resolve", fmt.Sprintf("bad media reference %q", ref))
		}
		return key, nil
	}

	if u.Host == "storage.googleapis.com" {
		// First segment is the bucket.
		if j := strings.Index(p, "/"); j >= 0 {
			p = p[j+1:]
		}
	}
	key, err := url.PathUnescape(p)
	if err != nil {
		return "", apierr.Validation("materials.resolve", fmt.Sprintf("bad media reference %q", ref))
	}
	if key == "" {
		return "", apierr.Validation("materials.resolve", fmt.Sprintf("media reference %q has no key", ref))
	}
	return key, nil
}

// Fetch downloads the referenced object into destDir and returns the
// local path. The file name keeps the key's leaf so extensions survive
// for tools that sniff them.
func (r *Resolver) Fetch(ctx context.Context, ref, destDir string) (string, error) {
	key, err := KeyFromReference(ref)
	if err != nil {
		return "", err
	}
	rc, err := r.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	local := filepath.Join(destDir, filepath.Base(key))
	f, err := os.Create(local)
	if err != nil {
		return "", apierr.Internal("materials.fetch", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		_ = os.Remove(local)
		return "", apierr.Transport("materials.fetch", fmt.Errorf("download %s: %w", key, err))
	}
	if err := f.Close(); err != nil {
		return "", apierr.Internal("materials.fetch", err)
	}
	return local, nil
}

// FetchBytes reads the referenced object fully into memory. Meant for
// small assets like cover images; video and audio go through Fetch.
func (r *Resolver) FetchBytes(ctx context.Context, ref string) ([]byte, error) {
	key, err := KeyFromReference(ref)
	if err != nil {
		return nil, err
	}
	rc, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, apierr.Transport("materials.fetch", fmt.Errorf("download %s: %w", key, err))
	}
	return data, nil
}
