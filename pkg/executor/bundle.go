/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/patrickmn/go-cache"

	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
	"github.com/wewatchwall/stark-orchestrator/pkg/errs"
	"github.com/wewatchwall/stark-orchestrator/pkg/transport"
)

// BundleSource resolves a Pack to its executable bundle bytes
// (spec.md §4.3 "Bundle acquisition").
type BundleSource struct {
	BundleDir       string
	HTTPClient      transport.HTTPClient
	OrchestratorURL string

	mu        sync.RWMutex
	authToken string

	downloaded *cache.Cache // packId@version -> local file path, never expires
}

// NewBundleSource constructs a BundleSource rooted at bundleDir.
func NewBundleSource(bundleDir string, client transport.HTTPClient, orchestratorURL, authToken string) *BundleSource {
	return &BundleSource{
		BundleDir:       bundleDir,
		HTTPClient:      client,
		OrchestratorURL: orchestratorURL,
		authToken:       authToken,
		downloaded:      cache.New(cache.NoExpiration, cache.NoExpiration),
	}
}

// AuthToken returns the bearer token currently used for storage: fetches.
func (b *BundleSource) AuthToken() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.authToken
}

// UpdateAuthToken swaps the bearer token used for storage: fetches in
// place, so a Node Agent token refresh takes effect immediately without
// reconnecting or rebuilding the executor (spec.md §4.4 "Token refresh").
func (b *BundleSource) UpdateAuthToken(token string) {
	b.mu.Lock()
	b.authToken = token
	b.mu.Unlock()
}

// Resolve returns the bundle bytes for pack, using bundleContent
// verbatim if present, else resolving bundlePath per spec.md §4.3.
func (b *BundleSource) Resolve(ctx context.Context, pack *v1.Pack) ([]byte, error) {
	if len(pack.BundleContent) > 0 {
		return pack.BundleContent, nil
	}
	path := pack.BundlePath
	switch {
	case strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://"):
		return b.downloadAndCache(ctx, pack, func(ctx context.Context) ([]byte, error) {
			body, status, err := transport.Get(ctx, b.HTTPClient, path, "")
			if err != nil {
				return nil, err
			}
			if status >= 300 {
				return nil, fmt.Errorf("bundle download %s: status %d", path, status)
			}
			return body, nil
		})
	case strings.HasPrefix(path, "storage:"):
		key := strings.TrimPrefix(path, "storage:")
		url := strings.TrimRight(b.OrchestratorURL, "/") + "/api/storage/" + key
		return b.downloadAndCache(ctx, pack, func(ctx context.Context) ([]byte, error) {
			body, status, err := transport.Get(ctx, b.HTTPClient, url, b.AuthToken())
			if err != nil {
				return nil, err
			}
			if status >= 300 {
				return nil, fmt.Errorf("storage fetch %s: status %d", key, status)
			}
			return body, nil
		})
	case filepath.IsAbs(path):
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Wrap(errs.TransientIO, "reading bundle file", err)
		}
		return data, nil
	default:
		data, err := os.ReadFile(filepath.Join(b.BundleDir, path))
		if err != nil {
			return nil, errs.Wrap(errs.TransientIO, "reading relative bundle file", err)
		}
		return data, nil
	}
}

// downloadAndCache fetches a remote bundle via fetch, writing it under
// bundleDir/downloads/<packId>-<version>.js and reusing the cached file
// on subsequent calls within the process or across process restarts.
func (b *BundleSource) downloadAndCache(ctx context.Context, pack *v1.Pack, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	cacheKey := pack.Id + "@" + pack.Version
	downloadDir := filepath.Join(b.BundleDir, "downloads")
	localPath := filepath.Join(downloadDir, fmt.Sprintf("%s-%s.js", pack.Id, pack.Version))

	if _, ok := b.downloaded.Get(cacheKey); ok {
		if data, err := os.ReadFile(localPath); err == nil {
			return data, nil
		}
	}
	if data, err := os.ReadFile(localPath); err == nil {
		b.downloaded.Set(cacheKey, localPath, cache.NoExpiration)
		return data, nil
	}

	var data []byte
	err := retry.Do(
		func() error {
			var fetchErr error
			data, fetchErr = fetch(ctx)
			return fetchErr
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(250*time.Millisecond),
	)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "downloading bundle", err)
	}

	if mkErr := os.MkdirAll(downloadDir, 0o755); mkErr == nil {
		_ = os.WriteFile(localPath, data, 0o644)
		b.downloaded.Set(cacheKey, localPath, cache.NoExpiration)
	}
	return data, nil
}
