package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrPluginNotFound is returned when no fetcher can locate a plugin.
var ErrPluginNotFound = errors.New("plugin not found")

// Fetcher resolves a plugin reference to its manifest and source code.
// A reference is either a plugin id (resolved against local plugin
// directories) or a URL.
type Fetcher interface {
	FetchManifest(ctx context.Context, ref string) (*Manifest, error)
	FetchSource(ctx context.Context, ref, entryPoint string) (string, error)
}

// manifestFileName is the descriptor each plugin directory carries.
const manifestFileName = "manifest.json"

// DirFetcher resolves plugin ids against a list of directories, first
// path wins. A plugin lives in <dir>/<id>/manifest.json with its entry
// point alongside.
type DirFetcher struct {
	paths []string
}

// NewDirFetcher creates a directory fetcher over the given search paths.
func NewDirFetcher(paths ...string) *DirFetcher {
	return &DirFetcher{paths: paths}
}

// Paths returns the configured search paths.
func (f *DirFetcher) Paths() []string {
	return append([]string(nil), f.paths...)
}

func (f *DirFetcher) find(ref string) (string, error) {
	// A ref is a directory name, never a path. Anything that could step
	// outside the search paths is treated as absent.
	if ref == "" || ref == "." || ref == ".." || strings.ContainsAny(ref, `/\`) {
		return "", fmt.Errorf("%w: %s", ErrPluginNotFound, ref)
	}
	for _, base := range f.paths {
		dir := filepath.Join(base, ref)
		if _, err := os.Stat(filepath.Join(dir, manifestFileName)); err == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPluginNotFound, ref)
}

// FetchManifest loads <dir>/<id>/manifest.json.
func (f *DirFetcher) FetchManifest(ctx context.Context, ref string) (*Manifest, error) {
	dir, err := f.find(ref)
	if err != nil {
		return nil, err
	}
	return LoadManifestFile(filepath.Join(dir, manifestFileName))
}

// FetchSource reads the entry point file from the plugin directory.
func (f *DirFetcher) FetchSource(ctx context.Context, ref, entryPoint string) (string, error) {
	dir, err := f.find(ref)
	if err != nil {
		return "", err
	}
	entry := filepath.Clean(entryPoint)
	if filepath.IsAbs(entry) || entry == ".." || strings.HasPrefix(entry, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry point escapes plugin directory: %s", entryPoint)
	}
	data, err := os.ReadFile(filepath.Join(dir, entry))
	if err != nil {
		return "", fmt.Errorf("failed to read plugin source: %w", err)
	}
	return string(data), nil
}

// Discover lists every plugin carrying a manifest under the search
// paths, sorted by id, first path wins on collisions.
func (f *DirFetcher) Discover() ([]*Manifest, error) {
	seen := make(map[string]*Manifest)
	for _, base := range f.paths {
		entries, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, ent := range entries {
			if !ent.IsDir() {
				continue
			}
			m, err := LoadManifestFile(filepath.Join(base, ent.Name(), manifestFileName))
			if err != nil {
				continue
			}
			if _, exists := seen[m.ID]; !exists {
				seen[m.ID] = m
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	manifests := make([]*Manifest, len(ids))
	for i, id := range ids {
		manifests[i] = seen[id]
	}
	return manifests, nil
}

// HTTPFetcher resolves plugin URLs. A reference pointing at a manifest
// document is used as-is; otherwise manifest.json is assumed under it.
// The entry point is fetched relative to the manifest's directory.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates an HTTP fetcher. A nil client gets a default
// with a 30 second timeout.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) manifestURL(ref string) string {
	if strings.HasSuffix(ref, ".json") {
		return ref
	}
	return strings.TrimSuffix(ref, "/") + "/" + manifestFileName
}

func (f *HTTPFetcher) baseURL(ref string) string {
	mu := f.manifestURL(ref)
	i := strings.LastIndex(mu, "/")
	return mu[:i]
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", rawURL, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// FetchManifest downloads and parses the manifest document.
func (f *HTTPFetcher) FetchManifest(ctx context.Context, ref string) (*Manifest, error) {
	data, err := f.get(ctx, f.manifestURL(ref))
	if err != nil {
		return nil, err
	}
	return DecodeManifest(data)
}

// FetchSource downloads the entry point relative to the manifest.
func (f *HTTPFetcher) FetchSource(ctx context.Context, ref, entryPoint string) (string, error) {
	data, err := f.get(ctx, f.baseURL(ref)+"/"+entryPoint)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RouteFetcher picks the remote fetcher for URL references and the local
// one for plain plugin ids.
type RouteFetcher struct {
	Local  Fetcher
	Remote Fetcher
}

func (f *RouteFetcher) pick(ref string) Fetcher {
	if isURL(ref) && f.Remote != nil {
		return f.Remote
	}
	return f.Local
}

// FetchManifest routes by reference shape.
func (f *RouteFetcher) FetchManifest(ctx context.Context, ref string) (*Manifest, error) {
	return f.pick(ref).FetchManifest(ctx, ref)
}

// FetchSource routes by reference shape.
func (f *RouteFetcher) FetchSource(ctx context.Context, ref, entryPoint string) (string, error) {
	return f.pick(ref).FetchSource(ctx, ref, entryPoint)
}

func isURL(ref string) bool {
	u, err := url.Parse(ref)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}
