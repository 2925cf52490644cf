package editor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/clipforge/clipforge-api/clients"
	"github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/store"
)

// Resource tags are the editor catalog's own labels.
const (
	TagWaterRipple = "水波纹"
	TagEnding      = "片尾"

	KindAudio = "audio"
	KindVideo = "video"
)

// bundledDefaults maps a tagged asset to the file shipped alongside the
// binary, used to seed the resource library the first time a tag is asked for.
var bundledDefaults = map[[2]string]string{
	{TagWaterRipple, KindAudio}: "water_ripple.mp3",
	{TagEnding, KindVideo}:      "ending.mp4",
}

// Library resolves tagged shared assets (transition sounds, ending cards) to
// URLs the editor backend can fetch. Missing tags are seeded lazily from the
// bundled defaults directory.
type Library struct {
	store       *store.Store
	objects     *clients.ObjectStore
	defaultsDir string

	// serializes seeding so concurrent exports don't double-upload
	seedMu sync.Mutex
}

func NewLibrary(st *store.Store, objects *clients.ObjectStore, defaultsDir string) *Library {
	return &Library{store: st, objects: objects, defaultsDir: defaultsDir}
}

// ResolveURL returns a URL for the newest active resource with the tag and
// kind. Resource rows may carry absolute URLs (externally managed assets) or
// bare storage keys; keys are presigned against the public endpoint.
func (l *Library) ResolveURL(ctx context.Context, requestID, tag, kind string) (string, error) {
	resource, err := l.store.FindResourceByTag(ctx, tag, kind)
	if errors.IsObjectNotFound(err) {
		resource, err = l.seedDefault(ctx, requestID, tag, kind)
	}
	if err != nil {
		return "", err
	}
	return l.resourceURL(resource.URL)
}

func (l *Library) resourceURL(stored string) (string, error) {
	if strings.HasPrefix(stored, "http://") || strings.HasPrefix(stored, "https://") {
		return stored, nil
	}
	return l.objects.PresignPublic(stored, 0)
}

// seedDefault uploads the bundled file for the tag and registers it. The
// double-checked lookup under the mutex keeps a burst of concurrent exports
// from seeding the same tag twice.
func (l *Library) seedDefault(ctx context.Context, requestID, tag, kind string) (*store.Resource, error) {
	l.seedMu.Lock()
	defer l.seedMu.Unlock()

	if resource, err := l.store.FindResourceByTag(ctx, tag, kind); err == nil {
		return resource, nil
	}

	filename, ok := bundledDefaults[[2]string{tag, kind}]
	if !ok {
		return nil, errors.NewObjectNotFoundError(fmt.Sprintf("no %s resource tagged %q and no bundled default", kind, tag), nil)
	}
	localPath := filepath.Join(l.defaultsDir, filename)
	if _, err := os.Stat(localPath); err != nil {
		return nil, fmt.Errorf("bundled default %s is missing: %w", localPath, err)
	}

	key := clients.DefaultResourceKey(tag, filepath.Ext(filename))
	if _, err := l.objects.PutFile(ctx, requestID, localPath, key, ""); err != nil {
		return nil, fmt.Errorf("error seeding default resource %q: %w", tag, err)
	}
	resource := &store.Resource{Name: filename, Kind: kind, URL: key}
	if err := l.store.InsertResourceWithTag(ctx, resource, tag); err != nil {
		return nil, err
	}
	log.Log(requestID, "seeded default resource", "tag", tag, "kind", kind, "key", key)
	return resource, nil
}
