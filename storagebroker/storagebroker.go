// Package storagebroker defines the interface dataset storage backends
// implement. A broker is bound to a single dataset URI and translates the
// dataset layout (items under a data prefix, metadata blobs at well-known
// keys) onto a storage backend: an SMB share, an Azure blob container, an
// S3 bucket or a local directory.
//
// Keys are slash-separated relative paths inside the dataset. What a key
// maps to on the backend (a nested file path, a flat blob name) is the
// broker's business; callers only use keys derived from the broker's
// Layout.
package storagebroker

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// HashFunctionName identifies the item content hash recorded in dataset
// manifests. Brokers hash item content with MD5 and report bare hexdigests.
const HashFunctionName = "md5sum_hexdigest"

// StorageBroker is the interface storage backends implement. Brokers are
// bound to one dataset URI at construction time and are not safe for
// concurrent use.
type StorageBroker interface {
	// Scheme returns the URI scheme the broker serves, e.g. "smb" or
	// "azure".
	Scheme() string

	// URI returns the normalized URI of the dataset the broker is bound to.
	URI() string

	// Close releases any backend connections. Safe to call once after use;
	// brokers over stateless HTTP APIs may make it a no-op.
	Close() error

	// CreateStructure prepares the backend location so that items and
	// metadata can be written: directories for hierarchical backends, a
	// container for Azure. It fails with DatasetExistsError when the
	// location is already occupied.
	CreateStructure(ctx context.Context) error

	// HasAdminMetadata reports whether administrative metadata exists at
	// the broker's URI. Its presence is the definition of "this location
	// holds a dataset".
	HasAdminMetadata(ctx context.Context) (bool, error)

	// GetAdminMetadata retrieves the raw administrative metadata document.
	GetAdminMetadata(ctx context.Context) ([]byte, error)

	// PutAdminMetadata stores the raw administrative metadata document.
	// Backends with native metadata support may mirror it there as well.
	PutAdminMetadata(ctx context.Context, meta []byte) error

	// SelfDescription returns the layout documentation written into every
	// dataset at creation time: the structure parameters serialized to the
	// structure key and a plain-text note for people browsing the backend
	// directly.
	SelfDescription() SelfDescription

	// Layout returns the dataset key layout of this broker.
	Layout() Layout

	// GetContent retrieves the content stored at key. Absent keys fail
	// with KeyNotFoundError. Intended for metadata-sized blobs.
	GetContent(ctx context.Context, key string) ([]byte, error)

	// PutContent stores content at key, creating any intermediate
	// structure the backend needs.
	PutContent(ctx context.Context, key string, content []byte) error

	// Delete removes the content stored at key. Deleting an absent key is
	// not an error.
	Delete(ctx context.Context, key string) error

	// List returns the names of entries directly under prefix, which must
	// be empty (the dataset root) or end with a slash. Names are bare:
	// no prefix, no trailing slash. A missing prefix yields an empty list.
	List(ctx context.Context, prefix string) ([]string, error)

	// PutItem copies the local file at localPath into the dataset's data
	// space under relpath and returns the item handle (the normalized
	// relpath).
	PutItem(ctx context.Context, localPath string, relpath string) (string, error)

	// ItemHandles returns the handles of all items in the dataset.
	ItemHandles(ctx context.Context) ([]string, error)

	// ItemProperties returns the stored size, modification time and
	// content hash of the item named by handle. Computing the hash may
	// require reading the item back when the backend has not retained it.
	ItemProperties(ctx context.Context, handle string) (ItemInfo, error)

	// FetchItem makes the content of the item named by handle available on
	// the local filesystem and returns its absolute path. The returned
	// file is byte-identical to the stored item.
	FetchItem(ctx context.Context, handle string) (string, error)

	// PreFreeze runs backend validation before a dataset is frozen, e.g.
	// rejecting rogue content next to the dataset structure.
	PreFreeze(ctx context.Context) error

	// PostFreeze cleans up working state after a dataset is frozen, e.g.
	// removing the per-item metadata fragments.
	PostFreeze(ctx context.Context) error
}

// URLSigner is implemented by brokers that can mint pre-signed, time
// limited URLs granting read access to a key without credentials. Used to
// publish datasets over plain HTTP.
type URLSigner interface {
	SignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// Layout names the keys and key prefixes a broker uses for the dataset's
// metadata blobs. Prefixes end with a slash.
type Layout struct {
	AdminMetadataKey string
	ReadmeKey        string
	ManifestKey      string
	StructureKey     string
	DtoolReadmeKey   string
	HTTPManifestKey  string

	DataPrefix        string
	FragmentsPrefix   string
	OverlaysPrefix    string
	AnnotationsPrefix string
	TagsPrefix        string
}

// OverlayKey returns the key holding the overlay with the given name.
func (l Layout) OverlayKey(name string) string {
	return l.OverlaysPrefix + name + ".json"
}

// AnnotationKey returns the key holding the annotation with the given name.
func (l Layout) AnnotationKey(name string) string {
	return l.AnnotationsPrefix + name + ".json"
}

// TagKey returns the key marking the given tag.
func (l Layout) TagKey(tag string) string {
	return l.TagsPrefix + tag
}

// FragmentKey returns the key holding a pre-freeze metadata fragment for
// the item named by handle.
func (l Layout) FragmentKey(handle, metadataKey string) string {
	return l.FragmentsPrefix + ItemIdentifier(handle) + "." + metadataKey + ".json"
}

// ItemKey returns the key of the item named by handle inside the data
// space.
func (l Layout) ItemKey(handle string) string {
	return l.DataPrefix + handle
}

// SelfDescription is the layout documentation a broker writes into every
// dataset it creates.
type SelfDescription struct {
	// Structure is serialized to the broker's structure key. Its shape is
	// backend specific and fixed by the dtool on-disk format.
	Structure map[string]interface{}

	// Readme is the plain-text note written to the broker's dtool readme
	// key, explaining the layout to people browsing the backend directly.
	Readme string
}

// ItemInfo describes a stored item.
type ItemInfo struct {
	// Size is the stored size in bytes.
	Size int64

	// ModTime is the backend modification time.
	ModTime time.Time

	// Hash is the MD5 hexdigest of the item content.
	Hash string
}

// ItemIdentifier returns the identifier of the item named by handle: the
// SHA-1 hexdigest of the handle.
func ItemIdentifier(handle string) string {
	sum := sha1.Sum([]byte(handle))
	return hex.EncodeToString(sum[:])
}

// MD5Sum consumes r and returns the MD5 hexdigest of its content.
func MD5Sum(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
