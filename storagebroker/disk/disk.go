// Package disk provides a storage broker for datasets on traditional
// file system disk. Dataset directories are addressed by name, not uuid,
// and carry their metadata under a hidden .dtool directory.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dtool-go/dtool/configuration"
	"github.com/dtool-go/dtool/storagebroker"
	"github.com/dtool-go/dtool/storagebroker/base"
	"github.com/dtool-go/dtool/storagebroker/factory"
	"github.com/dtool-go/dtool/version"
)

const scheme = "file"

var layout = storagebroker.Layout{
	AdminMetadataKey:  ".dtool/dtool",
	ReadmeKey:         "README.yml",
	ManifestKey:       ".dtool/manifest.json",
	StructureKey:      ".dtool/structure.json",
	DtoolReadmeKey:    ".dtool/README.txt",
	DataPrefix:        "data/",
	FragmentsPrefix:   ".dtool/tmp_fragments/",
	OverlaysPrefix:    ".dtool/overlays/",
	AnnotationsPrefix: ".dtool/annotations/",
	TagsPrefix:        ".dtool/tags/",
}

const dtoolReadme = `README
======

This is a Dtool dataset stored on traditional file system disk.

Content provided during the dataset creation process
----------------------------------------------------

Dataset descriptive metadata: README.yml
Dataset items: data/

Automatically generated files and directories
---------------------------------------------

This file: .dtool/README.txt
Administrative metadata describing the dataset: .dtool/dtool
Structural metadata describing the dataset: .dtool/structure.json
Structural metadata describing the data items: .dtool/manifest.json
Per item descriptive metadata prefixed by: .dtool/overlays/
Dataset key/value pairs metadata prefixed by: .dtool/annotations/
Dataset tags metadata prefixed by: .dtool/tags/
`

func init() {
	factory.Register(scheme, brokerFactory{})
}

type brokerFactory struct{}

func (brokerFactory) New(ctx context.Context, uri string, cfg *configuration.Config) (storagebroker.StorageBroker, error) {
	return New(uri)
}

func (brokerFactory) ListDatasetURIs(ctx context.Context, baseURI string, cfg *configuration.Config) ([]string, error) {
	base, err := uriToPath(baseURI)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", base, err)
	}

	var uris []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		b, err := New("file://" + filepath.Join(base, entry.Name()))
		if err != nil {
			return nil, err
		}
		ok, err := b.HasAdminMetadata(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			uris = append(uris, b.URI())
		}
	}
	sort.Strings(uris)
	return uris, nil
}

func (brokerFactory) GenerateURI(name, uuid, baseURI string) (string, error) {
	// Disk datasets are addressed by name: the dataset is the directory a
	// person sees in a file browser.
	base, err := uriToPath(baseURI)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.Join(base, name), nil
}

func uriToPath(uri string) (string, error) {
	parsed, err := storagebroker.ParseURI(uri)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != scheme {
		return "", fmt.Errorf("not a file URI: %s", uri)
	}
	if parsed.Host != "" {
		return "", fmt.Errorf("remote file URIs are not supported: %s", uri)
	}
	if parsed.Path == "" {
		return "", fmt.Errorf("file URI without a path: %s", uri)
	}
	return parsed.Path, nil
}

type broker struct {
	root string // absolute path of the dataset directory
}

type baseEmbed struct {
	base.Base
}

// Broker is a storagebroker.StorageBroker for datasets on local disk,
// rooted at the directory the dataset URI points at.
type Broker struct {
	baseEmbed
}

// New constructs a disk broker bound to the dataset directory named by uri.
func New(uri string) (*Broker, error) {
	root, err := uriToPath(uri)
	if err != nil {
		return nil, err
	}
	b := &Broker{}
	b.StorageBroker = &broker{root: root}
	return b, nil
}

// fullPath returns the absolute path of a key within the dataset directory.
func (b *broker) fullPath(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *broker) Scheme() string {
	return scheme
}

func (b *broker) URI() string {
	return (&url.URL{Scheme: scheme, Path: b.root}).String()
}

func (b *broker) Close() error {
	return nil
}

func (b *broker) Layout() storagebroker.Layout {
	return layout
}

func (b *broker) SelfDescription() storagebroker.SelfDescription {
	return storagebroker.SelfDescription{
		Structure: map[string]interface{}{
			"data_directory":               []string{"data"},
			"dataset_readme_relpath":       []string{"README.yml"},
			"dtool_directory":              []string{".dtool"},
			"admin_metadata_relpath":       []string{".dtool", "dtool"},
			"structure_metadata_relpath":   []string{".dtool", "structure.json"},
			"dtool_readme_relpath":         []string{".dtool", "README.txt"},
			"manifest_relpath":             []string{".dtool", "manifest.json"},
			"overlays_directory":           []string{".dtool", "overlays"},
			"annotations_directory":        []string{".dtool", "annotations"},
			"tags_directory":               []string{".dtool", "tags"},
			"metadata_fragments_directory": []string{".dtool", "tmp_fragments"},
			"storage_broker_version":       version.Version(),
		},
		Readme: dtoolReadme,
	}
}

func (b *broker) CreateStructure(ctx context.Context) error {
	if _, err := os.Stat(b.root); err == nil {
		return storagebroker.DatasetExistsError{URI: b.URI()}
	}
	if _, err := os.Stat(filepath.Dir(b.root)); err != nil {
		return fmt.Errorf("no such base directory: %s", filepath.Dir(b.root))
	}
	for _, dir := range []string{
		"",
		"data",
		".dtool",
		".dtool/overlays",
		".dtool/annotations",
		".dtool/tags",
	} {
		if err := os.Mkdir(b.fullPath(dir), 0o755); err != nil {
			return fmt.Errorf("creating dataset structure: %w", err)
		}
	}
	return nil
}

func (b *broker) HasAdminMetadata(ctx context.Context) (bool, error) {
	_, err := os.Stat(b.fullPath(layout.AdminMetadataKey))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *broker) GetAdminMetadata(ctx context.Context) ([]byte, error) {
	return b.GetContent(ctx, layout.AdminMetadataKey)
}

func (b *broker) PutAdminMetadata(ctx context.Context, meta []byte) error {
	return b.PutContent(ctx, layout.AdminMetadataKey, meta)
}

func (b *broker) GetContent(ctx context.Context, key string) ([]byte, error) {
	content, err := os.ReadFile(b.fullPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storagebroker.KeyNotFoundError{Key: key}
		}
		return nil, err
	}
	return content, nil
}

func (b *broker) PutContent(ctx context.Context, key string, content []byte) error {
	fullPath := b.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(fullPath, content, 0o644)
}

func (b *broker) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.fullPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *broker) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.fullPath(prefix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (b *broker) PutItem(ctx context.Context, localPath string, relpath string) (string, error) {
	handle := path.Clean(strings.ReplaceAll(relpath, "\\", "/"))
	dest := b.fullPath(layout.ItemKey(handle))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening item source: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	return handle, nil
}

func (b *broker) ItemHandles(ctx context.Context) ([]string, error) {
	dataDir := b.fullPath("data")
	var handles []string
	err := filepath.WalkDir(dataDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dataDir, p)
		if err != nil {
			return err
		}
		handles = append(handles, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(handles)
	return handles, nil
}

func (b *broker) ItemProperties(ctx context.Context, handle string) (storagebroker.ItemInfo, error) {
	fullPath := b.fullPath(layout.ItemKey(handle))
	fi, err := os.Stat(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storagebroker.ItemInfo{}, storagebroker.KeyNotFoundError{Key: layout.ItemKey(handle)}
		}
		return storagebroker.ItemInfo{}, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return storagebroker.ItemInfo{}, err
	}
	defer f.Close()
	hash, err := storagebroker.MD5Sum(f)
	if err != nil {
		return storagebroker.ItemInfo{}, err
	}

	return storagebroker.ItemInfo{
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		Hash:    hash,
	}, nil
}

func (b *broker) FetchItem(ctx context.Context, handle string) (string, error) {
	// Items already live on local disk; hand out the stored path directly.
	fullPath := b.fullPath(layout.ItemKey(handle))
	if _, err := os.Stat(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", storagebroker.KeyNotFoundError{Key: layout.ItemKey(handle)}
		}
		return "", err
	}
	return fullPath, nil
}

func (b *broker) PreFreeze(ctx context.Context) error {
	return nil
}

func (b *broker) PostFreeze(ctx context.Context) error {
	return os.RemoveAll(b.fullPath(strings.TrimSuffix(layout.FragmentsPrefix, "/")))
}

var _ storagebroker.StorageBroker = &broker{}
