// Package dataset implements the dtool dataset model on top of storage
// brokers. A dataset starts life as a proto dataset: a structure into
// which items and metadata are put. Freezing generates the manifest and
// turns it into an immutable dataset addressed by item identifiers.
//
// All metadata documents the package writes (administrative metadata,
// manifest, overlays) follow the dtool on-disk format, so datasets remain
// interchangeable with the wider dtool ecosystem regardless of which
// broker stores them.
package dataset

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dtool-go/dtool/configuration"
	"github.com/dtool-go/dtool/internal/dcontext"
	"github.com/dtool-go/dtool/storagebroker"
	"github.com/dtool-go/dtool/storagebroker/factory"
)

// readmeBackupFormat names readme backups; colon-free so the keys work on
// every backend.
const readmeBackupFormat = "2006-01-02T15-04-05"

// base carries the state shared by proto and frozen datasets.
type base struct {
	uri    string
	broker storagebroker.StorageBroker
	admin  AdminMetadata
}

// URI returns the normalized URI of the dataset.
func (b *base) URI() string {
	return b.uri
}

// UUID returns the unique identifier of the dataset.
func (b *base) UUID() string {
	return b.admin.UUID
}

// Name returns the dataset name.
func (b *base) Name() string {
	return b.admin.Name
}

// AdminMetadata returns a copy of the dataset's administrative metadata.
func (b *base) AdminMetadata() AdminMetadata {
	return b.admin
}

// Broker exposes the storage broker the dataset is bound to.
func (b *base) Broker() storagebroker.StorageBroker {
	return b.broker
}

// Close releases the dataset's backend connections.
func (b *base) Close() error {
	return b.broker.Close()
}

// Readme returns the descriptive metadata document of the dataset.
func (b *base) Readme(ctx context.Context) (string, error) {
	content, err := b.broker.GetContent(ctx, b.broker.Layout().ReadmeKey)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// PutAnnotation stores value as the annotation with the given name,
// overwriting any previous value.
func (b *base) PutAnnotation(ctx context.Context, name string, value interface{}) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding annotation %s: %w", name, err)
	}
	return b.broker.PutContent(ctx, b.broker.Layout().AnnotationKey(name), raw)
}

// Annotation returns the raw JSON value of the named annotation.
func (b *base) Annotation(ctx context.Context, name string) (json.RawMessage, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	raw, err := b.broker.GetContent(ctx, b.broker.Layout().AnnotationKey(name))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// AnnotationNames returns the names of the dataset's annotations, sorted.
func (b *base) AnnotationNames(ctx context.Context) ([]string, error) {
	entries, err := b.broker.List(ctx, b.broker.Layout().AnnotationsPrefix)
	if err != nil {
		return nil, err
	}
	return stripJSONSuffix(entries), nil
}

// Tags returns the dataset's tags, sorted.
func (b *base) Tags(ctx context.Context) ([]string, error) {
	return b.broker.List(ctx, b.broker.Layout().TagsPrefix)
}

// PutTag adds a tag to the dataset. Adding a tag twice is not an error.
func (b *base) PutTag(ctx context.Context, tag string) error {
	if err := ValidateName(tag); err != nil {
		return err
	}
	return b.broker.PutContent(ctx, b.broker.Layout().TagKey(tag), nil)
}

// DeleteTag removes a tag from the dataset. Removing an absent tag is not
// an error.
func (b *base) DeleteTag(ctx context.Context, tag string) error {
	if err := ValidateName(tag); err != nil {
		return err
	}
	return b.broker.Delete(ctx, b.broker.Layout().TagKey(tag))
}

// loadBase constructs a broker for uri and reads the administrative
// metadata through it.
func loadBase(ctx context.Context, uri string, cfg *configuration.Config) (base, error) {
	broker, err := factory.New(ctx, uri, cfg)
	if err != nil {
		return base{}, err
	}
	raw, err := broker.GetAdminMetadata(ctx)
	if err != nil {
		broker.Close()
		if storagebroker.IsKeyNotFound(err) {
			return base{}, NotDatasetError{URI: broker.URI()}
		}
		return base{}, err
	}
	var admin AdminMetadata
	if err := json.Unmarshal(raw, &admin); err != nil {
		broker.Close()
		return base{}, fmt.Errorf("parsing administrative metadata of %s: %w", uri, err)
	}
	return base{uri: broker.URI(), broker: broker, admin: admin}, nil
}

// ProtoDataset is a dataset under construction: items and per item
// metadata can still be put into it. Freeze turns it into a Dataset.
type ProtoDataset struct {
	base
}

// CreateProtoDataset creates a new proto dataset named name under baseURI
// and returns it ready for items. The concrete URI is derived from the
// base URI by the broker serving its scheme.
func CreateProtoDataset(ctx context.Context, name, baseURI string, cfg *configuration.Config) (*ProtoDataset, error) {
	admin, err := GenerateAdminMetadata(name)
	if err != nil {
		return nil, err
	}
	uri, err := factory.GenerateURI(name, admin.UUID, baseURI)
	if err != nil {
		return nil, err
	}
	broker, err := factory.New(ctx, uri, cfg)
	if err != nil {
		return nil, err
	}
	proto, err := create(ctx, broker, admin)
	if err != nil {
		broker.Close()
		return nil, err
	}
	return proto, nil
}

// create builds the dataset structure at the broker's location and writes
// the initial metadata: the broker's self description, the administrative
// metadata and an empty readme.
func create(ctx context.Context, broker storagebroker.StorageBroker, admin AdminMetadata) (*ProtoDataset, error) {
	if err := broker.CreateStructure(ctx); err != nil {
		return nil, err
	}

	layout := broker.Layout()
	sd := broker.SelfDescription()
	structure, err := json.MarshalIndent(sd.Structure, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := broker.PutContent(ctx, layout.StructureKey, structure); err != nil {
		return nil, err
	}
	if err := broker.PutContent(ctx, layout.DtoolReadmeKey, []byte(sd.Readme)); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(admin)
	if err != nil {
		return nil, err
	}
	if err := broker.PutAdminMetadata(ctx, raw); err != nil {
		return nil, err
	}
	if err := broker.PutContent(ctx, layout.ReadmeKey, nil); err != nil {
		return nil, err
	}

	return &ProtoDataset{base{uri: broker.URI(), broker: broker, admin: admin}}, nil
}

// FromURIProto opens the proto dataset at uri. Frozen datasets fail with
// TypeMismatchError; use FromURI for those.
func FromURIProto(ctx context.Context, uri string, cfg *configuration.Config) (*ProtoDataset, error) {
	b, err := loadBase(ctx, uri, cfg)
	if err != nil {
		return nil, err
	}
	if b.admin.Type != TypeProtoDataset {
		b.Close()
		return nil, TypeMismatchError{URI: b.uri, Want: TypeProtoDataset, Got: b.admin.Type}
	}
	return &ProtoDataset{base: b}, nil
}

// PutItem copies the local file at localPath into the dataset under
// relpath and returns the item handle.
func (p *ProtoDataset) PutItem(ctx context.Context, localPath, relpath string) (string, error) {
	return p.broker.PutItem(ctx, localPath, relpath)
}

// AddItemMetadata attaches a key/value pair to the item named by handle.
// The pairs are held as fragments until Freeze promotes them to overlays.
func (p *ProtoDataset) AddItemMetadata(ctx context.Context, handle, key string, value interface{}) error {
	if err := ValidateName(key); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding item metadata %s: %w", key, err)
	}
	return p.broker.PutContent(ctx, p.broker.Layout().FragmentKey(handle, key), raw)
}

// PutReadme stores text as the dataset's descriptive metadata document.
func (p *ProtoDataset) PutReadme(ctx context.Context, text string) error {
	return p.broker.PutContent(ctx, p.broker.Layout().ReadmeKey, []byte(text))
}

// Freeze turns the proto dataset into an immutable dataset: it generates
// the manifest from the items in storage, promotes item metadata
// fragments to overlays and flips the administrative type. The returned
// Dataset shares the proto dataset's broker.
func (p *ProtoDataset) Freeze(ctx context.Context) (*Dataset, error) {
	if p.admin.Type != TypeProtoDataset {
		return nil, AlreadyFrozenError{URI: p.uri}
	}
	if err := p.broker.PreFreeze(ctx); err != nil {
		return nil, err
	}

	manifest, err := p.generateManifest(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	layout := p.broker.Layout()
	if err := p.broker.PutContent(ctx, layout.ManifestKey, raw); err != nil {
		return nil, err
	}

	if err := p.promoteFragments(ctx, manifest); err != nil {
		return nil, err
	}

	admin := p.admin
	admin.Type = TypeDataset
	admin.FrozenAt = timestamp(time.Now())
	adminRaw, err := json.Marshal(admin)
	if err != nil {
		return nil, err
	}
	if err := p.broker.PutAdminMetadata(ctx, adminRaw); err != nil {
		return nil, err
	}
	p.admin = admin

	if err := p.broker.PostFreeze(ctx); err != nil {
		return nil, err
	}

	dcontext.GetLoggerWithFields(ctx, map[string]any{
		"uri":   p.uri,
		"items": len(manifest.Items),
	}).Info("dataset frozen")

	return &Dataset{base: p.base, manifest: manifest}, nil
}

// generateManifest walks the items in storage and collects their
// properties into a manifest.
func (p *ProtoDataset) generateManifest(ctx context.Context) (Manifest, error) {
	manifest := newManifest()
	handles, err := p.broker.ItemHandles(ctx)
	if err != nil {
		return Manifest{}, err
	}
	for _, handle := range handles {
		info, err := p.broker.ItemProperties(ctx, handle)
		if err != nil {
			return Manifest{}, err
		}
		manifest.Items[storagebroker.ItemIdentifier(handle)] = ManifestItem{
			Hash:         info.Hash,
			Relpath:      handle,
			SizeInBytes:  info.Size,
			UTCTimestamp: timestamp(info.ModTime),
		}
	}
	return manifest, nil
}

// promoteFragments converts the per item metadata fragments into
// overlays. Each overlay covers every item of the manifest; items without
// a fragment get a null value. Fragments of items no longer in the
// dataset are ignored.
func (p *ProtoDataset) promoteFragments(ctx context.Context, manifest Manifest) error {
	layout := p.broker.Layout()
	entries, err := p.broker.List(ctx, layout.FragmentsPrefix)
	if err != nil {
		return err
	}

	fragments := map[string]map[string]json.RawMessage{}
	for _, entry := range entries {
		identifier, key, ok := parseFragmentName(entry)
		if !ok {
			continue
		}
		if _, known := manifest.Items[identifier]; !known {
			continue
		}
		raw, err := p.broker.GetContent(ctx, layout.FragmentsPrefix+entry)
		if err != nil {
			return err
		}
		if fragments[key] == nil {
			fragments[key] = map[string]json.RawMessage{}
		}
		fragments[key][identifier] = json.RawMessage(raw)
	}

	for key, values := range fragments {
		overlay := make(map[string]json.RawMessage, len(manifest.Items))
		for identifier := range manifest.Items {
			if value, ok := values[identifier]; ok {
				overlay[identifier] = value
			} else {
				overlay[identifier] = json.RawMessage("null")
			}
		}
		raw, err := json.MarshalIndent(overlay, "", "  ")
		if err != nil {
			return err
		}
		if err := p.broker.PutContent(ctx, layout.OverlayKey(key), raw); err != nil {
			return err
		}
	}
	return nil
}

// parseFragmentName splits a fragment entry of the form
// <identifier>.<key>.json. Identifiers are 40 hex characters; keys may
// themselves contain dots.
func parseFragmentName(name string) (identifier, key string, ok bool) {
	const idLen = 40
	if len(name) <= idLen+len(".")+len(".json") {
		return "", "", false
	}
	identifier = name[:idLen]
	if _, err := hex.DecodeString(identifier); err != nil {
		return "", "", false
	}
	rest := name[idLen:]
	if rest[0] != '.' || !strings.HasSuffix(rest, ".json") {
		return "", "", false
	}
	key = strings.TrimSuffix(rest[1:], ".json")
	if key == "" {
		return "", "", false
	}
	return identifier, key, true
}

// Dataset is a frozen dataset: an immutable set of items addressed by
// identifier, described by a manifest and extensible through overlays,
// annotations and tags.
type Dataset struct {
	base
	manifest Manifest
}

// FromURI opens the frozen dataset at uri. Proto datasets fail with
// TypeMismatchError; use FromURIProto for those.
func FromURI(ctx context.Context, uri string, cfg *configuration.Config) (*Dataset, error) {
	b, err := loadBase(ctx, uri, cfg)
	if err != nil {
		return nil, err
	}
	if b.admin.Type != TypeDataset {
		b.Close()
		return nil, TypeMismatchError{URI: b.uri, Want: TypeDataset, Got: b.admin.Type}
	}

	raw, err := b.broker.GetContent(ctx, b.broker.Layout().ManifestKey)
	if err != nil {
		b.Close()
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		b.Close()
		return nil, fmt.Errorf("parsing manifest of %s: %w", uri, err)
	}
	if manifest.Items == nil {
		manifest.Items = map[string]ManifestItem{}
	}
	return &Dataset{base: b, manifest: manifest}, nil
}

// Identifiers returns the identifiers of the dataset's items, sorted.
func (d *Dataset) Identifiers() []string {
	identifiers := make([]string, 0, len(d.manifest.Items))
	for identifier := range d.manifest.Items {
		identifiers = append(identifiers, identifier)
	}
	sort.Strings(identifiers)
	return identifiers
}

// Item returns the manifest entry of the item with the given identifier.
func (d *Dataset) Item(identifier string) (ManifestItem, error) {
	item, ok := d.manifest.Items[identifier]
	if !ok {
		return ManifestItem{}, UnknownIdentifierError{Identifier: identifier, URI: d.uri}
	}
	return item, nil
}

// Manifest returns a copy of the dataset's manifest.
func (d *Dataset) Manifest() Manifest {
	manifest := d.manifest
	manifest.Items = make(map[string]ManifestItem, len(d.manifest.Items))
	for identifier, item := range d.manifest.Items {
		manifest.Items[identifier] = item
	}
	return manifest
}

// ItemContentPath makes the content of the item with the given identifier
// available on the local filesystem and returns its absolute path. The
// file is byte-identical to the stored item.
func (d *Dataset) ItemContentPath(ctx context.Context, identifier string) (string, error) {
	item, err := d.Item(identifier)
	if err != nil {
		return "", err
	}
	return d.broker.FetchItem(ctx, item.Relpath)
}

// Overlay returns the named overlay: one raw JSON value per item
// identifier.
func (d *Dataset) Overlay(ctx context.Context, name string) (map[string]json.RawMessage, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	raw, err := d.broker.GetContent(ctx, d.broker.Layout().OverlayKey(name))
	if err != nil {
		return nil, err
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(raw, &overlay); err != nil {
		return nil, fmt.Errorf("parsing overlay %s: %w", name, err)
	}
	return overlay, nil
}

// PutOverlay stores overlay under the given name. The overlay must hold
// exactly one value per item identifier.
func (d *Dataset) PutOverlay(ctx context.Context, name string, overlay map[string]json.RawMessage) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := d.checkOverlayCoverage(name, overlay); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(overlay, "", "  ")
	if err != nil {
		return err
	}
	return d.broker.PutContent(ctx, d.broker.Layout().OverlayKey(name), raw)
}

func (d *Dataset) checkOverlayCoverage(name string, overlay map[string]json.RawMessage) error {
	var missing, extra []string
	for identifier := range d.manifest.Items {
		if _, ok := overlay[identifier]; !ok {
			missing = append(missing, identifier)
		}
	}
	for identifier := range overlay {
		if _, ok := d.manifest.Items[identifier]; !ok {
			extra = append(extra, identifier)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return OverlayCoverageError{Name: name, Missing: missing, Extra: extra}
}

// OverlayNames returns the names of the dataset's overlays, sorted.
func (d *Dataset) OverlayNames(ctx context.Context) ([]string, error) {
	entries, err := d.broker.List(ctx, d.broker.Layout().OverlaysPrefix)
	if err != nil {
		return nil, err
	}
	return stripJSONSuffix(entries), nil
}

// PutReadme replaces the dataset's descriptive metadata document, keeping
// the previous version under a timestamped backup key.
func (d *Dataset) PutReadme(ctx context.Context, text string) error {
	layout := d.broker.Layout()
	current, err := d.broker.GetContent(ctx, layout.ReadmeKey)
	switch {
	case err == nil:
		backupKey := layout.ReadmeKey + "-" + time.Now().UTC().Format(readmeBackupFormat)
		if err := d.broker.PutContent(ctx, backupKey, current); err != nil {
			return err
		}
	case storagebroker.IsKeyNotFound(err):
	default:
		return err
	}
	return d.broker.PutContent(ctx, layout.ReadmeKey, []byte(text))
}

// stripJSONSuffix filters entries ending in .json and strips the suffix.
func stripJSONSuffix(entries []string) []string {
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := strings.TrimSuffix(entry, ".json")
		if name != entry && name != "" {
			names = append(names, name)
		}
	}
	return names
}
