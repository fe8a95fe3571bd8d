// Package azure provides a storage broker for datasets in Azure Blob
// Storage. Every dataset gets its own blob container named by uuid; keys
// are flat blob names inside it. The account name in the URI host selects
// both the storage account and the DTOOL_AZURE_* configuration keys.
package azure

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"

	"github.com/dtool-go/dtool/configuration"
	"github.com/dtool-go/dtool/internal/dcontext"
	"github.com/dtool-go/dtool/storagebroker"
	"github.com/dtool-go/dtool/storagebroker/base"
	"github.com/dtool-go/dtool/storagebroker/factory"
	"github.com/dtool-go/dtool/version"
)

const scheme = "azure"

// defaultSignedURLExpiry is used when SignedURL is called with a zero
// expiry.
const defaultSignedURLExpiry = 20 * time.Minute

var layout = storagebroker.Layout{
	AdminMetadataKey:  "dtool",
	ReadmeKey:         "README.yml",
	ManifestKey:       "manifest.json",
	StructureKey:      "structure.json",
	DtoolReadmeKey:    "README.txt",
	HTTPManifestKey:   "http_manifest.json",
	DataPrefix:        "data/",
	FragmentsPrefix:   "fragments/",
	OverlaysPrefix:    "overlays/",
	AnnotationsPrefix: "annotations/",
	TagsPrefix:        "tags/",
}

const dtoolReadme = `README
======
This is a Dtool dataset stored in an Azure storage container.

Content provided during the dataset creation process
----------------------------------------------------

Container named $UUID, where UUID is the unique identifier for the
dataset.

Dataset descriptive metadata: README.yml

Dataset items prefixed by: data/

Administrative metadata describing the dataset is stored as the dtool blob
and mirrored into metadata on the container.


Automatically generated blobs
-----------------------------

This file: README.txt
Structural metadata describing the dataset: structure.json
Structural metadata describing the data items: manifest.json
Per item descriptive metadata prefixed by: overlays/
Dataset key/value pairs metadata prefixed by: annotations/
Dataset tags metadata prefixed by: tags/
`

func isNotFound(err error) bool {
	return bloberror.HasCode(err,
		bloberror.BlobNotFound,
		bloberror.ContainerNotFound,
		bloberror.ResourceNotFound,
	)
}

func init() {
	factory.Register(scheme, brokerFactory{})
}

type brokerFactory struct{}

func (brokerFactory) New(ctx context.Context, uri string, cfg *configuration.Config) (storagebroker.StorageBroker, error) {
	return New(ctx, uri, cfg)
}

func (brokerFactory) ListDatasetURIs(ctx context.Context, baseURI string, cfg *configuration.Config) ([]string, error) {
	account, err := accountFromURI(baseURI)
	if err != nil {
		return nil, err
	}
	client, _, err := newClient(cfg, account)
	if err != nil {
		return nil, err
	}

	// A container is a dataset when the mirrored administrative metadata
	// on it carries a uuid.
	pager := client.ServiceClient().NewListContainersPager(&service.ListContainersOptions{
		Include: service.ListContainersInclude{Metadata: true},
	})
	var uris []string
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing containers for account %s: %w", account, err)
		}
		for _, item := range resp.ContainerItems {
			if item.Name == nil || !hasMetadataKey(item.Metadata, "uuid") {
				continue
			}
			uris = append(uris, datasetURI(account, *item.Name))
		}
	}
	sort.Strings(uris)
	return uris, nil
}

func (brokerFactory) GenerateURI(name, uuid, baseURI string) (string, error) {
	// Containers are named by uuid; the dataset name only lives in the
	// administrative metadata.
	account, err := accountFromURI(baseURI)
	if err != nil {
		return "", err
	}
	return datasetURI(account, uuid), nil
}

// hasMetadataKey reports whether the metadata carries the key. Metadata
// keys come back from the service with unpredictable casing.
func hasMetadataKey(metadata map[string]*string, key string) bool {
	for k, v := range metadata {
		if strings.EqualFold(k, key) && v != nil {
			return true
		}
	}
	return false
}

func datasetURI(account, uuid string) string {
	return (&url.URL{Scheme: scheme, Host: account, Path: "/" + uuid}).String()
}

func accountFromURI(uri string) (string, error) {
	parsed, err := storagebroker.ParseURI(uri)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != scheme {
		return "", fmt.Errorf("not an azure URI: %s", uri)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("azure URIs carry the storage account as host, azure://<account>/<uuid>: %s", uri)
	}
	return parsed.Host, nil
}

func splitURI(uri string) (account, uuid string, err error) {
	account, err = accountFromURI(uri)
	if err != nil {
		return "", "", err
	}
	parsed, _ := storagebroker.ParseURI(uri)
	uuid = strings.TrimPrefix(parsed.Path, "/")
	if uuid == "" || strings.Contains(uuid, "/") {
		return "", "", fmt.Errorf("azure dataset URIs take the form azure://<account>/<uuid>: %s", uri)
	}
	return account, uuid, nil
}

func newClient(cfg *configuration.Config, account string) (*azblob.Client, *azblob.SharedKeyCredential, error) {
	params, err := ParametersFromConfig(cfg, account)
	if err != nil {
		return nil, nil, err
	}
	cred, err := azblob.NewSharedKeyCredential(params.AccountName, params.AccountKey)
	if err != nil {
		return nil, nil, err
	}
	client, err := azblob.NewClientWithSharedKeyCredential(params.ServiceURL, cred, nil)
	if err != nil {
		return nil, nil, err
	}
	return client, cred, nil
}

type broker struct {
	account string
	uuid    string // container name

	client   *azblob.Client
	cred     *azblob.SharedKeyCredential
	cacheDir string
}

type baseEmbed struct {
	base.Base
}

// Broker is a storagebroker.StorageBroker for datasets in Azure Blob
// Storage. It also implements storagebroker.URLSigner using shared access
// signatures.
type Broker struct {
	baseEmbed
}

// SignedURL returns a read-only shared access signature URL for the blob
// at key. A zero expiry signs for twenty minutes.
func (b *Broker) SignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	return b.StorageBroker.(*broker).signedURL(ctx, key, expires)
}

// New returns a broker for the dataset at uri. Construction fails when the
// account key is not configured; the backend itself is not contacted.
func New(ctx context.Context, uri string, cfg *configuration.Config) (*Broker, error) {
	account, uuid, err := splitURI(uri)
	if err != nil {
		return nil, err
	}
	client, cred, err := newClient(cfg, account)
	if err != nil {
		return nil, err
	}
	b := &Broker{}
	b.StorageBroker = &broker{
		account:  account,
		uuid:     uuid,
		client:   client,
		cred:     cred,
		cacheDir: cfg.CacheDirectory(),
	}
	return b, nil
}

func (b *broker) containerClient() *container.Client {
	return b.client.ServiceClient().NewContainerClient(b.uuid)
}

func (b *broker) Scheme() string {
	return scheme
}

func (b *broker) URI() string {
	return datasetURI(b.account, b.uuid)
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
			"admin_metadata_key":     "dtool",
			"dataset_readme_key":     "README.yml",
			"dtool_readme_key":       "README.txt",
			"manifest_key":           "manifest.json",
			"structure_dict_key":     "structure.json",
			"http_manifest_key":      "http_manifest.json",
			"fragments_key_prefix":   "fragments/",
			"overlays_key_prefix":    "overlays/",
			"annotations_key_prefix": "annotations/",
			"tags_key_prefix":        "tags/",
			"storage_broker_version": version.Version(),
		},
		Readme: dtoolReadme,
	}
}

func (b *broker) CreateStructure(ctx context.Context) error {
	dcontext.GetLoggerWithField(ctx, "container", b.uuid).Debug("creating dataset container")

	_, err := b.client.CreateContainer(ctx, b.uuid, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			return storagebroker.DatasetExistsError{URI: b.URI()}
		}
		return fmt.Errorf("creating container %s: %w", b.uuid, err)
	}
	return nil
}

func (b *broker) HasAdminMetadata(ctx context.Context) (bool, error) {
	_, err := b.containerClient().NewBlobClient(layout.AdminMetadataKey).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *broker) GetAdminMetadata(ctx context.Context) ([]byte, error) {
	return b.GetContent(ctx, layout.AdminMetadataKey)
}

// PutAdminMetadata stores the administrative metadata as the dtool blob
// and mirrors it into metadata on the container, so datasets are
// identifiable from a plain container listing.
func (b *broker) PutAdminMetadata(ctx context.Context, meta []byte) error {
	if err := b.PutContent(ctx, layout.AdminMetadataKey, meta); err != nil {
		return err
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(meta, &doc); err != nil {
		return fmt.Errorf("admin metadata is not a JSON object: %w", err)
	}
	metadata := make(map[string]*string, len(doc))
	for k, v := range doc {
		metadata[k] = to.Ptr(stringifyMetaValue(v))
	}
	_, err := b.containerClient().SetMetadata(ctx, &container.SetMetadataOptions{
		Metadata: metadata,
	})
	return err
}

// stringifyMetaValue renders an admin metadata value for the container
// metadata mirror. Timestamps stay in plain decimal notation.
func stringifyMetaValue(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprint(value)
	}
}

func (b *broker) GetContent(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.client.DownloadStream(ctx, b.uuid, key, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, storagebroker.KeyNotFoundError{Key: key}
		}
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *broker) PutContent(ctx context.Context, key string, content []byte) error {
	_, err := b.client.UploadBuffer(ctx, b.uuid, key, content, nil)
	return err
}

func (b *broker) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteBlob(ctx, b.uuid, key, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (b *broker) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := b.listKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return directChildren(keys, prefix), nil
}

// listKeys returns the full names of all blobs under prefix. A missing
// container yields an empty list.
func (b *broker) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var opts azblob.ListBlobsFlatOptions
	if prefix != "" {
		opts.Prefix = to.Ptr(prefix)
	}
	pager := b.client.NewListBlobsFlatPager(b.uuid, &opts)

	var keys []string
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			if isNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		for _, item := range resp.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
		}
	}
	return keys, nil
}

// directChildren reduces flat blob names to the distinct names directly
// under prefix, the way a directory listing would show them.
func directChildren(keys []string, prefix string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		if rest == "" || seen[rest] {
			continue
		}
		seen[rest] = true
		names = append(names, rest)
	}
	sort.Strings(names)
	return names
}

func (b *broker) PutItem(ctx context.Context, localPath string, relpath string) (string, error) {
	handle := path.Clean(strings.ReplaceAll(relpath, "\\", "/"))
	key := layout.ItemKey(handle)

	sum, err := md5File(localPath)
	if err != nil {
		return "", err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening item source: %w", err)
	}
	defer src.Close()

	// The digest rides along as the blob's Content-MD5, so freezing reads
	// it back from blob properties instead of downloading the content.
	_, err = b.client.UploadFile(ctx, b.uuid, key, src, &azblob.UploadFileOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentMD5: sum},
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

func md5File(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening item source: %w", err)
	}
	defer f.Close()

	hasher := md5.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return nil, err
	}
	return hasher.Sum(nil), nil
}

func (b *broker) ItemHandles(ctx context.Context) ([]string, error) {
	keys, err := b.listKeys(ctx, layout.DataPrefix)
	if err != nil {
		return nil, err
	}
	handles := make([]string, 0, len(keys))
	for _, key := range keys {
		handles = append(handles, strings.TrimPrefix(key, layout.DataPrefix))
	}
	sort.Strings(handles)
	return handles, nil
}

func (b *broker) ItemProperties(ctx context.Context, handle string) (storagebroker.ItemInfo, error) {
	key := layout.ItemKey(handle)
	props, err := b.containerClient().NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return storagebroker.ItemInfo{}, storagebroker.KeyNotFoundError{Key: key}
		}
		return storagebroker.ItemInfo{}, err
	}

	var info storagebroker.ItemInfo
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		info.ModTime = *props.LastModified
	}
	if len(props.ContentMD5) > 0 {
		info.Hash = hex.EncodeToString(props.ContentMD5)
	} else {
		// Uploaded without a Content-MD5; hash the content instead.
		info.Hash, err = b.hashBlob(ctx, key)
		if err != nil {
			return storagebroker.ItemInfo{}, err
		}
	}
	return info, nil
}

func (b *broker) hashBlob(ctx context.Context, key string) (string, error) {
	resp, err := b.client.DownloadStream(ctx, b.uuid, key, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return storagebroker.MD5Sum(resp.Body)
}

func (b *broker) FetchItem(ctx context.Context, handle string) (string, error) {
	datasetCache := filepath.Join(b.cacheDir, b.uuid)
	if err := os.MkdirAll(datasetCache, 0o755); err != nil {
		return "", err
	}
	localPath := filepath.Join(datasetCache, storagebroker.ItemIdentifier(handle)+path.Ext(handle))
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	}

	key := layout.ItemKey(handle)
	tmpPath := localPath + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	_, err = b.client.DownloadFile(ctx, b.uuid, key, dst, nil)
	if err != nil {
		dst.Close()
		os.Remove(tmpPath)
		if isNotFound(err) {
			return "", storagebroker.KeyNotFoundError{Key: key}
		}
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		return "", err
	}
	return localPath, nil
}

func (b *broker) PreFreeze(ctx context.Context) error {
	// Every blob in the container is key-addressed; nothing rogue can sit
	// next to the dataset structure.
	return nil
}

func (b *broker) PostFreeze(ctx context.Context) error {
	keys, err := b.listKeys(ctx, layout.FragmentsPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := b.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (b *broker) signedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if expires <= 0 {
		expires = defaultSignedURLExpiry
	}
	blobURL := b.containerClient().NewBlobClient(key).URL()
	urlParts, err := sas.ParseURL(blobURL)
	if err != nil {
		return "", err
	}
	signatureValues := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     time.Now().UTC().Add(-10 * time.Second),
		ExpiryTime:    time.Now().UTC().Add(expires),
		Permissions:   sas.BlobPermissions{Read: true}.String(),
		ContainerName: urlParts.ContainerName,
		BlobName:      urlParts.BlobName,
	}
	urlParts.SAS, err = signatureValues.SignWithSharedKey(b.cred)
	if err != nil {
		return "", err
	}
	return urlParts.String(), nil
}

var (
	_ storagebroker.StorageBroker = &broker{}
	_ storagebroker.URLSigner     = &Broker{}
)
