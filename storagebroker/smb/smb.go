// Package smb provides a storage broker for datasets on SMB shares.
// Datasets live in directories named by uuid under a base directory on the
// share. The account name in the URI host selects the DTOOL_SMB_*
// configuration keys holding the connection credentials.
package smb

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	smb2 "github.com/hirochachacha/go-smb2"

	"github.com/dtool-go/dtool/configuration"
	"github.com/dtool-go/dtool/internal/dcontext"
	"github.com/dtool-go/dtool/storagebroker"
	"github.com/dtool-go/dtool/storagebroker/base"
	"github.com/dtool-go/dtool/storagebroker/factory"
	"github.com/dtool-go/dtool/version"
)

const scheme = "smb"

const (
	dirMode  = 0o755
	fileMode = 0o644
)

var layout = storagebroker.Layout{
	AdminMetadataKey:  "_dtool/dtool",
	ReadmeKey:         "README.yml",
	ManifestKey:       "_dtool/manifest.json",
	StructureKey:      "_dtool/structure.json",
	DtoolReadmeKey:    "_dtool/README.txt",
	DataPrefix:        "data/",
	FragmentsPrefix:   "_dtool/tmp_fragments/",
	OverlaysPrefix:    "_dtool/overlays/",
	AnnotationsPrefix: "_dtool/annotations/",
	TagsPrefix:        "_dtool/tags/",
}

const dtoolReadme = `README
======
This is a Dtool dataset stored in an SMB share.

Content provided during the dataset creation process
----------------------------------------------------

Directory named $UUID, where UUID is the unique identifier for the
dataset.

Dataset descriptive metadata: README.yml

Dataset items. The keys for these blobs are item identifiers. An item
identifier is the sha1sum hexdigest of the relative path used to represent the
file on traditional file system disk.

Administrative metadata describing the dataset is encoded as metadata on the
container.


Automatically generated blobs
-----------------------------

This file: README.txt
Structural metadata describing the dataset: structure.json
Structural metadata describing the data items: manifest.json
Per item descriptive metadata prefixed by: overlays/
Dataset key/value pairs metadata prefixed by: annotations/
Dataset tags metadata prefixed by: tags/
`

// NT status codes go-smb2 reports when a path component or leaf is absent.
const (
	ntStatusNoSuchFile         = 0xC000000F
	ntStatusObjectNameNotFound = 0xC0000034
	ntStatusObjectPathNotFound = 0xC000003A
)

func isNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var respErr *smb2.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.Code {
		case ntStatusNoSuchFile, ntStatusObjectNameNotFound, ntStatusObjectPathNotFound:
			return true
		}
	}
	return false
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
	params, err := ParametersFromConfig(cfg, account)
	if err != nil {
		return nil, err
	}
	conn, err := connect(ctx, params)
	if err != nil {
		return nil, err
	}
	defer conn.close()

	entries, err := conn.share.WithContext(ctx).ReadDir(winJoin(params.Path))
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s on share %s: %w", params.Path, params.ServiceName, err)
	}

	var uris []string
	for _, fi := range entries {
		if fi.IsDir() {
			uris = append(uris, datasetURI(account, fi.Name()))
		}
	}
	sort.Strings(uris)
	return uris, nil
}

func (brokerFactory) GenerateURI(name, uuid, baseURI string) (string, error) {
	// Datasets on a share are addressed by uuid; the name only lives in
	// the administrative metadata.
	account, err := accountFromURI(baseURI)
	if err != nil {
		return "", err
	}
	return datasetURI(account, uuid), nil
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
		return "", fmt.Errorf("not an smb URI: %s", uri)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("smb URIs carry the account name as host, smb://<account>/<uuid>: %s", uri)
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
		return "", "", fmt.Errorf("smb dataset URIs take the form smb://<account>/<uuid>: %s", uri)
	}
	return account, uuid, nil
}

// winJoin joins path elements into the backslash separated form the share
// expects. Elements use forward slashes; empty elements are dropped.
func winJoin(elem ...string) string {
	joined := strings.Trim(path.Join(elem...), "/")
	return strings.ReplaceAll(joined, "/", `\`)
}

// connection bundles the transport, session and mounted share for one
// account.
type connection struct {
	conn    net.Conn
	session *smb2.Session
	share   *smb2.Share
}

func connect(ctx context.Context, params Parameters) (*connection, error) {
	addr := net.JoinHostPort(params.ServerName, strconv.Itoa(params.ServerPort))

	dcontext.GetLoggerWithFields(ctx, map[string]any{
		"server": addr,
		"share":  params.ServiceName,
		"domain": params.Domain,
		"user":   params.Username,
	}).Info("connecting to SMB share")

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	dialer := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     params.Username,
			Password: params.Password,
			Domain:   params.Domain,
		},
	}
	session, err := dialer.DialContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SMB session with %s: %w", addr, err)
	}
	share, err := session.Mount(params.ServiceName)
	if err != nil {
		session.Logoff()
		conn.Close()
		return nil, fmt.Errorf("mounting share %s on %s: %w", params.ServiceName, addr, err)
	}
	return &connection{conn: conn, session: session, share: share}, nil
}

func (c *connection) close() error {
	var firstErr error
	if err := c.share.Umount(); err != nil {
		firstErr = err
	}
	if err := c.session.Logoff(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

type broker struct {
	account string
	uuid    string
	path    string // base directory on the share holding the datasets

	conn        *connection
	serviceName string
	cacheDir    string

	// hashCache records md5 hexdigests of items uploaded through this
	// broker so freezing does not read everything back over the wire.
	hashCache map[string]string
}

type baseEmbed struct {
	base.Base
}

// Broker is a storagebroker.StorageBroker for datasets on an SMB share.
type Broker struct {
	baseEmbed
}

// New connects to the share holding the dataset at uri and returns a
// broker bound to it. The dataset does not have to exist yet.
func New(ctx context.Context, uri string, cfg *configuration.Config) (*Broker, error) {
	account, uuid, err := splitURI(uri)
	if err != nil {
		return nil, err
	}
	params, err := ParametersFromConfig(cfg, account)
	if err != nil {
		return nil, err
	}
	conn, err := connect(ctx, params)
	if err != nil {
		return nil, err
	}
	b := &Broker{}
	b.StorageBroker = &broker{
		account:     account,
		uuid:        uuid,
		path:        params.Path,
		conn:        conn,
		serviceName: params.ServiceName,
		cacheDir:    cfg.CacheDirectory(),
		hashCache:   make(map[string]string),
	}
	return b, nil
}

// fsys returns the mounted share bound to ctx.
func (b *broker) fsys(ctx context.Context) *smb2.Share {
	return b.conn.share.WithContext(ctx)
}

// winPath converts a dataset key into the backslash separated path of the
// backing file on the share.
func (b *broker) winPath(key string) string {
	return winJoin(b.path, b.uuid, key)
}

func (b *broker) Scheme() string {
	return scheme
}

func (b *broker) URI() string {
	return datasetURI(b.account, b.uuid)
}

func (b *broker) Close() error {
	return b.conn.close()
}

func (b *broker) Layout() storagebroker.Layout {
	return layout
}

func (b *broker) SelfDescription() storagebroker.SelfDescription {
	return storagebroker.SelfDescription{
		Structure: map[string]interface{}{
			"data_directory":               []string{"data"},
			"dataset_readme_relpath":       []string{"README.yml"},
			"dtool_directory":              []string{"_dtool"},
			"admin_metadata_relpath":       []string{"_dtool", "dtool"},
			"structure_metadata_relpath":   []string{"_dtool", "structure.json"},
			"dtool_readme_relpath":         []string{"_dtool", "README.txt"},
			"manifest_relpath":             []string{"_dtool", "manifest.json"},
			"overlays_directory":           []string{"_dtool", "overlays"},
			"annotations_directory":        []string{"_dtool", "annotations"},
			"tags_directory":               []string{"_dtool", "tags"},
			"metadata_fragments_directory": []string{"_dtool", "tmp_fragments"},
			"storage_broker_version":       version.Version(),
		},
		Readme: dtoolReadme,
	}
}

func (b *broker) CreateStructure(ctx context.Context) error {
	fsys := b.fsys(ctx)
	if _, err := fsys.Stat(b.winPath("")); err == nil {
		return storagebroker.DatasetExistsError{URI: b.URI()}
	} else if !isNotExist(err) {
		return err
	}
	for _, dir := range []string{
		"",
		"_dtool",
		"data",
		"_dtool/overlays",
		"_dtool/annotations",
		"_dtool/tags",
	} {
		if err := fsys.MkdirAll(b.winPath(dir), dirMode); err != nil {
			return fmt.Errorf("creating dataset structure: %w", err)
		}
	}
	return nil
}

func (b *broker) HasAdminMetadata(ctx context.Context) (bool, error) {
	_, err := b.fsys(ctx).Stat(b.winPath(layout.AdminMetadataKey))
	if err != nil {
		if isNotExist(err) {
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
	content, err := b.fsys(ctx).ReadFile(b.winPath(key))
	if err != nil {
		if isNotExist(err) {
			return nil, storagebroker.KeyNotFoundError{Key: key}
		}
		return nil, err
	}
	return content, nil
}

func (b *broker) PutContent(ctx context.Context, key string, content []byte) error {
	fsys := b.fsys(ctx)
	parent := winJoin(path.Dir(path.Join(b.path, b.uuid, key)))
	if err := fsys.MkdirAll(parent, dirMode); err != nil {
		return err
	}
	return fsys.WriteFile(b.winPath(key), content, fileMode)
}

func (b *broker) Delete(ctx context.Context, key string) error {
	err := b.fsys(ctx).Remove(b.winPath(key))
	if err != nil && !isNotExist(err) {
		return err
	}
	return nil
}

func (b *broker) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := b.fsys(ctx).ReadDir(b.winPath(prefix))
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, fi := range entries {
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (b *broker) PutItem(ctx context.Context, localPath string, relpath string) (string, error) {
	handle := path.Clean(strings.ReplaceAll(relpath, "\\", "/"))
	key := layout.ItemKey(handle)

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening item source: %w", err)
	}
	defer src.Close()

	fsys := b.fsys(ctx)
	parent := winJoin(path.Dir(path.Join(b.path, b.uuid, key)))
	if err := fsys.MkdirAll(parent, dirMode); err != nil {
		return "", err
	}
	dst, err := fsys.Create(b.winPath(key))
	if err != nil {
		return "", err
	}

	// Hash while uploading instead of reading the item back afterwards.
	hasher := md5.New()
	if _, err := io.Copy(dst, io.TeeReader(src, hasher)); err != nil {
		dst.Close()
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	b.hashCache[handle] = hex.EncodeToString(hasher.Sum(nil))
	return handle, nil
}

func (b *broker) ItemHandles(ctx context.Context) ([]string, error) {
	fsys := b.fsys(ctx)

	var handles []string
	dirs := []string{""}
	for len(dirs) > 0 {
		dir := dirs[len(dirs)-1]
		dirs = dirs[:len(dirs)-1]

		entries, err := fsys.ReadDir(winJoin(b.path, b.uuid, layout.DataPrefix, dir))
		if err != nil {
			if isNotExist(err) && dir == "" {
				return nil, nil
			}
			return nil, err
		}
		for _, fi := range entries {
			rel := path.Join(dir, fi.Name())
			if fi.IsDir() {
				dirs = append(dirs, rel)
			} else {
				handles = append(handles, rel)
			}
		}
	}
	sort.Strings(handles)
	return handles, nil
}

func (b *broker) ItemProperties(ctx context.Context, handle string) (storagebroker.ItemInfo, error) {
	key := layout.ItemKey(handle)
	fi, err := b.fsys(ctx).Stat(b.winPath(key))
	if err != nil {
		if isNotExist(err) {
			return storagebroker.ItemInfo{}, storagebroker.KeyNotFoundError{Key: key}
		}
		return storagebroker.ItemInfo{}, err
	}
	hash, err := b.itemHash(ctx, handle)
	if err != nil {
		return storagebroker.ItemInfo{}, err
	}
	return storagebroker.ItemInfo{
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		Hash:    hash,
	}, nil
}

// itemHash returns the md5 hexdigest recorded when the item was uploaded
// through this broker, reading the item back when it was uploaded
// elsewhere.
func (b *broker) itemHash(ctx context.Context, handle string) (string, error) {
	if hash, ok := b.hashCache[handle]; ok {
		return hash, nil
	}
	f, err := b.fsys(ctx).Open(b.winPath(layout.ItemKey(handle)))
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash, err := storagebroker.MD5Sum(f)
	if err != nil {
		return "", err
	}
	b.hashCache[handle] = hash
	return hash, nil
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
	src, err := b.fsys(ctx).Open(b.winPath(key))
	if err != nil {
		if isNotExist(err) {
			return "", storagebroker.KeyNotFoundError{Key: key}
		}
		return "", err
	}
	defer src.Close()

	// Download to a temporary name so interrupted transfers never look
	// like cached items.
	tmpPath := localPath + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
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
	entries, err := b.fsys(ctx).ReadDir(b.winPath(""))
	if err != nil {
		return err
	}
	for _, fi := range entries {
		if fi.IsDir() {
			continue
		}
		name := fi.Name()
		if name == layout.ReadmeKey || strings.HasPrefix(name, layout.ReadmeKey+"-") {
			continue
		}
		return storagebroker.ValidationError{
			URI:    b.URI(),
			Detail: fmt.Sprintf("rogue content in base of dataset: %s", name),
		}
	}
	return nil
}

func (b *broker) PostFreeze(ctx context.Context) error {
	err := b.fsys(ctx).RemoveAll(b.winPath(layout.FragmentsPrefix))
	if err != nil && !isNotExist(err) {
		return err
	}
	return nil
}

var _ storagebroker.StorageBroker = &broker{}
