// Package s3 provides a storage broker for datasets in Amazon S3 or any
// S3-compatible object store. All datasets of one base URI share a bucket;
// each dataset's keys live under a uuid prefix, with a small registration
// object at the bucket root making dataset listings cheap.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/dtool-go/dtool/configuration"
	"github.com/dtool-go/dtool/internal/dcontext"
	"github.com/dtool-go/dtool/storagebroker"
	"github.com/dtool-go/dtool/storagebroker/base"
	"github.com/dtool-go/dtool/storagebroker/factory"
	"github.com/dtool-go/dtool/version"
)

const scheme = "s3"

// itemMD5MetadataKey names the object metadata entry carrying the md5
// hexdigest recorded at upload time.
const itemMD5MetadataKey = "item-md5"

// registrationPrefix marks the bucket-root objects that register dataset
// uuids, so listing datasets does not scan every key in the bucket.
const registrationPrefix = "dtool-"

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
This is a Dtool dataset stored in an S3 bucket.

Content provided during the dataset creation process
----------------------------------------------------

Keys prefixed by $UUID/, where UUID is the unique identifier for the
dataset.

Dataset descriptive metadata: README.yml

Dataset items prefixed by: data/


Automatically generated objects
-------------------------------

This file: README.txt
Administrative metadata describing the dataset: dtool
Structural metadata describing the dataset: structure.json
Structural metadata describing the data items: manifest.json
Per item descriptive metadata prefixed by: overlays/
Dataset key/value pairs metadata prefixed by: annotations/
Dataset tags metadata prefixed by: tags/
`

func isNotFound(err error) bool {
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
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
	bucket, err := bucketFromURI(baseURI)
	if err != nil {
		return nil, err
	}
	params, err := ParametersFromConfig(cfg, bucket)
	if err != nil {
		return nil, err
	}
	svc, err := newService(params)
	if err != nil {
		return nil, err
	}

	prefix := params.DatasetPrefix + registrationPrefix
	var uris []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	for {
		resp, err := svc.ListObjectsV2WithContext(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("listing datasets in bucket %s: %w", bucket, err)
		}
		for _, obj := range resp.Contents {
			uuid := strings.TrimPrefix(aws.StringValue(obj.Key), prefix)
			if uuid != "" {
				uris = append(uris, datasetURI(bucket, uuid))
			}
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		input.ContinuationToken = resp.NextContinuationToken
	}
	sort.Strings(uris)
	return uris, nil
}

func (brokerFactory) GenerateURI(name, uuid, baseURI string) (string, error) {
	// Keys are prefixed by uuid; the dataset name only lives in the
	// administrative metadata.
	bucket, err := bucketFromURI(baseURI)
	if err != nil {
		return "", err
	}
	return datasetURI(bucket, uuid), nil
}

func datasetURI(bucket, uuid string) string {
	return (&url.URL{Scheme: scheme, Host: bucket, Path: "/" + uuid}).String()
}

func bucketFromURI(uri string) (string, error) {
	parsed, err := storagebroker.ParseURI(uri)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != scheme {
		return "", fmt.Errorf("not an s3 URI: %s", uri)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("s3 URIs carry the bucket as host, s3://<bucket>/<uuid>: %s", uri)
	}
	return parsed.Host, nil
}

func splitURI(uri string) (bucket, uuid string, err error) {
	bucket, err = bucketFromURI(uri)
	if err != nil {
		return "", "", err
	}
	parsed, _ := storagebroker.ParseURI(uri)
	uuid = strings.TrimPrefix(parsed.Path, "/")
	if uuid == "" || strings.Contains(uuid, "/") {
		return "", "", fmt.Errorf("s3 dataset URIs take the form s3://<bucket>/<uuid>: %s", uri)
	}
	return bucket, uuid, nil
}

func newService(params *Parameters) (*s3.S3, error) {
	awsConfig := aws.NewConfig().WithRegion(params.Region)
	if params.AccessKeyID != "" {
		awsConfig.WithCredentials(credentials.NewStaticCredentials(
			params.AccessKeyID,
			params.SecretAccessKey,
			"",
		))
	}
	if params.Endpoint != "" {
		// Custom endpoints (MinIO, localstack) resolve buckets by path,
		// not by virtual host.
		awsConfig.WithEndpoint(params.Endpoint)
		awsConfig.WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	return s3.New(sess), nil
}

type broker struct {
	bucket string
	uuid   string
	prefix string // "<dataset-prefix><uuid>/"

	registrationKey string
	svc             *s3.S3
	cacheDir        string
}

type baseEmbed struct {
	base.Base
}

// Broker is a storagebroker.StorageBroker for datasets in an S3 bucket. It
// also implements storagebroker.URLSigner using pre-signed requests.
type Broker struct {
	baseEmbed
}

// SignedURL returns a pre-signed read URL for the object at key. A zero
// expiry signs for twenty minutes.
func (b *Broker) SignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	return b.StorageBroker.(*broker).signedURL(ctx, key, expires)
}

// New returns a broker for the dataset at uri. Construction fails on
// inconsistent credentials; the backend itself is not contacted.
func New(ctx context.Context, uri string, cfg *configuration.Config) (*Broker, error) {
	bucket, uuid, err := splitURI(uri)
	if err != nil {
		return nil, err
	}
	params, err := ParametersFromConfig(cfg, bucket)
	if err != nil {
		return nil, err
	}
	svc, err := newService(params)
	if err != nil {
		return nil, err
	}
	b := &Broker{}
	b.StorageBroker = &broker{
		bucket:          bucket,
		uuid:            uuid,
		prefix:          params.DatasetPrefix + uuid + "/",
		registrationKey: params.DatasetPrefix + registrationPrefix + uuid,
		svc:             svc,
		cacheDir:        cfg.CacheDirectory(),
	}
	return b, nil
}

// objectKey returns the bucket key backing a dataset key.
func (b *broker) objectKey(key string) string {
	return b.prefix + key
}

func (b *broker) Scheme() string {
	return scheme
}

func (b *broker) URI() string {
	return datasetURI(b.bucket, b.uuid)
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
			"data_key_infix":         "data",
			"fragment_key_infix":     "fragments",
			"overlays_key_infix":     "overlays",
			"annotations_key_infix":  "annotations",
			"tags_key_infix":         "tags",
			"storage_broker_version": version.Version(),
		},
		Readme: dtoolReadme,
	}
}

func (b *broker) CreateStructure(ctx context.Context) error {
	dcontext.GetLoggerWithFields(ctx, map[string]any{
		"bucket": b.bucket,
		"prefix": b.prefix,
	}).Debug("registering dataset")

	_, err := b.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.registrationKey),
	})
	if err == nil {
		return storagebroker.DatasetExistsError{URI: b.URI()}
	}
	if !isNotFound(err) {
		return err
	}

	_, err = b.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.registrationKey),
		Body:   bytes.NewReader([]byte(b.uuid)),
	})
	if err != nil {
		return fmt.Errorf("registering dataset %s: %w", b.uuid, err)
	}
	return nil
}

func (b *broker) HasAdminMetadata(ctx context.Context) (bool, error) {
	_, err := b.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(layout.AdminMetadataKey)),
	})
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

func (b *broker) PutAdminMetadata(ctx context.Context, meta []byte) error {
	return b.PutContent(ctx, layout.AdminMetadataKey, meta)
}

func (b *broker) GetContent(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
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
	_, err := b.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
		Body:   bytes.NewReader(content),
	})
	return err
}

func (b *broker) Delete(ctx context.Context, key string) error {
	_, err := b.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (b *broker) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := b.objectKey(prefix)
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(fullPrefix),
		Delimiter: aws.String("/"),
	}

	var names []string
	for {
		resp, err := b.svc.ListObjectsV2WithContext(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, obj := range resp.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), fullPrefix)
			if name != "" {
				names = append(names, name)
			}
		}
		for _, p := range resp.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.StringValue(p.Prefix), fullPrefix), "/")
			if name != "" {
				names = append(names, name)
			}
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		input.ContinuationToken = resp.NextContinuationToken
	}
	sort.Strings(names)
	return names, nil
}

// listKeys returns the full dataset keys under prefix, without delimiter
// collapsing.
func (b *broker) listKeys(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := b.objectKey(prefix)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(fullPrefix),
	}

	var keys []string
	for {
		resp, err := b.svc.ListObjectsV2WithContext(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, obj := range resp.Contents {
			key := strings.TrimPrefix(aws.StringValue(obj.Key), b.prefix)
			if key != "" {
				keys = append(keys, key)
			}
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		input.ContinuationToken = resp.NextContinuationToken
	}
	return keys, nil
}

func (b *broker) PutItem(ctx context.Context, localPath string, relpath string) (string, error) {
	handle := path.Clean(strings.ReplaceAll(relpath, "\\", "/"))
	key := layout.ItemKey(handle)

	hash, err := md5File(localPath)
	if err != nil {
		return "", err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening item source: %w", err)
	}
	defer src.Close()

	// The digest rides along as object metadata, so freezing reads it
	// back from a HEAD request instead of downloading the content.
	_, err = b.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(b.objectKey(key)),
		Body:     src,
		Metadata: map[string]*string{itemMD5MetadataKey: aws.String(hash)},
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening item source: %w", err)
	}
	defer f.Close()
	return storagebroker.MD5Sum(f)
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
	resp, err := b.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return storagebroker.ItemInfo{}, storagebroker.KeyNotFoundError{Key: key}
		}
		return storagebroker.ItemInfo{}, err
	}

	info := storagebroker.ItemInfo{
		Size:    aws.Int64Value(resp.ContentLength),
		ModTime: aws.TimeValue(resp.LastModified),
	}
	if hash := metadataValue(resp.Metadata, itemMD5MetadataKey); hash != "" {
		info.Hash = hash
	} else {
		// Uploaded without the metadata entry; hash the content instead.
		info.Hash, err = b.hashObject(ctx, key)
		if err != nil {
			return storagebroker.ItemInfo{}, err
		}
	}
	return info, nil
}

// metadataValue looks up an object metadata entry. The SDK canonicalizes
// metadata keys as HTTP headers, so the lookup has to be case insensitive.
func metadataValue(metadata map[string]*string, key string) string {
	for k, v := range metadata {
		if strings.EqualFold(k, key) && v != nil {
			return *v
		}
	}
	return ""
}

func (b *broker) hashObject(ctx context.Context, key string) (string, error) {
	resp, err := b.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
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
	resp, err := b.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return "", storagebroker.KeyNotFoundError{Key: key}
		}
		return "", err
	}
	defer resp.Body.Close()

	tmpPath := localPath + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
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
	// Every object is key-addressed under the dataset prefix; nothing
	// rogue can sit next to the dataset structure.
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
	req, _ := b.svc.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	req.SetContext(ctx)
	return req.Presign(expires)
}

var (
	_ storagebroker.StorageBroker = &broker{}
	_ storagebroker.URLSigner     = &Broker{}
)
