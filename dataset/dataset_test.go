package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtool-go/dtool/configuration"
	"github.com/dtool-go/dtool/storagebroker"
	_ "github.com/dtool-go/dtool/storagebroker/disk"
)

// emptyConfig returns a configuration backed only by the environment.
func emptyConfig(t *testing.T) *configuration.Config {
	t.Helper()
	cfg, err := configuration.Load(filepath.Join(t.TempDir(), "dtool.json"))
	require.NoError(t, err)
	return cfg
}

// writeFile materializes content at relpath inside a fresh temporary
// directory and returns the absolute path.
func writeFile(t *testing.T, relpath, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), filepath.FromSlash(relpath))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// createFrozen builds a frozen dataset on disk holding the given
// relpath to content mapping and returns it together with the dataset's
// directory.
func createFrozen(t *testing.T, items map[string]string) (*Dataset, string) {
	t.Helper()
	ctx := context.Background()

	proto, err := CreateProtoDataset(ctx, "my-dataset", "file://"+t.TempDir(), emptyConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { proto.Close() })

	for relpath, content := range items {
		_, err := proto.PutItem(ctx, writeFile(t, relpath, content), relpath)
		require.NoError(t, err)
	}

	ds, err := proto.Freeze(ctx)
	require.NoError(t, err)
	return ds, strings.TrimPrefix(ds.URI(), "file://")
}

func TestProtoDatasetLifecycle(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()

	proto, err := CreateProtoDataset(ctx, "my-dataset", "file://"+baseDir, emptyConfig(t))
	require.NoError(t, err)
	defer proto.Close()

	assert.Equal(t, "my-dataset", proto.Name())
	assert.Equal(t, TypeProtoDataset, proto.AdminMetadata().Type)
	assert.NotEmpty(t, proto.UUID())

	// creation writes the broker's self description alongside the
	// administrative metadata
	datasetDir := filepath.Join(baseDir, "my-dataset")
	for _, relpath := range []string{
		filepath.Join(".dtool", "dtool"),
		filepath.Join(".dtool", "structure.json"),
		filepath.Join(".dtool", "README.txt"),
		"README.yml",
	} {
		_, err := os.Stat(filepath.Join(datasetDir, relpath))
		assert.NoError(t, err, "expected %s to exist", relpath)
	}

	require.NoError(t, proto.PutReadme(ctx, "---\ndescription: lifecycle test\n"))
	readme, err := proto.Readme(ctx)
	require.NoError(t, err)
	assert.Equal(t, "---\ndescription: lifecycle test\n", readme)

	handle, err := proto.PutItem(ctx, writeFile(t, "hello.txt", "Hello world!"), "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", handle)
	require.NoError(t, proto.AddItemMetadata(ctx, handle, "mimetype", "text/plain"))

	ds, err := proto.Freeze(ctx)
	require.NoError(t, err)

	identifier := storagebroker.ItemIdentifier("hello.txt")
	assert.Equal(t, []string{identifier}, ds.Identifiers())

	item, err := ds.Item(identifier)
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", item.Relpath)
	assert.Equal(t, int64(len("Hello world!")), item.SizeInBytes)

	wantHash, err := storagebroker.MD5Sum(strings.NewReader("Hello world!"))
	require.NoError(t, err)
	assert.Equal(t, wantHash, item.Hash)
	assert.Greater(t, item.UTCTimestamp, 0.0)

	path, err := ds.ItemContentPath(ctx, identifier)
	require.NoError(t, err)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", string(content))

	// the item metadata fragment became an overlay
	overlay, err := ds.Overlay(ctx, "mimetype")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"text/plain"`), overlay[identifier])

	admin := ds.AdminMetadata()
	assert.Equal(t, TypeDataset, admin.Type)
	assert.Greater(t, admin.FrozenAt, 0.0)

	// the fragments working directory is gone after freezing
	_, err = os.Stat(filepath.Join(datasetDir, ".dtool", "tmp_fragments"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestFreezeTwice(t *testing.T) {
	ctx := context.Background()

	proto, err := CreateProtoDataset(ctx, "my-dataset", "file://"+t.TempDir(), emptyConfig(t))
	require.NoError(t, err)
	defer proto.Close()

	_, err = proto.Freeze(ctx)
	require.NoError(t, err)

	_, err = proto.Freeze(ctx)
	var frozen AlreadyFrozenError
	require.ErrorAs(t, err, &frozen)
	assert.Equal(t, proto.URI(), frozen.URI)
}

func TestEmptyDatasetFreezes(t *testing.T) {
	ds, datasetDir := createFrozen(t, nil)
	assert.Empty(t, ds.Identifiers())

	// an empty manifest still carries an items object, not null
	raw, err := os.ReadFile(filepath.Join(datasetDir, ".dtool", "manifest.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"items": {}`)
	assert.Contains(t, string(raw), `"hash_function": "md5sum_hexdigest"`)
}

func TestFromURIRoundTrip(t *testing.T) {
	ctx := context.Background()
	ds, _ := createFrozen(t, map[string]string{
		"a.txt":     "alpha",
		"sub/b.txt": "beta",
	})

	reloaded, err := FromURI(ctx, ds.URI(), emptyConfig(t))
	require.NoError(t, err)
	defer reloaded.Close()

	assert.Equal(t, ds.UUID(), reloaded.UUID())
	assert.Equal(t, ds.Identifiers(), reloaded.Identifiers())
	assert.Equal(t, ds.Manifest(), reloaded.Manifest())
}

func TestFromURITypeChecks(t *testing.T) {
	ctx := context.Background()
	cfg := emptyConfig(t)

	proto, err := CreateProtoDataset(ctx, "my-dataset", "file://"+t.TempDir(), cfg)
	require.NoError(t, err)
	defer proto.Close()

	_, err = FromURI(ctx, proto.URI(), cfg)
	var mismatch TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, TypeDataset, mismatch.Want)
	assert.Equal(t, TypeProtoDataset, mismatch.Got)

	_, err = proto.Freeze(ctx)
	require.NoError(t, err)

	_, err = FromURIProto(ctx, proto.URI(), cfg)
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, TypeProtoDataset, mismatch.Want)
	assert.Equal(t, TypeDataset, mismatch.Got)
}

func TestFromURINoDataset(t *testing.T) {
	_, err := FromURI(context.Background(), "file://"+t.TempDir(), emptyConfig(t))
	var notDataset NotDatasetError
	assert.ErrorAs(t, err, &notDataset)
}

func TestItemUnknownIdentifier(t *testing.T) {
	ds, _ := createFrozen(t, map[string]string{"a.txt": "alpha"})

	_, err := ds.Item("0000000000000000000000000000000000000000")
	var unknown UnknownIdentifierError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "0000000000000000000000000000000000000000", unknown.Identifier)
}

func TestPutOverlayCoverage(t *testing.T) {
	ctx := context.Background()
	ds, _ := createFrozen(t, map[string]string{
		"a.txt": "alpha",
		"b.txt": "beta",
	})

	idA := storagebroker.ItemIdentifier("a.txt")
	idB := storagebroker.ItemIdentifier("b.txt")

	overlay := map[string]json.RawMessage{
		idA: json.RawMessage(`1`),
		idB: json.RawMessage(`2`),
	}
	require.NoError(t, ds.PutOverlay(ctx, "order", overlay))

	got, err := ds.Overlay(ctx, "order")
	require.NoError(t, err)
	assert.Equal(t, overlay, got)

	names, err := ds.OverlayNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"order"}, names)

	var coverage OverlayCoverageError
	err = ds.PutOverlay(ctx, "partial", map[string]json.RawMessage{idA: json.RawMessage(`1`)})
	require.ErrorAs(t, err, &coverage)
	assert.Equal(t, []string{idB}, coverage.Missing)
	assert.Empty(t, coverage.Extra)

	overlay["ffffffffffffffffffffffffffffffffffffffff"] = json.RawMessage(`3`)
	err = ds.PutOverlay(ctx, "bloated", overlay)
	require.ErrorAs(t, err, &coverage)
	assert.Equal(t, []string{"ffffffffffffffffffffffffffffffffffffffff"}, coverage.Extra)
}

func TestAnnotations(t *testing.T) {
	ctx := context.Background()

	proto, err := CreateProtoDataset(ctx, "my-dataset", "file://"+t.TempDir(), emptyConfig(t))
	require.NoError(t, err)
	defer proto.Close()

	require.NoError(t, proto.PutAnnotation(ctx, "project", "apollo"))
	require.NoError(t, proto.PutAnnotation(ctx, "run", 7))

	names, err := proto.AnnotationNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"project", "run"}, names)

	value, err := proto.Annotation(ctx, "project")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"apollo"`), value)

	// annotations survive freezing
	ds, err := proto.Freeze(ctx)
	require.NoError(t, err)
	value, err = ds.Annotation(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`7`), value)

	_, err = ds.Annotation(ctx, "absent")
	assert.True(t, storagebroker.IsKeyNotFound(err))

	err = ds.PutAnnotation(ctx, "no spaces", 1)
	var invalid InvalidNameError
	assert.ErrorAs(t, err, &invalid)
}

func TestTags(t *testing.T) {
	ctx := context.Background()
	ds, _ := createFrozen(t, nil)

	require.NoError(t, ds.PutTag(ctx, "testing"))
	require.NoError(t, ds.PutTag(ctx, "amazing"))
	require.NoError(t, ds.PutTag(ctx, "testing"))

	tags, err := ds.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"amazing", "testing"}, tags)

	require.NoError(t, ds.DeleteTag(ctx, "amazing"))
	require.NoError(t, ds.DeleteTag(ctx, "amazing"))

	tags, err = ds.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"testing"}, tags)

	var invalid InvalidNameError
	assert.ErrorAs(t, ds.PutTag(ctx, "no spaces"), &invalid)
}

func TestDatasetPutReadmeKeepsBackup(t *testing.T) {
	ctx := context.Background()
	ds, datasetDir := createFrozen(t, nil)

	require.NoError(t, ds.PutReadme(ctx, "---\ndescription: first\n"))
	require.NoError(t, ds.PutReadme(ctx, "---\ndescription: second\n"))

	readme, err := ds.Readme(ctx)
	require.NoError(t, err)
	assert.Equal(t, "---\ndescription: second\n", readme)

	entries, err := os.ReadDir(datasetDir)
	require.NoError(t, err)
	var backups []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "README.yml-") {
			backups = append(backups, entry.Name())
		}
	}
	require.NotEmpty(t, backups)

	content, err := os.ReadFile(filepath.Join(datasetDir, backups[len(backups)-1]))
	require.NoError(t, err)
	assert.Equal(t, "---\ndescription: first\n", string(content))
}
