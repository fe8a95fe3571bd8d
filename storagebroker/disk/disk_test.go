package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtool-go/dtool/storagebroker"
	"github.com/dtool-go/dtool/storagebroker/testsuites"
)

// Test hooks up gocheck into the "go test" runner.
func Test(t *testing.T) { testsuites.Test(t) }

func init() {
	root, err := os.MkdirTemp("", "dtool-disk-broker-test-")
	if err != nil {
		panic(err)
	}

	constructor := func(uuid string) (storagebroker.StorageBroker, error) {
		return New("file://" + filepath.Join(root, uuid))
	}
	cleanup := func(ctx context.Context, broker storagebroker.StorageBroker) error {
		parsed, err := storagebroker.ParseURI(broker.URI())
		if err != nil {
			return err
		}
		return os.RemoveAll(parsed.Path)
	}

	testsuites.RegisterSuite(constructor, cleanup, testsuites.NeverSkip)
}

func TestGenerateURIUsesName(t *testing.T) {
	uri, err := brokerFactory{}.GenerateURI("my-dataset", "11111111-2222-3333-4444-555555555555", "file:///tmp/base")
	require.NoError(t, err)
	assert.Equal(t, "file:///tmp/base/my-dataset", uri)
}

func TestURIToPathRejectsRemote(t *testing.T) {
	_, err := uriToPath("file://host/share")
	assert.Error(t, err)
}

func TestBareAndTrailingSlashURIs(t *testing.T) {
	b, err := New("file:///tmp/base/demo/")
	require.NoError(t, err)
	assert.Equal(t, "file:///tmp/base/demo", b.URI())
}

func TestListDatasetURIs(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()

	b, err := New("file://" + filepath.Join(base, "one"))
	require.NoError(t, err)
	require.NoError(t, b.CreateStructure(ctx))
	require.NoError(t, b.PutAdminMetadata(ctx, []byte(`{"name": "one"}`)))

	// A directory without admin metadata is not a dataset.
	require.NoError(t, os.Mkdir(filepath.Join(base, "not-a-dataset"), 0o755))
	// Nor is a stray file.
	require.NoError(t, os.WriteFile(filepath.Join(base, "stray.txt"), []byte("x"), 0o644))

	uris, err := brokerFactory{}.ListDatasetURIs(ctx, "file://"+base, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"file://" + filepath.Join(base, "one")}, uris)
}

func TestFetchItemReturnsStoredPath(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()

	b, err := New("file://" + filepath.Join(base, "ds"))
	require.NoError(t, err)
	require.NoError(t, b.CreateStructure(ctx))

	src := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	handle, err := b.PutItem(ctx, src, "input.txt")
	require.NoError(t, err)

	fetched, err := b.FetchItem(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "ds", "data", "input.txt"), fetched)
}

func TestCreateStructureRequiresParent(t *testing.T) {
	ctx := context.Background()

	b, err := New("file://" + filepath.Join(t.TempDir(), "missing", "ds"))
	require.NoError(t, err)
	assert.Error(t, b.CreateStructure(ctx))
}
