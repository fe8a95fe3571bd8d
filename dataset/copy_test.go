package dataset

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtool-go/dtool/storagebroker"
)

func TestCopy(t *testing.T) {
	ctx := context.Background()
	cfg := emptyConfig(t)

	proto, err := CreateProtoDataset(ctx, "my-dataset", "file://"+t.TempDir(), cfg)
	require.NoError(t, err)
	defer proto.Close()

	require.NoError(t, proto.PutReadme(ctx, "---\ndescription: the original\n"))
	handle, err := proto.PutItem(ctx, writeFile(t, "a.txt", "alpha"), "a.txt")
	require.NoError(t, err)
	_, err = proto.PutItem(ctx, writeFile(t, "sub/b.csv", "1,2,3\n"), "sub/b.csv")
	require.NoError(t, err)
	require.NoError(t, proto.AddItemMetadata(ctx, handle, "mimetype", "text/plain"))
	require.NoError(t, proto.PutAnnotation(ctx, "project", "apollo"))
	require.NoError(t, proto.PutTag(ctx, "testing"))

	src, err := proto.Freeze(ctx)
	require.NoError(t, err)

	destURI, err := Copy(ctx, src.URI(), "file://"+t.TempDir(), cfg)
	require.NoError(t, err)
	assert.NotEqual(t, src.URI(), destURI)

	copied, err := FromURI(ctx, destURI, cfg)
	require.NoError(t, err)
	defer copied.Close()

	assert.Equal(t, src.UUID(), copied.UUID())
	assert.Equal(t, src.Name(), copied.Name())
	assert.Equal(t, src.AdminMetadata().CreatedAt, copied.AdminMetadata().CreatedAt)
	assert.Equal(t, src.AdminMetadata().CreatorUsername, copied.AdminMetadata().CreatorUsername)
	assert.Equal(t, src.Identifiers(), copied.Identifiers())

	for _, identifier := range src.Identifiers() {
		want, err := src.Item(identifier)
		require.NoError(t, err)
		got, err := copied.Item(identifier)
		require.NoError(t, err)
		assert.Equal(t, want.Relpath, got.Relpath)
		assert.Equal(t, want.Hash, got.Hash)
		assert.Equal(t, want.SizeInBytes, got.SizeInBytes)
	}

	readme, err := copied.Readme(ctx)
	require.NoError(t, err)
	assert.Equal(t, "---\ndescription: the original\n", readme)

	wantOverlay, err := src.Overlay(ctx, "mimetype")
	require.NoError(t, err)
	gotOverlay, err := copied.Overlay(ctx, "mimetype")
	require.NoError(t, err)
	assert.Equal(t, wantOverlay, gotOverlay)
	assert.Equal(t, json.RawMessage(`"text/plain"`), gotOverlay[storagebroker.ItemIdentifier("a.txt")])
	assert.Equal(t, json.RawMessage(`null`), gotOverlay[storagebroker.ItemIdentifier("sub/b.csv")])

	value, err := copied.Annotation(ctx, "project")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"apollo"`), value)

	tags, err := copied.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"testing"}, tags)
}

func TestCopyRefusesOccupiedDestination(t *testing.T) {
	ctx := context.Background()
	cfg := emptyConfig(t)
	ds, _ := createFrozen(t, map[string]string{"a.txt": "alpha"})

	destBase := "file://" + t.TempDir()
	_, err := Copy(ctx, ds.URI(), destBase, cfg)
	require.NoError(t, err)

	_, err = Copy(ctx, ds.URI(), destBase, cfg)
	var exists storagebroker.DatasetExistsError
	assert.ErrorAs(t, err, &exists)
}

func TestCopyRequiresFrozenSource(t *testing.T) {
	ctx := context.Background()
	cfg := emptyConfig(t)

	proto, err := CreateProtoDataset(ctx, "my-dataset", "file://"+t.TempDir(), cfg)
	require.NoError(t, err)
	defer proto.Close()

	_, err = Copy(ctx, proto.URI(), "file://"+t.TempDir(), cfg)
	var mismatch TypeMismatchError
	assert.ErrorAs(t, err, &mismatch)
}
