package dataset

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	for _, name := range []string{
		"my-dataset",
		"my_data.set",
		"X",
		strings.Repeat("a", 80),
	} {
		assert.NoError(t, ValidateName(name), "name %q", name)
	}

	for _, name := range []string{
		"",
		"my dataset",
		"data/set",
		"café",
		strings.Repeat("a", 81),
	} {
		err := ValidateName(name)
		var invalid InvalidNameError
		require.ErrorAs(t, err, &invalid, "name %q", name)
		assert.Equal(t, name, invalid.Name)
	}
}

func TestGenerateAdminMetadata(t *testing.T) {
	admin, err := GenerateAdminMetadata("my-dataset")
	require.NoError(t, err)

	_, err = uuid.Parse(admin.UUID)
	assert.NoError(t, err)
	assert.Equal(t, "my-dataset", admin.Name)
	assert.Equal(t, TypeProtoDataset, admin.Type)
	assert.NotEmpty(t, admin.CreatorUsername)
	assert.Greater(t, admin.CreatedAt, 0.0)
	assert.Zero(t, admin.FrozenAt)
	assert.NotEmpty(t, admin.Version)
}

func TestGenerateAdminMetadataRejectsBadName(t *testing.T) {
	_, err := GenerateAdminMetadata("my dataset")
	var invalid InvalidNameError
	assert.ErrorAs(t, err, &invalid)
}

func TestTimestamp(t *testing.T) {
	assert.Equal(t, 1690000000.123, timestamp(time.Unix(1690000000, 123000000)))
	assert.Equal(t, 0.5, timestamp(time.Unix(0, 500000000)))
}

// frozen_at only appears in the document once the dataset is frozen.
func TestAdminMetadataJSON(t *testing.T) {
	admin := AdminMetadata{
		UUID:            "af6727bf-29c7-43dd-b42f-a5d7ede28337",
		Name:            "my-dataset",
		Type:            TypeProtoDataset,
		CreatorUsername: "olssont",
		CreatedAt:       1690000000.123,
		Version:         "v0.3.0",
	}

	raw, err := json.Marshal(admin)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "frozen_at")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "protodataset", decoded["type"])
	assert.Equal(t, 1690000000.123, decoded["created_at"])
	assert.Equal(t, "olssont", decoded["creator_username"])
	assert.Equal(t, "v0.3.0", decoded["dtoolcore_version"])

	admin.Type = TypeDataset
	admin.FrozenAt = 1690000100.5
	raw, err = json.Marshal(admin)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"frozen_at":1690000100.5`)
}

func TestParseFragmentName(t *testing.T) {
	const identifier = "a9993e364706816aba3e25717850c26c9cd0d89d"

	id, key, ok := parseFragmentName(identifier + ".mimetype.json")
	require.True(t, ok)
	assert.Equal(t, identifier, id)
	assert.Equal(t, "mimetype", key)

	// keys may contain dots
	_, key, ok = parseFragmentName(identifier + ".my.key.json")
	require.True(t, ok)
	assert.Equal(t, "my.key", key)

	for _, name := range []string{
		"",
		"short.json",
		identifier + ".json",
		identifier + "mimetype.json",
		identifier + ".mimetype.yaml",
		"g" + identifier[1:] + ".mimetype.json",
	} {
		_, _, ok := parseFragmentName(name)
		assert.False(t, ok, "name %q", name)
	}
}
