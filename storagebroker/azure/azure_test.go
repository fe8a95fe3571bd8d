package azure

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtool-go/dtool/configuration"
	"github.com/dtool-go/dtool/storagebroker"
	"github.com/dtool-go/dtool/storagebroker/testsuites"
	"github.com/dtool-go/dtool/version"
)

// Test hooks up the broker conformance suite. The suite only runs when
// DTOOL_AZURE_TEST_ACCOUNT names a storage account reserved for testing.
func Test(t *testing.T) { testsuites.Test(t) }

func init() {
	account := os.Getenv("DTOOL_AZURE_TEST_ACCOUNT")

	skipCheck := func() string {
		if account == "" {
			return "set DTOOL_AZURE_TEST_ACCOUNT to the name of a scratch storage account to run Azure tests"
		}
		return ""
	}

	constructor := func(uuid string) (storagebroker.StorageBroker, error) {
		cfg, err := configuration.Default()
		if err != nil {
			return nil, err
		}
		return New(context.Background(), datasetURI(account, uuid), cfg)
	}

	cleanup := func(ctx context.Context, sb storagebroker.StorageBroker) error {
		b := sb.(*Broker).StorageBroker.(*broker)
		_, err := b.client.DeleteContainer(ctx, b.uuid, nil)
		return err
	}

	testsuites.RegisterSuite(constructor, cleanup, skipCheck)
}

// emptyConfig returns a configuration backed only by the environment.
func emptyConfig(t *testing.T) *configuration.Config {
	t.Helper()
	cfg, err := configuration.Load(filepath.Join(t.TempDir(), "dtool.json"))
	require.NoError(t, err)
	return cfg
}

func TestParametersFromConfig(t *testing.T) {
	t.Setenv("DTOOL_AZURE_ACCOUNT_KEY_myacc", "c2VjcmV0")

	params, err := ParametersFromConfig(emptyConfig(t), "myacc")
	require.NoError(t, err)

	assert.Equal(t, "myacc", params.AccountName)
	assert.Equal(t, "c2VjcmV0", params.AccountKey)
	assert.Equal(t, "core.windows.net", params.Realm)
	assert.Equal(t, "https://myacc.blob.core.windows.net", params.ServiceURL)
}

func TestParametersFromConfigRealmOverride(t *testing.T) {
	t.Setenv("DTOOL_AZURE_ACCOUNT_KEY_myacc", "c2VjcmV0")
	t.Setenv("DTOOL_AZURE_REALM_myacc", "core.chinacloudapi.cn")

	params, err := ParametersFromConfig(emptyConfig(t), "myacc")
	require.NoError(t, err)
	assert.Equal(t, "https://myacc.blob.core.chinacloudapi.cn", params.ServiceURL)
}

func TestParametersFromConfigServiceURLOverride(t *testing.T) {
	t.Setenv("DTOOL_AZURE_ACCOUNT_KEY_myacc", "c2VjcmV0")
	t.Setenv("DTOOL_AZURE_SERVICE_URL_myacc", "http://127.0.0.1:10000/myacc")

	params, err := ParametersFromConfig(emptyConfig(t), "myacc")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:10000/myacc", params.ServiceURL)
}

func TestParametersFromConfigMissingAccountKey(t *testing.T) {
	_, err := ParametersFromConfig(emptyConfig(t), "doesnt_exist")
	require.Error(t, err)

	var missing configuration.MissingKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "DTOOL_AZURE_ACCOUNT_KEY_doesnt_exist", missing.Key)
	assert.Equal(t, "doesnt_exist", missing.Account)
}

// Construction resolves credentials, so a broker for an unconfigured
// account never comes into existence.
func TestNewFailsWithoutAccountKey(t *testing.T) {
	_, err := New(
		context.Background(),
		"azure://doesnt_exist/af6727bf-29c7-43dd-b42f-a5d7ede28337",
		emptyConfig(t),
	)
	require.Error(t, err)

	var missing configuration.MissingKeyError
	assert.ErrorAs(t, err, &missing)
}

func TestStructureContent(t *testing.T) {
	b := &broker{}
	structure := b.SelfDescription().Structure

	expected := map[string]interface{}{
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
	}
	assert.Equal(t, expected, structure)
}

func TestSplitURI(t *testing.T) {
	account, uuid, err := splitURI("azure://myacc/af6727bf-29c7-43dd-b42f-a5d7ede28337")
	require.NoError(t, err)
	assert.Equal(t, "myacc", account)
	assert.Equal(t, "af6727bf-29c7-43dd-b42f-a5d7ede28337", uuid)

	for _, uri := range []string{
		"azure://myacc",
		"azure:///af6727bf-29c7-43dd-b42f-a5d7ede28337",
		"azure://myacc/not/a/uuid",
		"smb://myacc/af6727bf-29c7-43dd-b42f-a5d7ede28337",
	} {
		_, _, err := splitURI(uri)
		assert.Error(t, err, "uri %s", uri)
	}
}

func TestGenerateURI(t *testing.T) {
	uri, err := brokerFactory{}.GenerateURI(
		"my-dataset",
		"af6727bf-29c7-43dd-b42f-a5d7ede28337",
		"azure://myacc",
	)
	require.NoError(t, err)
	assert.Equal(t, "azure://myacc/af6727bf-29c7-43dd-b42f-a5d7ede28337", uri)
}

func TestDirectChildren(t *testing.T) {
	keys := []string{
		"dtool",
		"README.yml",
		"data/file.txt",
		"data/sub/nested.txt",
		"overlays/quality.json",
	}

	assert.Equal(t,
		[]string{"README.yml", "data", "dtool", "overlays"},
		directChildren(keys, ""),
	)
	assert.Equal(t,
		[]string{"file.txt", "sub"},
		directChildren([]string{"data/file.txt", "data/sub/nested.txt"}, "data/"),
	)
	assert.Empty(t, directChildren(nil, "tags/"))
}

func TestStringifyMetaValue(t *testing.T) {
	assert.Equal(t, "my-dataset", stringifyMetaValue("my-dataset"))
	assert.Equal(t, "1690000000.123", stringifyMetaValue(1690000000.123))
	assert.Equal(t, "true", stringifyMetaValue(true))
}

func TestHasMetadataKey(t *testing.T) {
	uuid := "af6727bf-29c7-43dd-b42f-a5d7ede28337"
	assert.True(t, hasMetadataKey(map[string]*string{"uuid": &uuid}, "uuid"))
	assert.True(t, hasMetadataKey(map[string]*string{"Uuid": &uuid}, "uuid"))
	assert.False(t, hasMetadataKey(map[string]*string{"name": &uuid}, "uuid"))
	assert.False(t, hasMetadataKey(nil, "uuid"))
}
