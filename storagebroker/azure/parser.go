package azure

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/dtool-go/dtool/configuration"
)

const defaultRealm = "core.windows.net"

// Parameters holds the resolved connection settings for one storage
// account. Only the account key is mandatory; realm and service URL have
// working defaults for the public Azure cloud.
type Parameters struct {
	AccountName string `mapstructure:"accountname"`
	AccountKey  string `mapstructure:"accountkey"`
	Realm       string `mapstructure:"realm"`
	ServiceURL  string `mapstructure:"serviceurl"`
}

// ParametersFromConfig resolves the connection parameters for the named
// storage account. A missing DTOOL_AZURE_ACCOUNT_KEY_<account> fails with
// configuration.MissingKeyError naming the exact key to set.
func ParametersFromConfig(cfg *configuration.Config, account string) (*Parameters, error) {
	key, err := cfg.Require("DTOOL_AZURE_ACCOUNT_KEY_"+account, account)
	if err != nil {
		return nil, err
	}

	raw := map[string]interface{}{
		"accountname": account,
		"accountkey":  key,
	}
	if realm := cfg.Get("DTOOL_AZURE_REALM_" + account); realm != "" {
		raw["realm"] = realm
	}
	if serviceURL := cfg.Get("DTOOL_AZURE_SERVICE_URL_" + account); serviceURL != "" {
		raw["serviceurl"] = serviceURL
	}

	params := Parameters{
		Realm: defaultRealm,
	}
	if err := mapstructure.Decode(raw, &params); err != nil {
		return nil, err
	}
	if params.ServiceURL == "" {
		params.ServiceURL = fmt.Sprintf("https://%s.blob.%s", params.AccountName, params.Realm)
	}
	return &params, nil
}
