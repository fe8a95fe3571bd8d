package s3

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/dtool-go/dtool/configuration"
)

const defaultRegion = "us-east-1"

// Parameters holds the resolved settings for one bucket. Credentials are
// optional; when absent the SDK falls back to its default credential
// chain (environment, shared credentials file, instance role).
type Parameters struct {
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"accesskeyid"`
	SecretAccessKey string `mapstructure:"secretaccesskey"`
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	DatasetPrefix   string `mapstructure:"datasetprefix"`
}

// ParametersFromConfig resolves the settings for the named bucket from
// DTOOL_S3_*_<bucket> configuration keys. Access key id and secret must be
// given together or not at all.
func ParametersFromConfig(cfg *configuration.Config, bucket string) (*Parameters, error) {
	raw := map[string]interface{}{
		"bucket": bucket,
	}
	for key, field := range map[string]string{
		"DTOOL_S3_ACCESS_KEY_ID_" + bucket:     "accesskeyid",
		"DTOOL_S3_SECRET_ACCESS_KEY_" + bucket: "secretaccesskey",
		"DTOOL_S3_ENDPOINT_" + bucket:          "endpoint",
		"DTOOL_S3_REGION_" + bucket:            "region",
		"DTOOL_S3_DATASET_PREFIX":              "datasetprefix",
	} {
		if value := cfg.Get(key); value != "" {
			raw[field] = value
		}
	}

	params := Parameters{
		Region: defaultRegion,
	}
	if err := mapstructure.Decode(raw, &params); err != nil {
		return nil, err
	}
	if (params.AccessKeyID == "") != (params.SecretAccessKey == "") {
		return nil, fmt.Errorf(
			"set both DTOOL_S3_ACCESS_KEY_ID_%s and DTOOL_S3_SECRET_ACCESS_KEY_%s or neither",
			bucket, bucket)
	}
	return &params, nil
}
