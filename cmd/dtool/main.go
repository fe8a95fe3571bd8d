// dtool manages datasets across storage backends: local disk, SMB shares,
// Azure blob storage and S3 buckets. Datasets are created as proto
// datasets, filled with items and frozen into immutable, verifiable units
// addressable by any dtool implementation.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dtool-go/dtool/configuration"
	"github.com/dtool-go/dtool/dataset"
	"github.com/dtool-go/dtool/internal/dcontext"
	"github.com/dtool-go/dtool/storagebroker"

	_ "github.com/dtool-go/dtool/storagebroker/azure"
	_ "github.com/dtool-go/dtool/storagebroker/disk"
	_ "github.com/dtool-go/dtool/storagebroker/s3"
	_ "github.com/dtool-go/dtool/storagebroker/smb"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:          "dtool",
	Short:        "Manage datasets across storage backends",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logrus.SetOutput(os.Stderr)
		if debug {
			logrus.SetLevel(logrus.DebugLevel)
		}
		dcontext.SetDefaultLogger(logrus.NewEntry(logrus.StandardLogger()))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the dtool configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(
		createCmd,
		addCmd,
		freezeCmd,
		lsCmd,
		cpCmd,
		verifyCmd,
		readmeCmd,
		publishCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// cmdContext returns the context and configuration commands run with,
// honoring the --config flag.
func cmdContext() (context.Context, *configuration.Config, error) {
	ctx := dcontext.Background()
	if configPath != "" {
		cfg, err := configuration.Load(configPath)
		return ctx, cfg, err
	}
	cfg, err := configuration.Default()
	return ctx, cfg, err
}

// datasetHandle is the surface shared by proto and frozen datasets that
// commands working on either operate through.
type datasetHandle interface {
	URI() string
	UUID() string
	Name() string
	AdminMetadata() dataset.AdminMetadata
	Broker() storagebroker.StorageBroker
	Readme(context.Context) (string, error)
	PutReadme(context.Context, string) error
	Close() error
}

// openDataset opens the dataset at uri whether it is frozen or still a
// proto dataset.
func openDataset(ctx context.Context, uri string, cfg *configuration.Config) (datasetHandle, error) {
	ds, err := dataset.FromURI(ctx, uri, cfg)
	if err == nil {
		return ds, nil
	}
	var mismatch dataset.TypeMismatchError
	if errors.As(err, &mismatch) {
		return dataset.FromURIProto(ctx, uri, cfg)
	}
	return nil, err
}
