package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dtool-go/dtool/configuration"
	"github.com/dtool-go/dtool/dataset"
	"github.com/dtool-go/dtool/internal/dcontext"
	"github.com/dtool-go/dtool/storagebroker"
	"github.com/dtool-go/dtool/storagebroker/factory"
)

var lsCmd = &cobra.Command{
	Use:   "ls URI",
	Short: "List datasets under a base URI, or the items of a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, err := cmdContext()
		if err != nil {
			return err
		}
		uri := args[0]

		ds, err := dataset.FromURI(ctx, uri, cfg)
		if err == nil {
			defer ds.Close()
			return listItems(ds)
		}
		var mismatch dataset.TypeMismatchError
		if errors.As(err, &mismatch) {
			return listProtoItems(ctx, uri, cfg)
		}
		return listDatasets(ctx, uri, cfg)
	},
}

func listItems(ds *dataset.Dataset) error {
	for _, identifier := range ds.Identifiers() {
		item, err := ds.Item(identifier)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", identifier, item.Relpath)
	}
	return nil
}

func listProtoItems(ctx context.Context, uri string, cfg *configuration.Config) error {
	proto, err := dataset.FromURIProto(ctx, uri, cfg)
	if err != nil {
		return err
	}
	defer proto.Close()

	handles, err := proto.Broker().ItemHandles(ctx)
	if err != nil {
		return err
	}
	for _, handle := range handles {
		fmt.Printf("%s\t%s\n", storagebroker.ItemIdentifier(handle), handle)
	}
	return nil
}

func listDatasets(ctx context.Context, baseURI string, cfg *configuration.Config) error {
	uris, err := factory.ListDatasetURIs(ctx, baseURI, cfg)
	if err != nil {
		return err
	}
	for _, uri := range uris {
		fmt.Printf("%s\t%s\n", datasetName(ctx, uri, cfg), uri)
	}
	return nil
}

// datasetName fetches the name recorded in a dataset's administrative
// metadata. Locations that cannot be read are still listed, under "?".
func datasetName(ctx context.Context, uri string, cfg *configuration.Config) string {
	broker, err := factory.New(ctx, uri, cfg)
	if err != nil {
		return "?"
	}
	defer broker.Close()

	raw, err := broker.GetAdminMetadata(ctx)
	if err != nil {
		dcontext.GetLoggerWithField(ctx, "uri", uri).Debugf("reading admin metadata: %v", err)
		return "?"
	}
	var admin dataset.AdminMetadata
	if err := json.Unmarshal(raw, &admin); err != nil || admin.Name == "" {
		return "?"
	}
	return admin.Name
}
