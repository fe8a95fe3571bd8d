package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dtool-go/dtool/dataset"
	"github.com/dtool-go/dtool/storagebroker"
)

var publishExpiry time.Duration

var publishCmd = &cobra.Command{
	Use:   "publish DATASET_URI",
	Short: "Expose a frozen dataset read-only over plain HTTP",
	Long: `Expose a frozen dataset read-only over plain HTTP by writing an http
manifest with pre-signed URLs for the dataset's metadata and items. Prints
the signed URL of the http manifest; anyone holding it can read the
dataset until the URLs expire. Only works on storage that can mint signed
URLs.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, err := cmdContext()
		if err != nil {
			return err
		}
		ds, err := dataset.FromURI(ctx, args[0], cfg)
		if err != nil {
			return err
		}
		defer ds.Close()

		url, err := publish(ctx, ds, publishExpiry)
		if err != nil {
			return err
		}
		fmt.Println(url)
		return nil
	},
}

func init() {
	publishCmd.Flags().DurationVar(&publishExpiry, "expiry", 24*time.Hour, "how long the published URLs stay valid")
}

// httpManifest is the document other dtool implementations read datasets
// over plain HTTP with. Field names are fixed by the dtool http format.
type httpManifest struct {
	AdminMetadata dataset.AdminMetadata `json:"admin_metadata"`
	ManifestURL   string                `json:"manifest_url"`
	ReadmeURL     string                `json:"readme_url"`
	ItemURLs      map[string]string     `json:"item_urls"`
	Overlays      map[string]string     `json:"overlays"`
	Annotations   map[string]string     `json:"annotations"`
	Tags          []string              `json:"tags"`
}

func publish(ctx context.Context, ds *dataset.Dataset, expiry time.Duration) (string, error) {
	broker := ds.Broker()
	signer, ok := broker.(storagebroker.URLSigner)
	layout := broker.Layout()
	if !ok || layout.HTTPManifestKey == "" {
		return "", fmt.Errorf("datasets on %s storage cannot be published over http", broker.Scheme())
	}

	manifest := httpManifest{
		AdminMetadata: ds.AdminMetadata(),
		ItemURLs:      map[string]string{},
		Overlays:      map[string]string{},
		Annotations:   map[string]string{},
		Tags:          []string{},
	}

	var err error
	if manifest.ManifestURL, err = signer.SignedURL(ctx, layout.ManifestKey, expiry); err != nil {
		return "", err
	}
	if manifest.ReadmeURL, err = signer.SignedURL(ctx, layout.ReadmeKey, expiry); err != nil {
		return "", err
	}

	for _, identifier := range ds.Identifiers() {
		item, err := ds.Item(identifier)
		if err != nil {
			return "", err
		}
		url, err := signer.SignedURL(ctx, layout.ItemKey(item.Relpath), expiry)
		if err != nil {
			return "", err
		}
		manifest.ItemURLs[identifier] = url
	}

	overlayNames, err := ds.OverlayNames(ctx)
	if err != nil {
		return "", err
	}
	for _, name := range overlayNames {
		url, err := signer.SignedURL(ctx, layout.OverlayKey(name), expiry)
		if err != nil {
			return "", err
		}
		manifest.Overlays[name] = url
	}

	annotationNames, err := ds.AnnotationNames(ctx)
	if err != nil {
		return "", err
	}
	for _, name := range annotationNames {
		url, err := signer.SignedURL(ctx, layout.AnnotationKey(name), expiry)
		if err != nil {
			return "", err
		}
		manifest.Annotations[name] = url
	}

	if manifest.Tags, err = ds.Tags(ctx); err != nil {
		return "", err
	}
	if manifest.Tags == nil {
		manifest.Tags = []string{}
	}

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", err
	}
	if err := broker.PutContent(ctx, layout.HTTPManifestKey, raw); err != nil {
		return "", err
	}
	return signer.SignedURL(ctx, layout.HTTPManifestKey, expiry)
}
