package dataset

import (
	"context"

	"github.com/dtool-go/dtool/configuration"
	"github.com/dtool-go/dtool/internal/dcontext"
	"github.com/dtool-go/dtool/storagebroker/factory"
)

// Copy replicates the frozen dataset at srcURI under destBaseURI and
// returns the URI of the copy. The copy keeps the dataset's uuid, name,
// creator and creation time; item content is transferred byte for byte
// and the destination is frozen at the end, so source and copy resolve to
// the same identifiers and content hashes.
func Copy(ctx context.Context, srcURI, destBaseURI string, cfg *configuration.Config) (string, error) {
	src, err := FromURI(ctx, srcURI, cfg)
	if err != nil {
		return "", err
	}
	defer src.Close()

	admin := src.admin
	admin.Type = TypeProtoDataset
	admin.FrozenAt = 0

	destURI, err := factory.GenerateURI(admin.Name, admin.UUID, destBaseURI)
	if err != nil {
		return "", err
	}
	broker, err := factory.New(ctx, destURI, cfg)
	if err != nil {
		return "", err
	}
	proto, err := create(ctx, broker, admin)
	if err != nil {
		broker.Close()
		return "", err
	}
	defer proto.Close()

	if err := copyContent(ctx, src, proto); err != nil {
		return "", err
	}
	frozen, err := proto.Freeze(ctx)
	if err != nil {
		return "", err
	}

	dcontext.GetLoggerWithFields(ctx, map[string]any{
		"src":   src.URI(),
		"dest":  frozen.URI(),
		"items": len(src.manifest.Items),
	}).Info("dataset copied")

	return frozen.URI(), nil
}

func copyContent(ctx context.Context, src *Dataset, dest *ProtoDataset) error {
	readme, err := src.Readme(ctx)
	if err != nil {
		return err
	}
	if err := dest.PutReadme(ctx, readme); err != nil {
		return err
	}

	for _, identifier := range src.Identifiers() {
		item := src.manifest.Items[identifier]
		localPath, err := src.broker.FetchItem(ctx, item.Relpath)
		if err != nil {
			return err
		}
		if _, err := dest.PutItem(ctx, localPath, item.Relpath); err != nil {
			return err
		}
	}

	// Overlays go straight to their final keys; freezing only writes
	// overlays for fragments, so these survive untouched.
	overlayNames, err := src.OverlayNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range overlayNames {
		raw, err := src.broker.GetContent(ctx, src.broker.Layout().OverlayKey(name))
		if err != nil {
			return err
		}
		if err := dest.broker.PutContent(ctx, dest.broker.Layout().OverlayKey(name), raw); err != nil {
			return err
		}
	}

	annotationNames, err := src.AnnotationNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range annotationNames {
		raw, err := src.broker.GetContent(ctx, src.broker.Layout().AnnotationKey(name))
		if err != nil {
			return err
		}
		if err := dest.broker.PutContent(ctx, dest.broker.Layout().AnnotationKey(name), raw); err != nil {
			return err
		}
	}

	tags, err := src.Tags(ctx)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if err := dest.PutTag(ctx, tag); err != nil {
			return err
		}
	}
	return nil
}
