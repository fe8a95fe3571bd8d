package dataset

import (
	"context"
	"sort"

	"github.com/dtool-go/dtool/storagebroker"
)

// Report lists the discrepancies Verify found between a dataset's
// manifest and the items actually in storage.
type Report struct {
	// MissingItems holds manifest relpaths with no item in storage.
	MissingItems []string

	// UnknownItems holds handles found in storage the manifest does not
	// list.
	UnknownItems []string

	// SizeMismatches holds relpaths whose stored size differs from the
	// manifest.
	SizeMismatches []string

	// HashMismatches holds relpaths whose content hash differs from the
	// manifest. Only populated by full verification.
	HashMismatches []string
}

// OK reports whether the dataset checked out clean.
func (r Report) OK() bool {
	return len(r.MissingItems) == 0 &&
		len(r.UnknownItems) == 0 &&
		len(r.SizeMismatches) == 0 &&
		len(r.HashMismatches) == 0
}

// Verify checks the integrity of the dataset: every manifest item must be
// present in storage with the recorded size, and storage must hold no
// items beyond the manifest. With full, content hashes are compared as
// well, which may require the broker to read every item back.
func Verify(ctx context.Context, ds *Dataset, full bool) (Report, error) {
	handles, err := ds.broker.ItemHandles(ctx)
	if err != nil {
		return Report{}, err
	}

	byIdentifier := make(map[string]string, len(handles))
	for _, handle := range handles {
		byIdentifier[storagebroker.ItemIdentifier(handle)] = handle
	}

	var report Report
	for identifier, item := range ds.manifest.Items {
		handle, ok := byIdentifier[identifier]
		if !ok {
			report.MissingItems = append(report.MissingItems, item.Relpath)
			continue
		}
		info, err := ds.broker.ItemProperties(ctx, handle)
		if err != nil {
			return Report{}, err
		}
		if info.Size != item.SizeInBytes {
			report.SizeMismatches = append(report.SizeMismatches, item.Relpath)
		}
		if full && info.Hash != item.Hash {
			report.HashMismatches = append(report.HashMismatches, item.Relpath)
		}
	}

	for identifier, handle := range byIdentifier {
		if _, ok := ds.manifest.Items[identifier]; !ok {
			report.UnknownItems = append(report.UnknownItems, handle)
		}
	}

	sort.Strings(report.MissingItems)
	sort.Strings(report.UnknownItems)
	sort.Strings(report.SizeMismatches)
	sort.Strings(report.HashMismatches)
	return report, nil
}
