package dataset

import (
	"fmt"
	"os/user"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/dtool-go/dtool/storagebroker"
	"github.com/dtool-go/dtool/version"
)

// Dataset types as recorded in the administrative metadata. A dataset
// starts out as a proto dataset and becomes a dataset when frozen.
const (
	TypeProtoDataset = "protodataset"
	TypeDataset      = "dataset"
)

// AdminMetadata is the administrative metadata document stored at the
// broker's admin metadata key. The field names and value types are fixed
// by the dtool on-disk format.
type AdminMetadata struct {
	UUID            string  `json:"uuid"`
	Name            string  `json:"name"`
	Type            string  `json:"type"`
	CreatorUsername string  `json:"creator_username"`
	CreatedAt       float64 `json:"created_at"`
	FrozenAt        float64 `json:"frozen_at,omitempty"`
	Version         string  `json:"dtoolcore_version"`
}

// Manifest is the structural metadata document describing a frozen
// dataset's items, keyed by item identifier.
type Manifest struct {
	Items        map[string]ManifestItem `json:"items"`
	HashFunction string                  `json:"hash_function"`
	Version      string                  `json:"dtoolcore_version"`
}

// ManifestItem describes one item of a frozen dataset.
type ManifestItem struct {
	Hash         string  `json:"hash"`
	Relpath      string  `json:"relpath"`
	SizeInBytes  int64   `json:"size_in_bytes"`
	UTCTimestamp float64 `json:"utc_timestamp"`
}

// MaxNameLength bounds dataset, overlay, annotation and tag names.
const MaxNameLength = 80

var nameRegexp = regexp.MustCompile(`^[a-zA-Z0-9\-_\.]+$`)

// InvalidNameError records a dataset, overlay, annotation or tag name the
// naming rules reject.
type InvalidNameError struct {
	Name string
}

func (err InvalidNameError) Error() string {
	return fmt.Sprintf(
		"invalid name %q: names use letters, numbers, dash, underscore and dot, at most %d characters",
		err.Name, MaxNameLength)
}

// ValidateName checks a dataset, overlay, annotation or tag name against
// the naming rules shared by all dtool implementations.
func ValidateName(name string) error {
	if len(name) > MaxNameLength || !nameRegexp.MatchString(name) {
		return InvalidNameError{Name: name}
	}
	return nil
}

// GenerateAdminMetadata returns fresh administrative metadata for a proto
// dataset: a new uuid, the current OS user as creator and the current time
// as creation timestamp.
func GenerateAdminMetadata(name string) (AdminMetadata, error) {
	if err := ValidateName(name); err != nil {
		return AdminMetadata{}, err
	}
	return AdminMetadata{
		UUID:            uuid.NewString(),
		Name:            name,
		Type:            TypeProtoDataset,
		CreatorUsername: currentUsername(),
		CreatedAt:       timestamp(time.Now()),
		Version:         version.Version(),
	}, nil
}

func currentUsername() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "unknown"
	}
	return u.Username
}

// timestamp returns t as fractional seconds since the Unix epoch, the
// resolution the dataset format records times at.
func timestamp(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// newManifest returns an empty manifest ready for items. The items map is
// always materialized so an empty dataset serializes as {} rather than
// null.
func newManifest() Manifest {
	return Manifest{
		Items:        map[string]ManifestItem{},
		HashFunction: storagebroker.HashFunctionName,
		Version:      version.Version(),
	}
}
