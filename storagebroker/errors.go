package storagebroker

import (
	"encoding/json"
	"errors"
	"fmt"
)

// KeyNotFoundError is returned when reading a key that does not exist in
// the dataset.
type KeyNotFoundError struct {
	Key    string
	Scheme string
}

func (err KeyNotFoundError) Error() string {
	return fmt.Sprintf("%s: key not found: %s", err.Scheme, err.Key)
}

// InvalidKeyError is returned when a key or relpath does not conform to
// broker key rules: relative, slash separated, no empty or dot segments.
type InvalidKeyError struct {
	Key    string
	Scheme string
}

func (err InvalidKeyError) Error() string {
	return fmt.Sprintf("%s: invalid key: %q", err.Scheme, err.Key)
}

// DatasetExistsError is returned by CreateStructure when the target
// location is already occupied.
type DatasetExistsError struct {
	URI string
}

func (err DatasetExistsError) Error() string {
	return fmt.Sprintf("dataset already exists at %s", err.URI)
}

// ValidationError is returned by PreFreeze when the stored structure is
// not in a freezable state, e.g. rogue content sitting next to the
// dataset's own files.
type ValidationError struct {
	URI    string
	Detail string
}

func (err ValidationError) Error() string {
	return fmt.Sprintf("dataset at %s failed validation: %s", err.URI, err.Detail)
}

// Error is a catch-all wrapper for backend failures, qualified with the
// broker scheme for logging and API responses.
type Error struct {
	Scheme string
	Detail error
}

func (err Error) Error() string {
	return fmt.Sprintf("%s: %s", err.Scheme, err.Detail)
}

func (err Error) Unwrap() error {
	return err.Detail
}

// MarshalJSON marshals into {"scheme": ..., "detail": ...}.
func (err Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Scheme string `json:"scheme"`
		Detail string `json:"detail"`
	}{
		Scheme: err.Scheme,
		Detail: err.Detail.Error(),
	})
}

// Errors provides the envelope for multiple errors for use within the
// broker implementations.
type Errors struct {
	Scheme string
	Errs   []error
}

var _ error = Errors{}

func (e Errors) Error() string {
	switch len(e.Errs) {
	case 0:
		return fmt.Sprintf("%s: <nil>", e.Scheme)
	case 1:
		return fmt.Sprintf("%s: %s", e.Scheme, e.Errs[0])
	default:
		msg := "errors:\n"
		for _, err := range e.Errs {
			msg += err.Error() + "\n"
		}
		return fmt.Sprintf("%s: %s", e.Scheme, msg)
	}
}

// MarshalJSON converts slice of errors, scheme into a JSON object with
// string representations of the errors.
func (e Errors) MarshalJSON() ([]byte, error) {
	details := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		details = append(details, err.Error())
	}
	return json.Marshal(struct {
		Scheme  string   `json:"scheme"`
		Details []string `json:"details"`
	}{
		Scheme:  e.Scheme,
		Details: details,
	})
}

// IsKeyNotFound reports whether err is, or wraps, a KeyNotFoundError.
func IsKeyNotFound(err error) bool {
	var knf KeyNotFoundError
	return errors.As(err, &knf)
}
