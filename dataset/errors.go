package dataset

import "fmt"

// NotDatasetError records a URI that holds no dataset: no administrative
// metadata exists at the location.
type NotDatasetError struct {
	URI string
}

func (err NotDatasetError) Error() string {
	return fmt.Sprintf("no dataset found at %s", err.URI)
}

// TypeMismatchError records loading a dataset whose administrative type
// does not match the requested kind, e.g. opening a proto dataset as a
// frozen one.
type TypeMismatchError struct {
	URI  string
	Want string
	Got  string
}

func (err TypeMismatchError) Error() string {
	return fmt.Sprintf("%s is a %s, not a %s", err.URI, err.Got, err.Want)
}

// AlreadyFrozenError records a freeze of a dataset that is already frozen.
type AlreadyFrozenError struct {
	URI string
}

func (err AlreadyFrozenError) Error() string {
	return fmt.Sprintf("dataset at %s is already frozen", err.URI)
}

// UnknownIdentifierError records a lookup of an item identifier the
// dataset's manifest does not contain.
type UnknownIdentifierError struct {
	Identifier string
	URI        string
}

func (err UnknownIdentifierError) Error() string {
	return fmt.Sprintf("no item with identifier %s in dataset %s", err.Identifier, err.URI)
}

// OverlayCoverageError records an overlay put whose identifiers do not
// match the dataset's item identifiers exactly.
type OverlayCoverageError struct {
	Name    string
	Missing []string
	Extra   []string
}

func (err OverlayCoverageError) Error() string {
	return fmt.Sprintf("overlay %s needs exactly one value per item: %d identifiers missing, %d unknown",
		err.Name, len(err.Missing), len(err.Extra))
}
