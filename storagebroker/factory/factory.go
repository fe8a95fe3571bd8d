// Package factory maps URI schemes to storage broker implementations.
// Broker packages call Register from an init function; applications blank
// import the broker packages they want available.
package factory

import (
	"context"
	"fmt"

	"github.com/dtool-go/dtool/configuration"
	"github.com/dtool-go/dtool/storagebroker"
)

// brokerFactories stores an internal mapping between URI schemes and their
// respective broker factories.
var brokerFactories = make(map[string]BrokerFactory)

// BrokerFactory is a factory interface for creating storagebroker.
// StorageBroker instances. Broker packages call Register with a factory to
// make the broker available by scheme.
type BrokerFactory interface {
	// New returns a broker bound to the dataset at uri, resolving
	// credentials through cfg. It does not touch the backend; the dataset
	// there may not exist yet.
	New(ctx context.Context, uri string, cfg *configuration.Config) (storagebroker.StorageBroker, error)

	// ListDatasetURIs returns the URIs of the datasets available under the
	// given base URI.
	ListDatasetURIs(ctx context.Context, baseURI string, cfg *configuration.Config) ([]string, error)

	// GenerateURI returns the URI a dataset with the given name and UUID
	// gets under the given base URI.
	GenerateURI(name, uuid, baseURI string) (string, error)
}

// Register makes a broker factory available for the provided scheme.
// If Register is called twice with the same scheme or if factory is nil,
// it panics.
func Register(scheme string, factory BrokerFactory) {
	if factory == nil {
		panic("must not provide nil BrokerFactory")
	}
	if _, registered := brokerFactories[scheme]; registered {
		panic(fmt.Sprintf("BrokerFactory for scheme %s already registered", scheme))
	}
	brokerFactories[scheme] = factory
}

// New returns a broker bound to the dataset at uri, dispatching on the URI
// scheme. Unregistered schemes fail with UnsupportedSchemeError.
func New(ctx context.Context, uri string, cfg *configuration.Config) (storagebroker.StorageBroker, error) {
	parsed, err := storagebroker.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	factory, ok := brokerFactories[parsed.Scheme]
	if !ok {
		return nil, UnsupportedSchemeError{parsed.Scheme}
	}
	return factory.New(ctx, parsed.String(), cfg)
}

// ListDatasetURIs returns the URIs of the datasets under baseURI.
func ListDatasetURIs(ctx context.Context, baseURI string, cfg *configuration.Config) ([]string, error) {
	parsed, err := storagebroker.ParseURI(baseURI)
	if err != nil {
		return nil, err
	}
	factory, ok := brokerFactories[parsed.Scheme]
	if !ok {
		return nil, UnsupportedSchemeError{parsed.Scheme}
	}
	return factory.ListDatasetURIs(ctx, parsed.String(), cfg)
}

// GenerateURI returns the URI a dataset with the given name and UUID gets
// under baseURI.
func GenerateURI(name, uuid, baseURI string) (string, error) {
	parsed, err := storagebroker.ParseURI(baseURI)
	if err != nil {
		return "", err
	}
	factory, ok := brokerFactories[parsed.Scheme]
	if !ok {
		return "", UnsupportedSchemeError{parsed.Scheme}
	}
	return factory.GenerateURI(name, uuid, parsed.String())
}

// Schemes returns the registered URI schemes.
func Schemes() []string {
	schemes := make([]string, 0, len(brokerFactories))
	for scheme := range brokerFactories {
		schemes = append(schemes, scheme)
	}
	return schemes
}

// UnsupportedSchemeError records an attempt to use a URI scheme no broker
// is registered for.
type UnsupportedSchemeError struct {
	Scheme string
}

func (err UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("no storage broker registered for scheme: %s", err.Scheme)
}
