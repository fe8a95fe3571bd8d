// Package base provides a base implementation of the storage broker that
// can be used to implement common checks. The goal is to increase the
// amount of code sharing.
//
// The canonical approach to use this package is to embed in the exported
// broker struct such that calls are proxied through this implementation.
// First, declare the internal broker, as follows:
//
//	type broker struct { ... internal ...}
//
// The resulting type should implement StorageBroker such that it can be
// the target of a Base struct. The exported type can then be declared as
// follows:
//
//	type baseEmbed struct {
//		base.Base
//	}
//
//	type Broker struct {
//		baseEmbed
//	}
//
// Because Broker embeds Base, it effectively implements StorageBroker,
// proxying through Base, without exporting an unnecessary field. If the
// broker needs to intercept a call before it reaches Base, Broker should
// implement that method itself.
//
// Base validates keys, stamps the broker scheme into typed errors and
// emits debug-level duration logs for backend calls.
package base

import (
	"context"
	"time"

	"github.com/dtool-go/dtool/internal/dcontext"
	"github.com/dtool-go/dtool/storagebroker"
)

// Base provides a wrapper around a storagebroker implementation that
// provides common key and prefix checking.
type Base struct {
	storagebroker.StorageBroker
}

// logDuration returns a deferrable function which when invoked produces
// debug logging output with the method name and call duration.
func (base *Base) logDuration(ctx context.Context, methodName string) func() {
	startedAt := time.Now()

	return func() {
		dcontext.GetLoggerWithFields(ctx, map[string]any{
			"scheme":   base.Scheme(),
			"duration": time.Since(startedAt),
		}).Debug("StorageBroker." + methodName)
	}
}

// setScheme stamps the broker scheme into typed errors coming out of the
// wrapped broker and wraps everything else into storagebroker.Error.
// Errors remain unwrappable, so credential errors and context
// cancellations stay visible to errors.As and errors.Is.
func (base *Base) setScheme(e error) error {
	switch actual := e.(type) {
	case nil:
		return nil
	case storagebroker.KeyNotFoundError:
		actual.Scheme = base.Scheme()
		return actual
	case storagebroker.InvalidKeyError:
		actual.Scheme = base.Scheme()
		return actual
	case storagebroker.DatasetExistsError:
		return actual
	case storagebroker.ValidationError:
		return actual
	case storagebroker.Error:
		return actual
	case storagebroker.Errors:
		return actual
	default:
		return storagebroker.Error{Scheme: base.Scheme(), Detail: e}
	}
}

// CreateStructure wraps CreateStructure of the underlying broker.
func (base *Base) CreateStructure(ctx context.Context) error {
	defer base.logDuration(ctx, "CreateStructure")()
	return base.setScheme(base.StorageBroker.CreateStructure(ctx))
}

// GetContent wraps GetContent of the underlying broker.
func (base *Base) GetContent(ctx context.Context, key string) ([]byte, error) {
	if !storagebroker.ValidKey(key) {
		return nil, storagebroker.InvalidKeyError{Key: key, Scheme: base.Scheme()}
	}

	defer base.logDuration(ctx, "GetContent")()

	content, err := base.StorageBroker.GetContent(ctx, key)
	return content, base.setScheme(err)
}

// PutContent wraps PutContent of the underlying broker.
func (base *Base) PutContent(ctx context.Context, key string, content []byte) error {
	if !storagebroker.ValidKey(key) {
		return storagebroker.InvalidKeyError{Key: key, Scheme: base.Scheme()}
	}

	defer base.logDuration(ctx, "PutContent")()

	return base.setScheme(base.StorageBroker.PutContent(ctx, key, content))
}

// Delete wraps Delete of the underlying broker.
func (base *Base) Delete(ctx context.Context, key string) error {
	if !storagebroker.ValidKey(key) {
		return storagebroker.InvalidKeyError{Key: key, Scheme: base.Scheme()}
	}

	defer base.logDuration(ctx, "Delete")()

	return base.setScheme(base.StorageBroker.Delete(ctx, key))
}

// List wraps List of the underlying broker.
func (base *Base) List(ctx context.Context, prefix string) ([]string, error) {
	if !storagebroker.ValidPrefix(prefix) {
		return nil, storagebroker.InvalidKeyError{Key: prefix, Scheme: base.Scheme()}
	}

	defer base.logDuration(ctx, "List")()

	names, err := base.StorageBroker.List(ctx, prefix)
	return names, base.setScheme(err)
}

// PutItem wraps PutItem of the underlying broker.
func (base *Base) PutItem(ctx context.Context, localPath string, relpath string) (string, error) {
	if !storagebroker.ValidKey(relpath) {
		return "", storagebroker.InvalidKeyError{Key: relpath, Scheme: base.Scheme()}
	}

	defer base.logDuration(ctx, "PutItem")()

	handle, err := base.StorageBroker.PutItem(ctx, localPath, relpath)
	return handle, base.setScheme(err)
}

// ItemHandles wraps ItemHandles of the underlying broker.
func (base *Base) ItemHandles(ctx context.Context) ([]string, error) {
	defer base.logDuration(ctx, "ItemHandles")()

	handles, err := base.StorageBroker.ItemHandles(ctx)
	return handles, base.setScheme(err)
}

// ItemProperties wraps ItemProperties of the underlying broker.
func (base *Base) ItemProperties(ctx context.Context, handle string) (storagebroker.ItemInfo, error) {
	if !storagebroker.ValidKey(handle) {
		return storagebroker.ItemInfo{}, storagebroker.InvalidKeyError{Key: handle, Scheme: base.Scheme()}
	}

	defer base.logDuration(ctx, "ItemProperties")()

	info, err := base.StorageBroker.ItemProperties(ctx, handle)
	return info, base.setScheme(err)
}

// FetchItem wraps FetchItem of the underlying broker.
func (base *Base) FetchItem(ctx context.Context, handle string) (string, error) {
	if !storagebroker.ValidKey(handle) {
		return "", storagebroker.InvalidKeyError{Key: handle, Scheme: base.Scheme()}
	}

	defer base.logDuration(ctx, "FetchItem")()

	path, err := base.StorageBroker.FetchItem(ctx, handle)
	return path, base.setScheme(err)
}

// GetAdminMetadata wraps GetAdminMetadata of the underlying broker.
func (base *Base) GetAdminMetadata(ctx context.Context) ([]byte, error) {
	defer base.logDuration(ctx, "GetAdminMetadata")()

	meta, err := base.StorageBroker.GetAdminMetadata(ctx)
	return meta, base.setScheme(err)
}

// PutAdminMetadata wraps PutAdminMetadata of the underlying broker.
func (base *Base) PutAdminMetadata(ctx context.Context, meta []byte) error {
	defer base.logDuration(ctx, "PutAdminMetadata")()

	return base.setScheme(base.StorageBroker.PutAdminMetadata(ctx, meta))
}

// PreFreeze wraps PreFreeze of the underlying broker.
func (base *Base) PreFreeze(ctx context.Context) error {
	defer base.logDuration(ctx, "PreFreeze")()

	return base.setScheme(base.StorageBroker.PreFreeze(ctx))
}

// PostFreeze wraps PostFreeze of the underlying broker.
func (base *Base) PostFreeze(ctx context.Context) error {
	defer base.logDuration(ctx, "PostFreeze")()

	return base.setScheme(base.StorageBroker.PostFreeze(ctx))
}
