// Package modules implements the content-addressed module registry.
// Metadata lives at module:{name}:{version}; artifact bytes live once per
// content hash at module-blob:{hash}, so identical re-uploads and shared
// artifacts cost nothing.
package modules

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stormstack/controlplane/pkg/cperr"
	"github.com/stormstack/controlplane/pkg/log"
	"github.com/stormstack/controlplane/pkg/store"
	"github.com/stormstack/controlplane/pkg/types"
)

const (
	metaPrefix = "module:"
	blobPrefix = "module-blob:"
)

// Registry stores module artifacts and their metadata in the shared store.
type Registry struct {
	store  store.Store
	logger zerolog.Logger
}

// NewRegistry creates a module registry over the given store.
func NewRegistry(st store.Store) *Registry {
	return &Registry{
		store:  st,
		logger: log.WithComponent("modules"),
	}
}

// Upload stores an artifact under (name, version). Re-uploading identical
// bytes is idempotent; different bytes under a taken identifier is a
// conflict — given (name, version), hash and bytes never change.
func (r *Registry) Upload(ctx context.Context, meta types.Module, artifact []byte) (*types.Module, error) {
	if err := validateIdentifier(meta.Name, meta.Version); err != nil {
		return nil, err
	}
	if len(artifact) == 0 {
		return nil, cperr.Validation.New("module %s@%s has an empty artifact", meta.Name, meta.Version)
	}

	sum := sha256.Sum256(artifact)
	meta.Hash = hex.EncodeToString(sum[:])
	meta.FileSize = int64(len(artifact))
	meta.UploadedAt = time.Now().UTC()

	existing, err := r.FindByNameAndVersion(ctx, meta.Name, meta.Version)
	if err != nil && !cperr.NotFound.Has(err) {
		return nil, err
	}
	if existing != nil {
		if existing.Hash == meta.Hash {
			return existing, nil
		}
		return nil, cperr.Conflict.New("module %s@%s already exists with a different hash",
			meta.Name, meta.Version)
	}

	// Blob first: content-addressed, so a plain put is idempotent.
	if err := store.Retry(ctx, func() error {
		return r.store.Put(ctx, blobPrefix+meta.Hash, artifact)
	}); err != nil {
		return nil, err
	}

	data, err := json.Marshal(&meta)
	if err != nil {
		return nil, cperr.Internal.Wrap(err)
	}
	err = store.Retry(ctx, func() error {
		return r.store.PutIfAbsent(ctx, metaKey(meta.Name, meta.Version), data, 0)
	})
	if store.ErrKeyExists.Has(err) {
		// Lost the race; accept only if the winner stored the same bytes.
		winner, getErr := r.FindByNameAndVersion(ctx, meta.Name, meta.Version)
		if getErr != nil {
			return nil, getErr
		}
		if winner.Hash != meta.Hash {
			return nil, cperr.Conflict.New("module %s@%s already exists with a different hash",
				meta.Name, meta.Version)
		}
		return winner, nil
	}
	if err != nil {
		return nil, err
	}

	r.logger.Info().Str("module", meta.Name).Str("version", meta.Version).
		Str("hash", meta.Hash).Int64("size", meta.FileSize).Msg("module uploaded")
	return &meta, nil
}

// FindByName returns every version of a module, sorted by version key.
func (r *Registry) FindByName(ctx context.Context, name string) ([]*types.Module, error) {
	if name == "" {
		return nil, cperr.Validation.New("module name must not be empty")
	}
	return r.list(ctx, metaPrefix+name+":")
}

// FindByNameAndVersion returns a single module's metadata.
func (r *Registry) FindByNameAndVersion(ctx context.Context, name, version string) (*types.Module, error) {
	var data []byte
	err := store.Retry(ctx, func() error {
		var err error
		data, err = r.store.Get(ctx, metaKey(name, version))
		return err
	})
	if store.ErrKeyNotFound.Has(err) {
		return nil, cperr.NotFound.New("module %s@%s", name, version)
	}
	if err != nil {
		return nil, err
	}

	var meta types.Module
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, cperr.Internal.Wrap(err)
	}
	return &meta, nil
}

// FindAll returns the metadata of every stored module.
func (r *Registry) FindAll(ctx context.Context) ([]*types.Module, error) {
	return r.list(ctx, metaPrefix)
}

// Exists reports whether (name, version) is stored.
func (r *Registry) Exists(ctx context.Context, name, version string) (bool, error) {
	_, err := r.FindByNameAndVersion(ctx, name, version)
	if cperr.NotFound.Has(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Open returns a reader over the artifact bytes together with the metadata.
// The blob is verified against the stored content hash before it is served.
func (r *Registry) Open(ctx context.Context, name, version string) (io.ReadCloser, *types.Module, error) {
	meta, err := r.FindByNameAndVersion(ctx, name, version)
	if err != nil {
		return nil, nil, err
	}
	artifact, err := r.blob(ctx, meta)
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(artifact)), meta, nil
}

// Bytes returns the verified artifact bytes for distribution.
func (r *Registry) Bytes(ctx context.Context, name, version string) ([]byte, *types.Module, error) {
	meta, err := r.FindByNameAndVersion(ctx, name, version)
	if err != nil {
		return nil, nil, err
	}
	artifact, err := r.blob(ctx, meta)
	if err != nil {
		return nil, nil, err
	}
	return artifact, meta, nil
}

// Delete removes a module version. The blob is removed only when no other
// version still references the same content hash.
func (r *Registry) Delete(ctx context.Context, name, version string) error {
	meta, err := r.FindByNameAndVersion(ctx, name, version)
	if cperr.NotFound.Has(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := store.Retry(ctx, func() error {
		return r.store.Delete(ctx, metaKey(name, version))
	}); err != nil {
		return err
	}

	all, err := r.FindAll(ctx)
	if err != nil {
		return err
	}
	for _, other := range all {
		if other.Hash == meta.Hash {
			return nil
		}
	}
	return store.Retry(ctx, func() error {
		return r.store.Delete(ctx, blobPrefix+meta.Hash)
	})
}

func (r *Registry) blob(ctx context.Context, meta *types.Module) ([]byte, error) {
	var artifact []byte
	err := store.Retry(ctx, func() error {
		var err error
		artifact, err = r.store.Get(ctx, blobPrefix+meta.Hash)
		return err
	})
	if store.ErrKeyNotFound.Has(err) {
		return nil, cperr.Internal.New("module %s@%s blob %s is missing",
			meta.Name, meta.Version, meta.Hash)
	}
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(artifact)
	if hex.EncodeToString(sum[:]) != meta.Hash {
		return nil, cperr.Internal.New("module %s@%s blob failed hash verification",
			meta.Name, meta.Version)
	}
	return artifact, nil
}

func (r *Registry) list(ctx context.Context, prefix string) ([]*types.Module, error) {
	var items []store.Item
	err := store.Retry(ctx, func() error {
		var err error
		items, err = r.store.ListPrefix(ctx, prefix)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := make([]*types.Module, 0, len(items))
	for _, item := range items {
		var meta types.Module
		if err := json.Unmarshal(item.Value, &meta); err != nil {
			r.logger.Error().Err(err).Str("key", item.Key).Msg("skipping corrupt module entry")
			continue
		}
		result = append(result, &meta)
	}
	return result, nil
}

func validateIdentifier(name, version string) error {
	if name == "" || version == "" {
		return cperr.Validation.New("module name and version must not be empty")
	}
	if strings.ContainsAny(name, ":") || strings.ContainsAny(version, ":") {
		return cperr.Validation.New("module name and version must not contain ':'")
	}
	return nil
}

func metaKey(name, version string) string {
	return metaPrefix + name + ":" + version
}
