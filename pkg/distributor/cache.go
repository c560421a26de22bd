package distributor

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/stormstack/controlplane/pkg/cperr"
)

var artifactBucket = []byte("artifacts")

// artifactCache keeps verified module bytes on local disk so a fleet-wide
// distribution reads each blob from the shared store once, not once per node.
type artifactCache struct {
	db *bolt.DB
}

func openCache(dataDir string) (*artifactCache, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, cperr.Internal.Wrap(err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, "artifacts.db"), 0o600, nil)
	if err != nil {
		return nil, cperr.Internal.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(artifactBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, cperr.Internal.Wrap(err)
	}
	return &artifactCache{db: db}, nil
}

// get returns the cached bytes for a content hash, nil on a miss. A cached
// entry that no longer matches its hash is dropped and treated as a miss.
func (c *artifactCache) get(hash string) []byte {
	var artifact []byte
	_ = c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(artifactBucket).Get([]byte(hash)); v != nil {
			artifact = make([]byte, len(v))
			copy(artifact, v)
		}
		return nil
	})
	if artifact == nil {
		return nil
	}
	sum := sha256.Sum256(artifact)
	if hex.EncodeToString(sum[:]) != hash {
		_ = c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(artifactBucket).Delete([]byte(hash))
		})
		return nil
	}
	return artifact
}

func (c *artifactCache) put(hash string, artifact []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(artifactBucket).Put([]byte(hash), artifact)
	})
}

func (c *artifactCache) close() error {
	return c.db.Close()
}
