package docstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta = []byte("doc_meta")
	bucketBody = []byte("doc_body")
	bucketSum  = []byte("doc_sum")
)

// LocalStore is the embedded single-node document store: a bbolt database
// with a BLAKE3 integrity hash per body.
type LocalStore struct {
	db *bolt.DB
}

// OpenLocal creates or opens the embedded store at path.
func OpenLocal(path string) (*LocalStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketBody, bucketSum} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &LocalStore{db: db}, nil
}

// PutDocument stores meta and body under key, replacing any prior document.
func (s *LocalStore) PutDocument(ctx context.Context, key string, meta, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sum := blake3.Sum256(body)
	return s.db.Update(func(tx *bolt.Tx) error {
		k := []byte(key)
		if err := tx.Bucket(bucketMeta).Put(k, meta); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBody).Put(k, body); err != nil {
			return err
		}
		return tx.Bucket(bucketSum).Put(k, sum[:])
	})
}

// GetDocument fetches the document at key and verifies its integrity hash.
func (s *LocalStore) GetDocument(ctx context.Context, key string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc *Document
	err := s.db.View(func(tx *bolt.Tx) error {
		k := []byte(key)
		body := tx.Bucket(bucketBody).Get(k)
		if body == nil {
			return ErrNotFound
		}
		sum := blake3.Sum256(body)
		if stored := tx.Bucket(bucketSum).Get(k); !bytes.Equal(stored, sum[:]) {
			return ErrCorrupt
		}

		doc = &Document{Key: key}
		doc.Body = append([]byte(nil), body...)
		if meta := tx.Bucket(bucketMeta).Get(k); meta != nil {
			doc.Meta = append([]byte(nil), meta...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// DeleteDocument removes the document at key. Missing keys are not an error.
func (s *LocalStore) DeleteDocument(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		k := []byte(key)
		if err := tx.Bucket(bucketMeta).Delete(k); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBody).Delete(k); err != nil {
			return err
		}
		return tx.Bucket(bucketSum).Delete(k)
	})
}

// ListDocuments returns every stored key in byte order.
func (s *LocalStore) ListDocuments(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBody).ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the underlying database.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

var _ Store = (*LocalStore)(nil)
