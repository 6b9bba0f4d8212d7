// Package store is the durable persistence layer for campaigns, messages
// and responses, backed by a single BoltDB file. Counter updates and status
// transitions happen inside one write transaction, which gives the
// dispatch engine the atomic increment semantics it relies on.
package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCampaigns = []byte("campaigns")
	bucketMessages  = []byte("messages")
	bucketPending   = []byte("pending_index")    // campaign:createdAt:msgID -> msgID
	bucketSent      = []byte("sent_index")       // recipient:sentAt:msgID -> msgID
	bucketResponses = []byte("responses")        // msgID -> Response
	bucketEvents    = []byte("processed_events") // event key -> receivedAt (unix nano)
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a record with the same id already exists
	ErrDuplicate = errors.New("already exists")
	// ErrInvalidTransition is returned for a disallowed status change
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the BoltDB-backed persistence layer
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens (or creates) the store at the given path
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCampaigns, bucketMessages, bucketPending, bucketSent, bucketResponses, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// makeIndexKey builds a sortable composite index key.
// Format: escaped prefix ":" zero-padded unix nanos ":" id.
func makeIndexKey(prefix string, t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s:%020d:%s", escapeSegment(prefix), t.UnixNano(), id))
}

// indexPrefix is the scan prefix for all index entries under one owner
func indexPrefix(prefix string) []byte {
	return []byte(escapeSegment(prefix) + ":")
}

// escapeSegment makes an arbitrary owner id (a recipient can contain
// anything) safe to embed in a composite key: ':' separates segments, so
// it and the escape character itself are escaped. Without this,
// indexPrefix("a") would also match keys belonging to recipient "a:b".
func escapeSegment(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, ":", `\:`)
}
