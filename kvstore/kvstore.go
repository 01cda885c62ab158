// Package kvstore is a small namespaced key-value store for float values,
// kept in a bolt database so it survives restarts and power loss.
package kvstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/sigurn/crc8"
)

const recordLen = 9 // 8 bytes float64 + 1 byte CRC

var (
	ErrCorrupt = errors.New("corrupt record")

	crcTable = crc8.MakeTable(crc8.CRC8)
)

// DB is an open store. It is safe for concurrent use.
type DB struct {
	bolt *bolt.DB
}

// Namespace is a view of DB restricted to one bucket.
type Namespace struct {
	db   *DB
	name []byte
}

// Open opens or creates the store at path, creating parent directories.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	return &DB{bolt: db}, nil
}

func (db *DB) Close() error {
	return db.bolt.Close()
}

// Namespace returns the namespace called name. The bucket is created on the
// first write.
func (db *DB) Namespace(name string) *Namespace {
	return &Namespace{db: db, name: []byte(name)}
}

// GetFloat returns the value for key and whether it was present. A record
// that fails its checksum returns ErrCorrupt.
func (n *Namespace) GetFloat(key string) (float64, bool, error) {
	var v float64
	found := false
	err := n.db.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(n.name)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var err error
		v, err = decodeFloat(raw)
		if err != nil {
			return fmt.Errorf("%s/%s: %w", n.name, key, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return v, found, nil
}

func (n *Namespace) SetFloat(key string, v float64) error {
	return n.db.bolt.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(n.name)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), encodeFloat(v))
	})
}

func (n *Namespace) Delete(key string) error {
	return n.db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(n.name)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Keys lists the keys in the namespace in byte order.
func (n *Namespace) Keys() ([]string, error) {
	keys := []string{}
	err := n.db.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(n.name)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func encodeFloat(v float64) []byte {
	buf := make([]byte, recordLen)
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
	buf[8] = crc8.Checksum(buf[:8], crcTable)
	return buf
}

func decodeFloat(raw []byte) (float64, error) {
	if len(raw) != recordLen {
		return 0, fmt.Errorf("%w: length %d", ErrCorrupt, len(raw))
	}
	if crc := crc8.Checksum(raw[:8], crcTable); crc != raw[8] {
		return 0, fmt.Errorf("%w: crc 0x%02X, expected 0x%02X", ErrCorrupt, raw[8], crc)
	}
	return math.Float64frombits(binary.BigEndian.Uint64(raw[:8])), nil
}
