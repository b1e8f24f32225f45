package blockstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"
	bbolt "go.etcd.io/bbolt"
)

const (
	// StoreName is the top-level bucket holding all interceptor preferences.
	StoreName = "SPAM_PREFS"
	// BlockNumbersKey is the nested bucket holding the blocked caller IDs.
	BlockNumbersKey = "BLOCK_NUMBERS"

	bloomFalsePositiveRate = 0.001
	bloomMinCapacity       = 1024
)

var ErrNotFound = errors.New("number not in block list")

// Entry describes why a number is on the block list.
type Entry struct {
	Source   string    `json:"source"`
	Line     int       `json:"line,omitempty"`
	Comment  string    `json:"comment,omitempty"`
	Imported bool      `json:"imported"`
	AddedAt  time.Time `json:"added_at"`
}

// Store is a bbolt-backed block list fronted by a bloom filter. Lookups that
// miss the filter never touch the database.
type Store struct {
	db *bbolt.DB

	// writeLock serialises mutations so a bloom rebuild never drops a
	// concurrently added number.
	writeLock sync.Mutex

	bloomLock sync.RWMutex
	bloom     *bitsbloom.BloomFilter
}

// Open opens (or creates) the store at path and loads the bloom filter.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open block store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		prefs, err := tx.CreateBucketIfNotExists([]byte(StoreName))
		if err != nil {
			return err
		}
		_, err = prefs.CreateBucketIfNotExists([]byte(BlockNumbersKey))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create block store buckets: %w", err)
	}
	s := &Store{db: db}
	if err := s.rebuildBloom(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func numbersBucket(tx *bbolt.Tx) *bbolt.Bucket {
	prefs := tx.Bucket([]byte(StoreName))
	if prefs == nil {
		return nil
	}
	return prefs.Bucket([]byte(BlockNumbersKey))
}

// Lookup returns the entry for an exact caller ID.
func (s *Store) Lookup(number string) (Entry, bool, error) {
	var entry Entry
	s.bloomLock.RLock()
	maybe := s.bloom.TestString(number)
	s.bloomLock.RUnlock()
	if !maybe {
		return entry, false, nil
	}
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := numbersBucket(tx)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(number))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &entry)
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup %s: %w", number, err)
	}
	return entry, found, nil
}

// Add inserts or overwrites a single entry.
func (s *Store) Add(number string, entry Entry) error {
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now().UTC()
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return numbersBucket(tx).Put([]byte(number), val)
	})
	if err != nil {
		return fmt.Errorf("add %s: %w", number, err)
	}
	s.bloomLock.Lock()
	s.bloom.AddString(number)
	s.bloomLock.Unlock()
	return nil
}

// Remove deletes a number. The bloom filter keeps the stale bit until the
// next rebuild, which only costs one extra database read.
func (s *Store) Remove(number string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := numbersBucket(tx)
		if b.Get([]byte(number)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(number))
	})
}

// List returns all entries keyed by number.
func (s *Store) List() (map[string]Entry, error) {
	out := make(map[string]Entry)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return numbersBucket(tx).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out[string(k)] = e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Len() int {
	n := 0
	_ = s.db.View(func(tx *bbolt.Tx) error {
		n = numbersBucket(tx).Stats().KeyN
		return nil
	})
	return n
}

// ReplaceImported swaps all imported entries for the given set in a single
// transaction. Entries added by hand are left untouched.
func (s *Store) ReplaceImported(entries map[string]Entry) error {
	now := time.Now().UTC()
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := numbersBucket(tx)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil || e.Imported {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for number, e := range entries {
			if existing := b.Get([]byte(number)); existing != nil {
				// manual entry wins
				continue
			}
			e.Imported = true
			if e.AddedAt.IsZero() {
				e.AddedAt = now
			}
			val, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(number), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace imported entries: %w", err)
	}
	return s.rebuildBloom()
}

func (s *Store) rebuildBloom() error {
	var keys [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		return numbersBucket(tx).ForEach(func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("load bloom filter: %w", err)
	}
	capacity := uint(len(keys) * 2)
	if capacity < bloomMinCapacity {
		capacity = bloomMinCapacity
	}
	bf := bitsbloom.NewWithEstimates(capacity, bloomFalsePositiveRate)
	for _, k := range keys {
		bf.Add(k)
	}
	s.bloomLock.Lock()
	s.bloom = bf
	s.bloomLock.Unlock()
	return nil
}
