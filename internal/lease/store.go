package lease

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltDB bucket names.
var bucketLeases = []byte("leases")

// ErrIPInUse is returned when an address is already leased to a different MAC.
var ErrIPInUse = errors.New("ip already leased to another client")

// Store holds committed leases in memory, indexed by MAC and IP.
// When opened with a path it writes through to BoltDB so leases survive restarts.
type Store struct {
	db    *bolt.DB
	mu    sync.RWMutex
	byMAC map[string]*Lease // canonical MAC → Lease
	byIP  map[string]*Lease // IP string → Lease
}

// NewMemoryStore creates a store with no persistence.
func NewMemoryStore() *Store {
	return &Store{
		byMAC: make(map[string]*Lease),
		byIP:  make(map[string]*Lease),
	}
}

// NewStore opens or creates a BoltDB database at path and loads its leases.
// An empty path returns a memory-only store.
func NewStore(path string) (*Store, error) {
	s := NewMemoryStore()
	if path == "" {
		return s, nil
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening lease database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLeases); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketLeases, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing database buckets: %w", err)
	}
	s.db = db

	if err := s.loadAll(time.Now()); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading leases from database: %w", err)
	}
	return s, nil
}

// Persistent reports whether the store is backed by BoltDB.
func (s *Store) Persistent() bool {
	return s.db != nil
}

// Close closes the underlying database, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// loadAll reads all leases from BoltDB into the in-memory indexes.
// Leases already expired at now are removed from the database instead.
func (s *Store) loadAll(now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			l := &Lease{}
			if err := json.Unmarshal(v, l); err != nil {
				return fmt.Errorf("unmarshalling lease %s: %w", k, err)
			}
			if l.IP.To4() == nil || l.MAC == "" {
				return nil
			}
			if l.IsExpired(now) {
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			s.index(l)
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("deleting expired lease %s: %w", k, err)
			}
		}
		return nil
	})
}

func (s *Store) index(l *Lease) {
	s.byMAC[l.MAC] = l
	s.byIP[l.IP.String()] = l
}

func (s *Store) unindex(l *Lease) {
	delete(s.byMAC, l.MAC)
	if cur, ok := s.byIP[l.IP.String()]; ok && cur.MAC == l.MAC {
		delete(s.byIP, l.IP.String())
	}
}

// Put creates or replaces the lease for l.MAC. A lease for the same IP
// held by a different MAC is rejected with ErrIPInUse.
func (s *Store) Put(l *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, ok := s.byIP[l.IP.String()]; ok && holder.MAC != l.MAC {
		return fmt.Errorf("storing lease %s for %s (held by %s): %w", l.IP, l.MAC, holder.MAC, ErrIPInUse)
	}

	c := l.Clone()
	if s.db != nil {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshalling lease for %s: %w", c.MAC, err)
		}
		err = s.db.Update(func(tx *bolt.Tx) error {
			if err := tx.Bucket(bucketLeases).Put([]byte(c.MAC), data); err != nil {
				return fmt.Errorf("writing lease for %s: %w", c.MAC, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if old, ok := s.byMAC[c.MAC]; ok {
		s.unindex(old)
	}
	s.index(c)
	return nil
}

// Delete removes the lease for mac and returns it, or nil if none existed.
func (s *Store) Delete(mac string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.byMAC[mac]
	if !ok {
		return nil, nil
	}
	if s.db != nil {
		err := s.db.Update(func(tx *bolt.Tx) error {
			if err := tx.Bucket(bucketLeases).Delete([]byte(mac)); err != nil {
				return fmt.Errorf("deleting lease for %s: %w", mac, err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	s.unindex(l)
	return l.Clone(), nil
}

// GetByMAC returns a copy of the lease for mac, or nil.
func (s *Store) GetByMAC(mac string) *Lease {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.byMAC[mac]
	if !ok {
		return nil
	}
	return l.Clone()
}

// GetByIP returns a copy of the lease holding ip, or nil.
func (s *Store) GetByIP(ip net.IP) *Lease {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.byIP[ip.String()]
	if !ok {
		return nil
	}
	return l.Clone()
}

// HoldsIP reports whether any lease holds ip.
func (s *Store) HoldsIP(ip net.IP) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byIP[ip.String()]
	return ok
}

// All returns copies of all leases ordered by IP.
func (s *Store) All() []*Lease {
	s.mu.RLock()
	leases := make([]*Lease, 0, len(s.byMAC))
	for _, l := range s.byMAC {
		leases = append(leases, l.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(leases, func(i, j int) bool {
		return bytes.Compare(leases[i].IP.To4(), leases[j].IP.To4()) < 0
	})
	return leases
}

// Count returns the total number of leases.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byMAC)
}

// ForEach iterates over all leases with a callback. Holds the read lock.
func (s *Store) ForEach(fn func(*Lease) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.byMAC {
		if !fn(l) {
			return
		}
	}
}

// Expired returns copies of leases that have lapsed at now.
func (s *Store) Expired(now time.Time) []*Lease {
	var out []*Lease
	s.ForEach(func(l *Lease) bool {
		if l.IsExpired(now) {
			out = append(out, l.Clone())
		}
		return true
	})
	return out
}
