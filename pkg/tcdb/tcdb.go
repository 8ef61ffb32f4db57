// Package tcdb persists code maps: for each translation cache session, the
// stubs it built and the smashable sites it emitted, with their bytes.
package tcdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrCorrupt  = errors.New("record checksum mismatch")
)

// Session describes one translation cache whose code map was saved.
type Session struct {
	ID      uuid.UUID `cbor:"1,keyasint"`
	Arch    string    `cbor:"2,keyasint"`
	Created time.Time `cbor:"3,keyasint"`
	Base    uint64    `cbor:"4,keyasint"`
	Stubs   int       `cbor:"5,keyasint"`
	Sites   int       `cbor:"6,keyasint"`
}

// StubRecord is one published stub entry point.
type StubRecord struct {
	Name      string   `cbor:"1,keyasint"`
	Addr      uint64   `cbor:"2,keyasint"`
	Start     uint64   `cbor:"3,keyasint"`
	End       uint64   `cbor:"4,keyasint"`
	ColdStart uint64   `cbor:"5,keyasint,omitempty"`
	ColdEnd   uint64   `cbor:"6,keyasint,omitempty"`
	Digest    [32]byte `cbor:"7,keyasint"`
	Code      []byte   `cbor:"8,keyasint"`
	Checksum  uint64   `cbor:"9,keyasint"`
}

// SiteRecord is one smashable instruction and what it decoded to when
// saved: a branch target, an immediate, and for conditional jumps the
// condition.
type SiteRecord struct {
	Addr     uint64 `cbor:"1,keyasint"`
	Kind     string `cbor:"2,keyasint"`
	Value    uint64 `cbor:"3,keyasint"`
	Cond     string `cbor:"4,keyasint,omitempty"`
	Code     []byte `cbor:"5,keyasint"`
	Checksum uint64 `cbor:"6,keyasint"`
}

var encMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("tcdb: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Key layout:
//
//	s/<id>                 session
//	r/<id>/a/<addr>        stub record
//	r/<id>/b/<addr>        site record
//
// Addresses are big-endian so iteration follows address order.
const (
	sessionPrefix = "s/"
	recordPrefix  = "r/"
	stubTag       = 'a'
	siteTag       = 'b'
)

func sessionKey(id uuid.UUID) []byte {
	return append([]byte(sessionPrefix), id[:]...)
}

func recordsPrefix(id uuid.UUID) []byte {
	k := append([]byte(recordPrefix), id[:]...)
	return append(k, '/')
}

func recordKey(id uuid.UUID, tag byte, addr uint64) []byte {
	k := append(recordsPrefix(id), tag, '/')
	return binary.BigEndian.AppendUint64(k, addr)
}

// upperBound returns the smallest key greater than every key with prefix p.
func upperBound(p []byte) []byte {
	end := bytes.Clone(p)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// DB is a pebble-backed code map store.
type DB struct {
	db *pebble.DB
}

// Open opens or creates the store at dir. A nil fs uses the disk.
func Open(dir string, fs vfs.FS) (*DB, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open code map store %s: %w", dir, err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Save writes s with its records in one batch. The record counts of s are
// taken from the slices.
func (d *DB) Save(s Session, stubs []StubRecord, sites []SiteRecord) error {
	s.Stubs, s.Sites = len(stubs), len(sites)
	batch := d.db.NewBatch()
	defer batch.Close()

	set := func(key []byte, v any) error {
		data, err := encMode.Marshal(v)
		if err != nil {
			return fmt.Errorf("tcdb: marshal %T: %w", v, err)
		}
		return batch.Set(key, data, nil)
	}
	if err := set(sessionKey(s.ID), &s); err != nil {
		return err
	}
	for i := range stubs {
		r := stubs[i]
		r.Checksum = xxhash.Sum64(r.Code)
		if err := set(recordKey(s.ID, stubTag, r.Addr), &r); err != nil {
			return err
		}
	}
	for i := range sites {
		r := sites[i]
		r.Checksum = xxhash.Sum64(r.Code)
		if err := set(recordKey(s.ID, siteTag, r.Addr), &r); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

// Session returns the session with the given id.
func (d *DB) Session(id uuid.UUID) (Session, error) {
	value, closer, err := d.db.Get(sessionKey(id))
	if err == pebble.ErrNotFound {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	defer closer.Close()

	var s Session
	if err := cbor.Unmarshal(value, &s); err != nil {
		return Session{}, fmt.Errorf("tcdb: unmarshal session %s: %w", id, err)
	}
	return s, nil
}

// Sessions lists every saved session, oldest first.
func (d *DB) Sessions() ([]Session, error) {
	var out []Session
	err := d.scan([]byte(sessionPrefix), func(_, value []byte) error {
		var s Session
		if err := cbor.Unmarshal(value, &s); err != nil {
			return fmt.Errorf("tcdb: unmarshal session: %w", err)
		}
		out = append(out, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSessions(out)
	return out, nil
}

// Stubs returns the stub records of session id in address order.
func (d *DB) Stubs(id uuid.UUID) ([]StubRecord, error) {
	if _, err := d.Session(id); err != nil {
		return nil, err
	}
	var out []StubRecord
	err := d.scan(append(recordsPrefix(id), stubTag, '/'), func(key, value []byte) error {
		var r StubRecord
		if err := cbor.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("tcdb: unmarshal stub record: %w", err)
		}
		if xxhash.Sum64(r.Code) != r.Checksum {
			return fmt.Errorf("%w: stub %s", ErrCorrupt, r.Name)
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// Sites returns the smashable site records of session id in address order.
func (d *DB) Sites(id uuid.UUID) ([]SiteRecord, error) {
	if _, err := d.Session(id); err != nil {
		return nil, err
	}
	var out []SiteRecord
	err := d.scan(append(recordsPrefix(id), siteTag, '/'), func(key, value []byte) error {
		var r SiteRecord
		if err := cbor.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("tcdb: unmarshal site record: %w", err)
		}
		if xxhash.Sum64(r.Code) != r.Checksum {
			return fmt.Errorf("%w: site %#x", ErrCorrupt, r.Addr)
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// Delete removes session id and all of its records.
func (d *DB) Delete(id uuid.UUID) error {
	if _, err := d.Session(id); err != nil {
		return err
	}
	batch := d.db.NewBatch()
	defer batch.Close()

	prefix := recordsPrefix(id)
	if err := batch.DeleteRange(prefix, upperBound(prefix), nil); err != nil {
		return err
	}
	if err := batch.Delete(sessionKey(id), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func sortSessions(ss []Session) {
	sort.Slice(ss, func(i, j int) bool {
		if !ss[i].Created.Equal(ss[j].Created) {
			return ss[i].Created.Before(ss[j].Created)
		}
		return bytes.Compare(ss[i].ID[:], ss[j].ID[:]) < 0
	})
}

func (d *DB) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
