package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/snappy"
	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
	pkgerrors "github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var _ agency.LogStore = (*LogStore)(nil)

// available buckets
var (
	logBucket         = []byte("log")
	compactionsBucket = []byte("compactions")
	metaBucket        = []byte("meta")
	revtreesBucket    = []byte("revtrees")
)

var hardStateKey = []byte("hardstate")

// LogStore is an agency.LogStore backed by boltdb. Entries are keyed by
// index and term in big endian order.
type LogStore struct {
	config Config
	db     *bolt.DB
	logger *zap.Logger

	// mu serializes write transactions so that the sync mode of one append
	// does not leak into another.
	mu sync.Mutex
}

// NewLogStore returns an instance of LogStore with the file at the
// configured path.
func NewLogStore(c Config) *LogStore {
	return &LogStore{
		config: c,
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger on the store.
func (s *LogStore) WithLogger(l *zap.Logger) {
	s.logger = l
}

// Path returns the path of the bolt file.
func (s *LogStore) Path() string { return s.config.Path }

// Open creates the bolt file if it doesn't exist and opens it otherwise.
func (s *LogStore) Open(ctx context.Context) error {
	// Ensure the required directory structure exists.
	if err := os.MkdirAll(filepath.Dir(s.config.Path), 0700); err != nil {
		return fmt.Errorf("unable to create directory %s: %v", s.config.Path, err)
	}

	db, err := bolt.Open(s.config.Path, 0600, &bolt.Options{
		Timeout:         time.Duration(s.config.OpenTimeout),
		InitialMmapSize: int(s.config.InitialMmapSize),
	})
	if err != nil {
		return fmt.Errorf("unable to open boltdb file %v", err)
	}
	s.db = db

	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{logBucket, compactionsBucket, metaBucket, revtreesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return pkgerrors.Wrap(err, "initialize buckets")
	}

	first, _ := s.FirstIndex()
	last, _ := s.LastIndex()
	s.logger.Info("Resources opened",
		zap.String("path", s.config.Path),
		zap.Uint64("first_index", first),
		zap.Uint64("last_index", last))
	return nil
}

// Close the connection to the bolt database.
func (s *LogStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Drop closes the store and removes the bolt file.
func (s *LogStore) Drop() error {
	if err := s.Close(); err != nil {
		return err
	}
	s.logger.Info("Removing log store", zap.String("path", s.config.Path))
	if err := os.Remove(s.config.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *LogStore) view(fn func(tx *bolt.Tx) error) error {
	if s.db == nil {
		return agency.ErrClosed
	}
	err := s.db.View(fn)
	if err == bolt.ErrDatabaseNotOpen {
		return agency.ErrClosed
	}
	return err
}

func (s *LogStore) update(sync bool, fn func(tx *bolt.Tx) error) error {
	if s.db == nil {
		return agency.ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.db.NoSync = s.config.NoSync || !sync
	defer func() { s.db.NoSync = s.config.NoSync }()

	err := s.db.Update(fn)
	if err == bolt.ErrDatabaseNotOpen {
		return agency.ErrClosed
	}
	return err
}

func logKey(index, term uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[0:8], index)
	binary.BigEndian.PutUint64(k[8:16], term)
	return k
}

func indexKey(index uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, index)
	return k
}

func keyIndex(k []byte) uint64 { return binary.BigEndian.Uint64(k[0:8]) }

func boundary(tx *bolt.Tx) uint64 {
	if k, _ := tx.Bucket(compactionsBucket).Cursor().Last(); k != nil {
		return keyIndex(k)
	}
	return 0
}

func firstIndex(tx *bolt.Tx) uint64 {
	if k, _ := tx.Bucket(logBucket).Cursor().First(); k != nil {
		return keyIndex(k)
	}
	return boundary(tx) + 1
}

func lastIndex(tx *bolt.Tx) uint64 {
	if k, _ := tx.Bucket(logBucket).Cursor().Last(); k != nil {
		return keyIndex(k)
	}
	return boundary(tx)
}

// FirstIndex returns the index of the first retained entry.
func (s *LogStore) FirstIndex() (first uint64, err error) {
	err = s.view(func(tx *bolt.Tx) error {
		first = firstIndex(tx)
		return nil
	})
	return first, err
}

// LastIndex returns the index of the last entry.
func (s *LogStore) LastIndex() (last uint64, err error) {
	err = s.view(func(tx *bolt.Tx) error {
		last = lastIndex(tx)
		return nil
	})
	return last, err
}

// Entry returns the entry at index.
func (s *LogStore) Entry(index uint64) (*agency.LogEntry, error) {
	var e *agency.LogEntry
	err := s.view(func(tx *bolt.Tx) error {
		if first := firstIndex(tx); index < first {
			return agency.CompactedError("bolt.Entry", index, first)
		}
		k, v := tx.Bucket(logBucket).Cursor().Seek(indexKey(index))
		if k == nil || keyIndex(k) != index {
			return agency.ErrEntryNotFound
		}
		var err error
		e, err = decodeEntry(v)
		return err
	})
	return e, err
}

// Entries returns the entries in [lo, hi].
func (s *LogStore) Entries(lo, hi uint64) ([]*agency.LogEntry, error) {
	var a []*agency.LogEntry
	err := s.view(func(tx *bolt.Tx) error {
		if first := firstIndex(tx); lo < first {
			return agency.CompactedError("bolt.Entries", lo, first)
		}
		c := tx.Bucket(logBucket).Cursor()
		for k, v := c.Seek(indexKey(lo)); k != nil && keyIndex(k) <= hi; k, v = c.Next() {
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			a = append(a, e)
		}
		return nil
	})
	return a, err
}

// Append adds entries to the end of the log. When sync is false the bolt
// commit skips fsync.
func (s *LogStore) Append(entries []*agency.LogEntry, sync bool) error {
	if len(entries) == 0 {
		return nil
	}
	return s.update(sync, func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		next := lastIndex(tx) + 1
		for _, e := range entries {
			if e.Index != next {
				return &errors.Error{
					Code: errors.EConflict,
					Op:   "bolt.Append",
					Msg:  fmt.Sprintf("entry index %d does not follow last index %d", e.Index, next-1),
				}
			}
			v, err := e.MarshalBinary()
			if err != nil {
				return err
			}
			if err := b.Put(logKey(e.Index, e.Term), v); err != nil {
				return pkgerrors.Wrapf(err, "put entry %d", e.Index)
			}
			next++
		}
		return nil
	})
}

// Sync fsyncs the bolt file, making earlier unsynced appends durable.
func (s *LogStore) Sync() error {
	if s.db == nil {
		return agency.ErrClosed
	}
	if s.config.NoSync {
		return nil
	}
	return s.db.Sync()
}

// TruncateSuffix removes all entries with an index >= index.
func (s *LogStore) TruncateSuffix(index uint64) error {
	return s.update(true, func(tx *bolt.Tx) error {
		if b := boundary(tx); index <= b {
			return &errors.Error{
				Code: errors.EInvalid,
				Op:   "bolt.TruncateSuffix",
				Msg:  fmt.Sprintf("cannot truncate at %d, entries up to %d are compacted", index, b),
			}
		}
		b := tx.Bucket(logBucket)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(indexKey(index)); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		return deleteKeys(b, keys)
	})
}

// Compact stores rec and removes entries below pruneBelow in one bolt
// transaction, so a reader sees either the old boundary and entries or the new.
func (s *LogStore) Compact(rec *agency.CompactionRecord, pruneBelow uint64) error {
	var pruned int
	err := s.update(true, func(tx *bolt.Tx) error {
		if b := boundary(tx); rec.BoundaryIndex <= b {
			return &errors.Error{
				Code: errors.EConflict,
				Op:   "bolt.Compact",
				Msg:  fmt.Sprintf("boundary %d does not advance past %d", rec.BoundaryIndex, b),
			}
		}
		if last := lastIndex(tx); rec.BoundaryIndex > last {
			return &errors.Error{
				Code: errors.EInvalid,
				Op:   "bolt.Compact",
				Msg:  fmt.Sprintf("boundary %d is past the last index %d", rec.BoundaryIndex, last),
			}
		}
		if pruneBelow > rec.BoundaryIndex+1 {
			pruneBelow = rec.BoundaryIndex + 1
		}

		if err := putCompaction(tx, rec); err != nil {
			return err
		}

		b := tx.Bucket(logBucket)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && keyIndex(k) < pruneBelow; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		pruned = len(keys)
		return deleteKeys(b, keys)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Log compacted",
		zap.Uint64("boundary_index", rec.BoundaryIndex),
		zap.Int("pruned_entries", pruned),
		zap.String("snapshot_size", humanize.Bytes(uint64(len(rec.Snapshot)))))
	return nil
}

// InstallSnapshot stores rec and discards every entry and older record.
func (s *LogStore) InstallSnapshot(rec *agency.CompactionRecord) error {
	return s.update(true, func(tx *bolt.Tx) error {
		for _, name := range [][]byte{logBucket, compactionsBucket} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return putCompaction(tx, rec)
	})
}

func putCompaction(tx *bolt.Tx, rec *agency.CompactionRecord) error {
	compressed := *rec
	compressed.Snapshot = snappy.Encode(nil, rec.Snapshot)
	v, err := compressed.MarshalBinary()
	if err != nil {
		return err
	}

	b := tx.Bucket(compactionsBucket)
	if err := b.Put(indexKey(rec.BoundaryIndex), v); err != nil {
		return pkgerrors.Wrap(err, "put compaction record")
	}

	// Keep only the newest records.
	var keys [][]byte
	c := b.Cursor()
	n := 0
	for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
		if n++; n > agency.RetainedCompactions {
			keys = append(keys, append([]byte(nil), k...))
		}
	}
	return deleteKeys(b, keys)
}

// LastCompaction returns the newest compaction record.
func (s *LogStore) LastCompaction() (*agency.CompactionRecord, error) {
	var rec *agency.CompactionRecord
	err := s.view(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(compactionsBucket).Cursor().Last()
		if k == nil {
			return nil
		}
		rec = &agency.CompactionRecord{}
		if err := rec.UnmarshalBinary(v); err != nil {
			return agency.CorruptStateError("bolt.LastCompaction", err)
		}
		snap, err := snappy.Decode(nil, rec.Snapshot)
		if err != nil {
			return agency.CorruptStateError("bolt.LastCompaction", err)
		}
		rec.Snapshot = snap
		return nil
	})
	return rec, err
}

// Compactions returns the boundaries of the retained records.
func (s *LogStore) Compactions() ([]uint64, error) {
	a := []uint64{}
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(compactionsBucket).ForEach(func(k, _ []byte) error {
			a = append(a, keyIndex(k))
			return nil
		})
	})
	return a, err
}

// HardState returns the stored term and vote.
func (s *LogStore) HardState() (agency.HardState, error) {
	var hs agency.HardState
	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(hardStateKey)
		if v == nil {
			return nil
		}
		if len(v) != 16 {
			return agency.CorruptStateError("bolt.HardState", fmt.Errorf("hard state has %d bytes", len(v)))
		}
		hs.Term = binary.BigEndian.Uint64(v[0:8])
		hs.VotedFor = binary.BigEndian.Uint64(v[8:16])
		return nil
	})
	return hs, err
}

// SetHardState durably stores the term and vote.
func (s *LogStore) SetHardState(hs agency.HardState) error {
	v := make([]byte, 16)
	binary.BigEndian.PutUint64(v[0:8], hs.Term)
	binary.BigEndian.PutUint64(v[8:16], hs.VotedFor)
	return s.update(true, func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(hardStateKey, v)
	})
}

func deleteKeys(b *bolt.Bucket, keys [][]byte) error {
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return pkgerrors.Wrap(err, "delete key")
		}
	}
	return nil
}

func decodeEntry(v []byte) (*agency.LogEntry, error) {
	e := &agency.LogEntry{}
	if err := e.UnmarshalBinary(bytes.Clone(v)); err != nil {
		return nil, agency.CorruptStateError("bolt.decodeEntry", err)
	}
	return e, nil
}
