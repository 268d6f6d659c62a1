// Package programstore provides persistent storage for loaded programs.
//
// Programs are keyed by their ProgramID (the BLAKE3 hash of the cleaned
// code). The cleaned code is stored zstd-compressed inside a CBOR record;
// reading a program back runs it through the loader again, so everything
// returned by the store satisfies the same invariants as a fresh load.
package programstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fortiblox/tapevm/internal/types"
	"github.com/fortiblox/tapevm/pkg/tvm/bf"
	"github.com/fortiblox/tapevm/pkg/tvm/loader"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

var (
	// ErrProgramNotFound is returned when a program doesn't exist.
	ErrProgramNotFound = errors.New("program not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("program store closed")

	// ErrCorrupt is returned when a stored record does not decode to the
	// program its key names.
	ErrCorrupt = errors.New("corrupt program record")
)

// Bucket names for BoltDB.
var (
	// bucketPrograms stores program records keyed by program ID.
	bucketPrograms = []byte("programs")

	// bucketMetadata stores store-wide counters.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyProgramCount = []byte("program_count")
)

// Config holds program store configuration options.
type Config struct {
	// Path is the file path of the database.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// PruneEnabled enables automatic removal of unused programs.
	PruneEnabled bool

	// PruneInterval is how often to run the pruning routine.
	PruneInterval time.Duration

	// RetainFor keeps programs used within this window when pruning.
	RetainFor time.Duration

	// Logger receives pruning errors and summaries. Nil disables logging.
	Logger *zap.Logger
}

// DefaultConfig returns the default program store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		NoSync:        false,
		ReadOnly:      false,
		PruneEnabled:  false,
		PruneInterval: 1 * time.Hour,
		RetainFor:     30 * 24 * time.Hour,
	}
}

// Meta describes a stored program without its code.
type Meta struct {
	ID       types.ProgramID
	Size     int // opcode count
	Loops    int
	Created  time.Time
	LastUsed time.Time
}

// Stats contains program store statistics.
type Stats struct {
	// ProgramCount is the number of stored programs.
	ProgramCount uint64

	// DatabaseSize is the size of the database file in bytes.
	DatabaseSize int64
}

// Store is the program store interface.
type Store interface {
	Put(prog *bf.Program) (types.ProgramID, error)
	Get(id types.ProgramID) (*bf.Program, error)
	Has(id types.ProgramID) bool
	Delete(id types.ProgramID) error
	Touch(id types.ProgramID) error
	List() ([]Meta, error)
	Prune(olderThan time.Duration) (int, error)
	GetStats() (*Stats, error)
	Sync() error
	Close() error
}

// record is the stored form of a program.
type record struct {
	Code     []byte `cbor:"1,keyasint"` // zstd-compressed cleaned code
	Size     int    `cbor:"2,keyasint"`
	Loops    int    `cbor:"3,keyasint"`
	Created  int64  `cbor:"4,keyasint"` // unix nanoseconds
	LastUsed int64  `cbor:"5,keyasint"`
}

func (r *record) meta(id types.ProgramID) Meta {
	return Meta{
		ID:       id,
		Size:     r.Size,
		Loops:    r.Loops,
		Created:  time.Unix(0, r.Created),
		LastUsed: time.Unix(0, r.LastUsed),
	}
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	config Config
	log    *zap.Logger

	enc     *zstd.Encoder
	dec     *zstd.Decoder
	encMode cbor.EncMode

	// now is replaced in tests.
	now func() time.Time

	mu           sync.RWMutex
	programCount uint64
	closed       bool

	// Pruning control.
	pruner *tomb.Tomb
}

var _ Store = (*BoltStore)(nil)

// Open creates or opens a program store at the given path.
func Open(config Config) (*BoltStore, error) {
	// Ensure directory exists.
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}

	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create cbor enc mode: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &BoltStore{
		db:      db,
		config:  config,
		log:     logger.Named("programstore"),
		enc:     enc,
		dec:     dec,
		encMode: encMode,
		now:     time.Now,
	}

	// Initialize buckets (skip in read-only mode).
	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			store.closeCodecs()
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	if err := store.loadCachedValues(); err != nil {
		store.closeCodecs()
		db.Close()
		return nil, fmt.Errorf("load cached values: %w", err)
	}

	if config.PruneEnabled && !config.ReadOnly {
		store.startPruning()
	}

	return store, nil
}

// initBuckets creates all required buckets.
func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPrograms, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// loadCachedValues loads the program count into memory.
func (s *BoltStore) loadCachedValues() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil // Empty database.
		}
		if v := meta.Get(keyProgramCount); v != nil {
			s.programCount = decodeUint64(v)
		}
		return nil
	})
}

// startPruning starts the background pruning goroutine.
func (s *BoltStore) startPruning() {
	s.pruner = new(tomb.Tomb)
	s.pruner.Go(func() error {
		ticker := time.NewTicker(s.config.PruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				n, err := s.Prune(s.config.RetainFor)
				if err != nil {
					s.log.Warn("prune failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.log.Info("pruned programs", zap.Int("count", n))
				}
			case <-s.pruner.Dying():
				return nil
			}
		}
	})
}

func (s *BoltStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put stores prog and returns its ID. Storing a program that is already
// present only refreshes its last-used time.
func (s *BoltStore) Put(prog *bf.Program) (types.ProgramID, error) {
	if err := s.checkOpen(); err != nil {
		return types.ProgramID{}, err
	}

	code := prog.Code()
	id := types.ComputeProgramID(code)
	now := s.now().UnixNano()

	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrograms)
		if rec, err := getRecord(b, id); err == nil {
			rec.LastUsed = now
			return s.putRecord(b, id, rec)
		} else if !errors.Is(err, ErrProgramNotFound) {
			return err
		}

		rec := &record{
			Code:     s.enc.EncodeAll([]byte(code), nil),
			Size:     prog.Len(),
			Loops:    prog.Loops(),
			Created:  now,
			LastUsed: now,
		}
		if err := s.putRecord(b, id, rec); err != nil {
			return err
		}
		created = true
		return s.addCount(tx, 1)
	})
	if err != nil {
		return types.ProgramID{}, err
	}

	if created {
		s.mu.Lock()
		s.programCount++
		s.mu.Unlock()
	}
	return id, nil
}

// Get loads the program stored under id.
func (s *BoltStore) Get(id types.ProgramID) (*bf.Program, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var compressed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx.Bucket(bucketPrograms), id)
		if err != nil {
			return err
		}
		compressed = rec.Code
		return nil
	})
	if err != nil {
		return nil, err
	}

	code, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress %s: %v", ErrCorrupt, id, err)
	}
	if types.ComputeProgramID(string(code)) != id {
		return nil, fmt.Errorf("%w: %s hash mismatch", ErrCorrupt, id)
	}
	prog, err := loader.LoadBytes(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	return prog, nil
}

// Has checks if a program exists.
func (s *BoltStore) Has(id types.ProgramID) bool {
	if s.checkOpen() != nil {
		return false
	}

	exists := false
	s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketPrograms); b != nil {
			exists = b.Get(id[:]) != nil
		}
		return nil
	})
	return exists
}

// Delete removes a program.
func (s *BoltStore) Delete(id types.ProgramID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrograms)
		if b.Get(id[:]) == nil {
			return ErrProgramNotFound
		}
		if err := b.Delete(id[:]); err != nil {
			return err
		}
		return s.addCount(tx, -1)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.programCount > 0 {
		s.programCount--
	}
	s.mu.Unlock()
	return nil
}

// Touch marks a program as used now.
func (s *BoltStore) Touch(id types.ProgramID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrograms)
		rec, err := getRecord(b, id)
		if err != nil {
			return err
		}
		rec.LastUsed = s.now().UnixNano()
		return s.putRecord(b, id, rec)
	})
}

// List returns the metadata of every stored program in key order.
func (s *BoltStore) List() ([]Meta, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var metas []Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrograms)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			id, err := types.ProgramIDFromBytes(k)
			if err != nil {
				return fmt.Errorf("%w: key %x", ErrCorrupt, k)
			}
			var rec record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
			}
			metas = append(metas, rec.meta(id))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return metas, nil
}

// Prune removes programs not used within olderThan and returns how many
// were removed.
func (s *BoltStore) Prune(olderThan time.Duration) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-olderThan).UnixNano()
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrograms)
		var stale [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var rec record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: key %x: %v", ErrCorrupt, k, err)
			}
			if rec.LastUsed < cutoff {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Deleting inside ForEach is not allowed.
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return s.addCount(tx, -int64(removed))
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if uint64(removed) > s.programCount {
		s.programCount = 0
	} else {
		s.programCount -= uint64(removed)
	}
	s.mu.Unlock()
	return removed, nil
}

// GetStats returns program store statistics.
func (s *BoltStore) GetStats() (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	s.mu.RLock()
	stats.ProgramCount = s.programCount
	s.mu.RUnlock()

	if info, err := os.Stat(s.config.Path); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats, nil
}

// Sync forces a sync of the database to disk.
func (s *BoltStore) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Sync()
}

// Close stops pruning and closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.pruner != nil {
		s.pruner.Kill(nil)
		_ = s.pruner.Wait()
	}
	s.closeCodecs()
	return s.db.Close()
}

func (s *BoltStore) closeCodecs() {
	s.enc.Close()
	s.dec.Close()
}

func (s *BoltStore) putRecord(b *bolt.Bucket, id types.ProgramID, rec *record) error {
	data, err := s.encMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return b.Put(id[:], data)
}

func getRecord(b *bolt.Bucket, id types.ProgramID) (*record, error) {
	if b == nil {
		return nil, ErrProgramNotFound
	}
	data := b.Get(id[:])
	if data == nil {
		return nil, ErrProgramNotFound
	}
	var rec record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	return &rec, nil
}

// addCount adjusts the persisted program count by delta.
func (s *BoltStore) addCount(tx *bolt.Tx, delta int64) error {
	meta := tx.Bucket(bucketMetadata)
	var count uint64
	if v := meta.Get(keyProgramCount); v != nil {
		count = decodeUint64(v)
	}
	if delta < 0 && uint64(-delta) > count {
		count = 0
	} else {
		count = uint64(int64(count) + delta)
	}
	return meta.Put(keyProgramCount, encodeUint64(count))
}
