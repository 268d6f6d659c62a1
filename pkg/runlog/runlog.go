// Package runlog provides the BadgerDB-backed history of program runs.
package runlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fortiblox/tapevm/internal/types"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrRunNotFound is returned when a run doesn't exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrClosed is returned when operating on a closed log.
	ErrClosed = errors.New("run log closed")
)

// Key prefixes for BadgerDB storage.
var (
	// prefixRun is the prefix for run records.
	// Key format: prefixRun + program id (32 bytes) + run id (16 bytes)
	prefixRun = []byte{0x01}

	// prefixIndex maps a run id back to its program.
	// Key format: prefixIndex + run id (16 bytes)
	prefixIndex = []byte{0x02}

	// prefixMeta is the prefix for metadata.
	prefixMeta = []byte{0x03}

	// metaRunCount is the key for storing the run count.
	metaRunCount = append(prefixMeta, []byte("count")...)
)

// Config contains configuration for the run log.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// MaxStoredOutput caps the output bytes kept per run. The digest always
	// covers the full output.
	MaxStoredOutput int

	// Logger receives badger's internal logs. Nil disables logging.
	Logger *zap.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		SyncWrites:      false,
		MaxStoredOutput: 64 << 10,
	}
}

// Record is one finished run.
type Record struct {
	RunID     uuid.UUID
	ProgramID types.ProgramID
	Time      time.Time
	Duration  time.Duration

	InputLen int

	// Output may be truncated; OutputLen and OutputDigest describe the
	// whole output.
	Output       []byte
	OutputLen    int
	OutputDigest types.Digest

	Instructions   uint64
	MaxDataPointer int

	// ErrorKind is empty for successful runs.
	ErrorKind string
	Error     string
}

// Succeeded reports whether the run finished without error.
func (r *Record) Succeeded() bool {
	return r.ErrorKind == ""
}

// Truncated reports whether Output holds less than the full output.
func (r *Record) Truncated() bool {
	return len(r.Output) < r.OutputLen
}

// entry is the stored form of a Record.
type entry struct {
	Time           int64  `cbor:"1,keyasint"` // unix nanoseconds
	Duration       int64  `cbor:"2,keyasint"`
	InputLen       int    `cbor:"3,keyasint"`
	Output         []byte `cbor:"4,keyasint"`
	OutputLen      int    `cbor:"5,keyasint"`
	OutputDigest   []byte `cbor:"6,keyasint"`
	Instructions   uint64 `cbor:"7,keyasint"`
	MaxDataPointer int    `cbor:"8,keyasint"`
	ErrorKind      string `cbor:"9,keyasint,omitempty"`
	Error          string `cbor:"10,keyasint,omitempty"`
}

// Log stores run records in BadgerDB.
//
// Runs are keyed by program then by UUIDv7 run id, so a prefix scan over a
// program visits its runs in time order.
type Log struct {
	db      *badger.DB
	config  Config
	encMode cbor.EncMode

	// runCount is cached in memory
	runCount atomic.Uint64

	// mu serialises writers so the persisted count stays exact
	mu sync.Mutex

	closed atomic.Bool
}

// Open opens or creates a run log.
func Open(cfg Config) (*Log, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	var logger badger.Logger
	if cfg.Logger != nil {
		logger = badgerLogger{cfg.Logger.Named("runlog").Sugar()}
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create cbor enc mode: %w", err)
	}

	l := &Log{
		db:      db,
		config:  cfg,
		encMode: encMode,
	}
	if err := l.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return l, nil
}

func (l *Log) loadMetadata() error {
	return l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaRunCount)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("bad run count length %d", len(val))
			}
			l.runCount.Store(binary.BigEndian.Uint64(val))
			return nil
		})
	})
}

func runKey(programID types.ProgramID, runID uuid.UUID) []byte {
	key := make([]byte, 0, 1+types.ProgramIDSize+16)
	key = append(key, prefixRun...)
	key = append(key, programID.Bytes()...)
	return append(key, runID[:]...)
}

func programPrefix(programID types.ProgramID) []byte {
	return append(append([]byte{}, prefixRun...), programID.Bytes()...)
}

func indexKey(runID uuid.UUID) []byte {
	return append(append([]byte{}, prefixIndex...), runID[:]...)
}

// Append stores rec. A zero RunID is replaced by a new UUIDv7 and a zero
// Time by the current time; the stored record is returned.
func (l *Log) Append(rec Record) (*Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	if rec.RunID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("new run id: %w", err)
		}
		rec.RunID = id
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	if rec.OutputLen < len(rec.Output) {
		rec.OutputLen = len(rec.Output)
	}
	if keep := l.config.MaxStoredOutput; keep > 0 && len(rec.Output) > keep {
		rec.Output = rec.Output[:keep]
	}

	data, err := l.encMode.Marshal(toEntry(&rec))
	if err != nil {
		return nil, fmt.Errorf("encode run: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.runCount.Load() + 1
	err = l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(runKey(rec.ProgramID, rec.RunID), data); err != nil {
			return err
		}
		if err := txn.Set(indexKey(rec.RunID), rec.ProgramID[:]); err != nil {
			return err
		}
		return txn.Set(metaRunCount, encodeCount(count))
	})
	if err != nil {
		return nil, fmt.Errorf("append run: %w", err)
	}
	l.runCount.Store(count)
	return &rec, nil
}

// Get returns the run with the given id.
func (l *Log) Get(runID uuid.UUID) (*Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	var rec *Record
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(runID))
		if err == badger.ErrKeyNotFound {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		programID, err := types.ProgramIDFromBytes(raw)
		if err != nil {
			return err
		}

		item, err = txn.Get(runKey(programID, runID))
		if err == badger.ErrKeyNotFound {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = decodeRecord(programID, runID, val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListByProgram returns up to limit runs of programID, newest first.
// A limit of zero or less returns every run.
func (l *Log) ListByProgram(programID types.ProgramID, limit int) ([]*Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	prefix := programPrefix(programID)
	var records []*Record

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts at the last key at or below the
		// highest possible run ID.
		seek := append(append([]byte{}, prefix...), bytes.Repeat([]byte{0xff}, 16)...)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}
			item := it.Item()
			key := item.Key()
			if len(key) != len(prefix)+16 {
				continue
			}
			runID, err := uuid.FromBytes(key[len(prefix):])
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				rec, err := decodeRecord(programID, runID, val)
				if err != nil {
					return err
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteByProgram removes every run of programID and returns how many were
// removed.
func (l *Log) DeleteByProgram(programID types.ProgramID) (int, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := programPrefix(programID)
	var runIDs [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) == len(prefix)+16 {
				runIDs = append(runIDs, bytes.Clone(key[len(prefix):]))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(runIDs) == 0 {
		return 0, nil
	}

	count := l.runCount.Load()
	if uint64(len(runIDs)) > count {
		count = 0
	} else {
		count -= uint64(len(runIDs))
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range runIDs {
		key := append(append([]byte{}, prefix...), id...)
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
		if err := wb.Delete(append(append([]byte{}, prefixIndex...), id...)); err != nil {
			return 0, err
		}
	}
	if err := wb.Set(metaRunCount, encodeCount(count)); err != nil {
		return 0, err
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}

	l.runCount.Store(count)
	return len(runIDs), nil
}

// Count returns the number of stored runs.
func (l *Log) Count() uint64 {
	return l.runCount.Load()
}

// RunGC runs garbage collection on the value log.
func (l *Log) RunGC() error {
	if l.closed.Load() {
		return ErrClosed
	}
	err := l.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close closes the database.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.db.Close()
}

func toEntry(rec *Record) *entry {
	return &entry{
		Time:           rec.Time.UnixNano(),
		Duration:       int64(rec.Duration),
		InputLen:       rec.InputLen,
		Output:         rec.Output,
		OutputLen:      rec.OutputLen,
		OutputDigest:   rec.OutputDigest[:],
		Instructions:   rec.Instructions,
		MaxDataPointer: rec.MaxDataPointer,
		ErrorKind:      rec.ErrorKind,
		Error:          rec.Error,
	}
}

func decodeRecord(programID types.ProgramID, runID uuid.UUID, val []byte) (*Record, error) {
	var e entry
	if err := cbor.Unmarshal(val, &e); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	rec := &Record{
		RunID:          runID,
		ProgramID:      programID,
		Time:           time.Unix(0, e.Time),
		Duration:       time.Duration(e.Duration),
		InputLen:       e.InputLen,
		Output:         e.Output,
		OutputLen:      e.OutputLen,
		Instructions:   e.Instructions,
		MaxDataPointer: e.MaxDataPointer,
		ErrorKind:      e.ErrorKind,
		Error:          e.Error,
	}
	copy(rec.OutputDigest[:], e.OutputDigest)
	return rec, nil
}

func encodeCount(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
