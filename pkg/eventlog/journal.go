// Package eventlog keeps a Pebble journal of raw ring requests. Entries are
// ordered by a sequence number so a dump replays them as they were taken.
package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"

	"github.com/petrepircalabu/libbdvmi/pkg/ring"
)

const (
	// PrefixRequest is the key prefix of request entries.
	PrefixRequest = "req:"

	compressionMagic = "BDZ1"
)

// ErrClosed is returned once the journal has been closed.
var ErrClosed = errors.New("eventlog: journal closed")

// Entry is one captured request.
type Entry struct {
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"ts"` // Nanoseconds
	VCPU      uint32 `json:"vcpu"`
	Raw       []byte `json:"raw"`
}

// Journal appends raw request entries to Pebble.
type Journal struct {
	mu  sync.Mutex
	db  *pebble.DB
	seq uint64
	now func() time.Time
}

var _ ring.Recorder = (*Journal)(nil)

// Open opens or creates the journal in dir and resumes its sequence.
func Open(dir string) (*Journal, error) {
	return open(dir, false)
}

// OpenReadOnly opens an existing journal for dumping.
func OpenReadOnly(dir string) (*Journal, error) {
	return open(dir, true)
}

func open(dir string, readOnly bool) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	j := &Journal{db: db, now: time.Now}

	last, err := lastSeq(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	j.seq = last
	return j, nil
}

func lastSeq(db *pebble.DB) (uint64, error) {
	iter, err := newPrefixIter(db, PrefixRequest)
	if err != nil {
		return 0, fmt.Errorf("journal iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	seq, err := strconv.ParseUint(string(iter.Key()[len(PrefixRequest):]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode journal key %q: %w", iter.Key(), err)
	}
	return seq, nil
}

// RecordRequest appends a copy of raw taken from vcpu.
func (j *Journal) RecordRequest(vcpu uint32, raw []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return ErrClosed
	}

	entry := Entry{
		Seq:       j.seq + 1,
		Timestamp: j.now().UnixNano(),
		VCPU:      vcpu,
		Raw:       raw,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	value, err := compressForStorage(payload)
	if err != nil {
		return fmt.Errorf("compress journal entry: %w", err)
	}

	batch := j.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(entryKey(entry.Seq), value, pebble.NoSync); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("commit journal entry: %w", err)
	}
	j.seq = entry.Seq
	return nil
}

// Len returns the sequence number of the newest entry.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Each calls fn for every entry in sequence order. It stops at the first
// error fn returns.
func (j *Journal) Each(fn func(Entry) error) error {
	j.mu.Lock()
	db := j.db
	j.mu.Unlock()
	if db == nil {
		return ErrClosed
	}

	iter, err := newPrefixIter(db, PrefixRequest)
	if err != nil {
		return fmt.Errorf("journal iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		payload, err := decompressFromStorage(iter.Value())
		if err != nil {
			return fmt.Errorf("decompress journal %s: %w", iter.Key(), err)
		}
		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return fmt.Errorf("decode journal %s: %w", iter.Key(), err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close closes the database. Later calls return nil.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	if err != nil {
		return fmt.Errorf("close pebble: %w", err)
	}
	return nil
}

func entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", PrefixRequest, seq))
}

func newPrefixIter(db *pebble.DB, prefix string) (*pebble.Iterator, error) {
	upper := append([]byte(prefix), 0xff)
	return db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
}

var (
	zstdEncoderOnce sync.Once
	zstdDecoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoder     *zstd.Decoder
	zstdEncoderErr  error
	zstdDecoderErr  error
)

func getZstdEncoder() (*zstd.Encoder, error) {
	zstdEncoderOnce.Do(func() {
		zstdEncoder, zstdEncoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return zstdEncoder, zstdEncoderErr
}

func getZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil)
	})
	return zstdDecoder, zstdDecoderErr
}

func compressForStorage(data []byte) ([]byte, error) {
	enc, err := getZstdEncoder()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, []byte(compressionMagic)), nil
}

// decompressFromStorage returns values without the magic prefix unchanged.
func decompressFromStorage(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(compressionMagic)) {
		return bytes.Clone(data), nil
	}
	dec, err := getZstdDecoder()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(data[len(compressionMagic):], nil)
}
