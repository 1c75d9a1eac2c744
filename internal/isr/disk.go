package isr

import (
	"bytes"
	"encoding/gob"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Keys are stored twice: "e:<key>" holds the gob-encoded Entry and
// "m:<key>" the diskMeta used to rebuild the index on open.
var (
	entryPrefix = []byte("e:")
	metaPrefix  = []byte("m:")
)

type diskMeta struct {
	Size       int64
	StoredAt   int64 // unix nanoseconds
	LastAccess int64 // unix nanoseconds

	// seq identifies the latest queued put for the key. Entries loaded from
	// leveldb carry zero.
	seq uint64
}

type diskOpKind int

const (
	opPut diskOpKind = iota
	opDelete
	opPurge
)

type diskOp struct {
	kind diskOpKind
	key  string
	ent  *Entry
	seq  uint64
}

// diskCache persists entries in leveldb. All writes go through a single
// writer goroutine; reads hit leveldb directly.
//
// The index is updated when an operation is queued, not when it is applied:
// a queued put is visible to readers (served from pending) and to key scans,
// and a queued delete hides the key at once. The writer skips any put whose
// seq no longer matches the index.
type diskCache struct {
	maxBytes int64
	maxAge   time.Duration

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	pending   map[string]*Entry
	seq       uint64
	totalSize int64 // bytes of applied records

	// sendMu is held for reading around every queue send and for writing
	// by close, so nothing is sent on a closed ops channel.
	sendMu sync.RWMutex
	closed bool

	ops  chan diskOp
	done chan struct{}
}

func newDiskCache(path string, maxBytes int64, maxAge time.Duration) (*diskCache, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb at %s", path)
	}
	d := &diskCache{
		maxBytes: maxBytes,
		maxAge:   maxAge,
		db:       db,
		index:    map[string]diskMeta{},
		pending:  map[string]*Entry{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *diskCache) close() {
	d.sendMu.Lock()
	if d.closed {
		d.sendMu.Unlock()
		return
	}
	d.closed = true
	close(d.ops)
	d.sendMu.Unlock()

	<-d.done
	if err := d.db.Close(); err != nil {
		log.WithError(err).Warn("isr: closing disk tier")
	}
}

// loadIndex rebuilds the in-memory index and drops entries that aged out
// while the process was down.
func (d *diskCache) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	defer it.Release()

	cutoff := time.Now().Add(-d.maxAge).UnixNano()
	idx := map[string]diskMeta{}
	var total int64
	batch := new(leveldb.Batch)
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), metaPrefix))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil || meta.StoredAt <= cutoff {
			batch.Delete(entryKey(key))
			batch.Delete(metaKey(key))
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "scan disk index")
	}
	if batch.Len() > 0 {
		if err := d.db.Write(batch, nil); err != nil {
			return errors.Wrap(err, "drop expired disk entries")
		}
	}

	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	log.WithFields(log.Fields{"keys": len(idx), "bytes": total}).Debug("isr: disk index loaded")
	return nil
}

func (d *diskCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskCache) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *diskCache) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.index))
	for k := range d.index {
		out = append(out, k)
	}
	return out
}

func (d *diskCache) Get(key string) (*Entry, bool) {
	d.mu.Lock()
	meta, ok := d.index[key]
	if ok {
		meta.LastAccess = time.Now().UnixNano()
		d.index[key] = meta
	}
	queued := d.pending[key]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	if queued != nil {
		return queued, true
	}

	b, err := d.db.Get(entryKey(key), nil)
	if err != nil {
		return nil, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		log.WithError(err).WithField("key", key).Warn("isr: undecodable disk entry")
		return nil, false
	}
	return &ent, true
}

// PutAsync indexes key right away and queues the leveldb write. It is a
// no-op once the tier is closed.
func (d *diskCache) PutAsync(key string, ent *Entry) {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		return
	}

	d.mu.Lock()
	d.seq++
	seq := d.seq
	meta := d.index[key]
	meta.StoredAt = ent.StoredAt.UnixNano()
	meta.LastAccess = time.Now().UnixNano()
	meta.seq = seq
	d.index[key] = meta
	d.pending[key] = ent
	d.mu.Unlock()

	d.ops <- diskOp{kind: opPut, key: key, ent: ent, seq: seq}
}

// Delete hides key from readers immediately; the leveldb delete follows in
// queue order.
func (d *diskCache) Delete(key string) {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		return
	}
	d.unindex(key)
	d.ops <- diskOp{kind: opDelete, key: key}
}

// DeletePrefix hides every indexed key starting with prefix, queued puts
// included, and returns them.
func (d *diskCache) DeletePrefix(prefix string) []string {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		return nil
	}

	var keys []string
	d.mu.Lock()
	for k, meta := range d.index {
		if strings.HasPrefix(k, prefix) {
			d.totalSize -= meta.Size
			delete(d.index, k)
			delete(d.pending, k)
			keys = append(keys, k)
		}
	}
	d.mu.Unlock()

	for _, k := range keys {
		d.ops <- diskOp{kind: opDelete, key: k}
	}
	return keys
}

func (d *diskCache) DeleteAll() {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		return
	}
	d.mu.Lock()
	d.index = map[string]diskMeta{}
	d.pending = map[string]*Entry{}
	d.totalSize = 0
	d.mu.Unlock()
	d.ops <- diskOp{kind: opPurge}
}

func (d *diskCache) unindex(key string) {
	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
		delete(d.pending, key)
	}
	d.mu.Unlock()
}

func (d *diskCache) writerLoop() {
	defer close(d.done)
	for op := range d.ops {
		switch op.kind {
		case opPut:
			d.applyPut(op)
		case opDelete:
			d.applyDelete(op.key)
		case opPurge:
			d.applyPurge()
		}
	}
}

// current reports whether op is still the latest put queued for its key.
func (d *diskCache) current(op diskOp) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	meta, ok := d.index[op.key]
	return ok && meta.seq == op.seq
}

func (d *diskCache) applyPut(op diskOp) {
	if !d.current(op) {
		return
	}
	b, err := encodeGob(op.ent)
	if err != nil {
		log.WithError(err).WithField("key", op.key).Warn("isr: encode disk entry")
		d.dropPending(op)
		return
	}
	meta := diskMeta{
		Size:       int64(len(b)),
		StoredAt:   op.ent.StoredAt.UnixNano(),
		LastAccess: time.Now().UnixNano(),
	}
	mb, err := encodeGob(meta)
	if err != nil {
		d.dropPending(op)
		return
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(op.key), b)
	batch.Put(metaKey(op.key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		log.WithError(err).WithField("key", op.key).Warn("isr: write disk entry")
		d.dropPending(op)
		return
	}

	// An invalidation that raced the write has a delete queued behind this
	// op. A newer put keeps its pending entry but the record size is ours.
	d.mu.Lock()
	cur, ok := d.index[op.key]
	if ok {
		d.totalSize += meta.Size - cur.Size
		cur.Size = meta.Size
		if cur.seq == op.seq {
			delete(d.pending, op.key)
		}
		d.index[op.key] = cur
	}
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome()
	}
}

// dropPending forgets a put that could not be written.
func (d *diskCache) dropPending(op diskOp) {
	d.mu.Lock()
	if meta, ok := d.index[op.key]; ok && meta.seq == op.seq {
		d.totalSize -= meta.Size
		delete(d.index, op.key)
		delete(d.pending, op.key)
	}
	d.mu.Unlock()
}

// applyDelete removes the leveldb record. The key was unindexed when the
// delete was queued; any index entry present now belongs to a later put
// that has no record yet.
func (d *diskCache) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(key))
	batch.Delete(metaKey(key))
	if err := d.db.Write(batch, nil); err != nil {
		log.WithError(err).WithField("key", key).Warn("isr: delete disk entry")
	}
	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		meta.Size = 0
		d.index[key] = meta
	}
	d.mu.Unlock()
}

// applyPurge wipes leveldb. The index was cleared when the purge was queued
// and only holds puts queued after it.
func (d *diskCache) applyPurge() {
	it := d.db.NewIterator(nil, nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte{}, it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		log.WithError(err).Warn("isr: scan for purge")
	}
	if err := d.db.Write(batch, nil); err != nil {
		log.WithError(err).Warn("isr: purge disk tier")
	}
}

// evictSome drops the least recently accessed tenth of the written entries.
func (d *diskCache) evictSome() {
	type item struct {
		key        string
		lastAccess int64
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		if _, queued := d.pending[k]; queued {
			continue
		}
		items = append(items, item{k, m.LastAccess})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].lastAccess < items[j].lastAccess })

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	evicted := 0
	for i := 0; i < n && i < len(items); i++ {
		key := items[i].key
		d.mu.Lock()
		meta, ok := d.index[key]
		_, queued := d.pending[key]
		if ok && !queued {
			d.totalSize -= meta.Size
			delete(d.index, key)
		}
		d.mu.Unlock()
		if !ok || queued {
			continue
		}
		d.applyDelete(key)
		evicted++
	}
	log.WithField("evicted", evicted).Debug("isr: disk tier over budget")
}

func entryKey(key string) []byte { return append(append([]byte{}, entryPrefix...), key...) }
func metaKey(key string) []byte  { return append(append([]byte{}, metaPrefix...), key...) }

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
