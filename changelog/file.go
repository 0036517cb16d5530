package changelog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/denismitr/synceddb/internal/lru"
	"github.com/denismitr/synceddb/protocol"
	"github.com/pkg/errors"
)

// fileEntry is the in-memory index of a change stored in the log file.
// Payloads stay on disk and are read on demand.
type fileEntry struct {
	seq     uint64
	savedAt int64
	store   string
	key     string
	pos     position
}

var _ ChangeLog = (*File)(nil)

// File is a ChangeLog persisted to an append-only file of RESP commands.
type File struct {
	mu      sync.RWMutex
	cfg     FileConfig
	p       *persistence
	cache   *lru.Cache
	entries []fileEntry
	seq     uint64
	closed  bool
	now     func() time.Time

	stopFlush chan struct{}
	flushDone chan struct{}
}

func OpenFile(path string, cfg *FileConfig) (*File, Closer, error) {
	if cfg == nil {
		cfg = &FileConfig{}
	}
	cfg.applyDefaults()

	cache, err := lru.NewCache(cfg.CacheShards, cfg.CacheMaxBytes, nil)
	if err != nil {
		return nil, NullCloser, errors.Wrap(err, "could not create payload cache")
	}

	p, err := newPersistence(path, cfg.PersistenceStrategy, cfg.TruncateFileWhenOpen, cfg.Logger)
	if err != nil {
		return nil, NullCloser, err
	}

	f := &File{cfg: *cfg, p: p, cache: cache, now: time.Now}
	if err := f.load(); err != nil {
		_ = p.close()
		return nil, NullCloser, err
	}

	if cfg.PersistenceStrategy == Async {
		f.stopFlush = make(chan struct{})
		f.flushDone = make(chan struct{})
		go f.flushPeriodically(cfg.AsyncFlushInterval)
	}

	cfg.Logger.Debug("change log opened",
		slog.String("file", path),
		slog.Int("entries", len(f.entries)),
		slog.Uint64("lastSeq", f.seq),
	)

	return f, f.close, nil
}

func (f *File) load() error {
	return f.p.load(func(cmd parsedCommand) error {
		if cmd.flushAll {
			f.entries = nil
			return nil
		}

		f.entries = append(f.entries, cmd.ent)
		if cmd.ent.seq > f.seq {
			f.seq = cmd.ent.seq
		}
		return nil
	})
}

func (f *File) SaveChange(ctx context.Context, c protocol.Change) (Entry, error) {
	if err := Validate(c); err != nil {
		return Entry{}, err
	}

	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	payload, err := protocol.Encode(c)
	if err != nil {
		return Entry{}, errors.Wrap(ErrInvalidChange, err.Error())
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return Entry{}, ErrChangeLogClosed
	}

	savedAt := f.now()
	ent := fileEntry{
		seq:     f.seq + 1,
		savedAt: savedAt.UnixNano(),
		store:   c.Store(),
		key:     c.RecordKey(),
	}

	var rs respSerializer
	rel := rs.serializeChange(&ent, payload)

	start, err := f.p.write(&rs.buf)
	if err != nil {
		return Entry{}, errors.Wrapf(ErrStorageFailed, "could not save %s change of %s/%s: %s", c.Type(), ent.store, ent.key, err.Error())
	}

	ent.pos = position{offset: start + rel.offset, size: rel.size}
	f.seq = ent.seq
	f.entries = append(f.entries, ent)
	f.cache.Add(ent.seq, payload)

	return Entry{Seq: ent.seq, Change: c, SavedAt: savedAt}, nil
}

func (f *File) GetChanges(ctx context.Context, q protocol.GetChanges) ([]Entry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrChangeLogClosed
	}

	flt := newStoreFilter(q.StoreNames)
	result := make([]Entry, 0, len(f.entries))
	for i := range f.entries {
		ent := &f.entries[i]
		if !flt.match(ent.store) {
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c, err := f.loadChange(ent)
		if err != nil {
			return nil, err
		}

		result = append(result, Entry{Seq: ent.seq, Change: c, SavedAt: time.Unix(0, ent.savedAt)})
	}

	return result, nil
}

func (f *File) ResetChanges(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrChangeLogClosed
	}

	var rs respSerializer
	rs.serializeFlushAll()
	if _, err := f.p.write(&rs.buf); err != nil {
		return errors.Wrapf(ErrStorageFailed, "could not reset changes: %s", err.Error())
	}

	f.entries = nil
	f.cache.Purge()
	return nil
}

func (f *File) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// Vacuum rewrites the file keeping only the live history,
// dropping everything that was wiped by a reset.
func (f *File) Vacuum() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrChangeLogClosed
	}

	return f.vacuumUnderLock()
}

func (f *File) vacuumUnderLock() error {
	var rs respSerializer
	positions := make([]position, len(f.entries))
	for i := range f.entries {
		payload, err := f.loadPayload(&f.entries[i])
		if err != nil {
			return errors.Wrap(err, "vacuum failed")
		}

		positions[i] = rs.serializeChange(&f.entries[i], payload)
	}

	before := f.p.size()
	if err := f.p.writeAndSwap(&rs.buf); err != nil {
		return err
	}

	for i := range f.entries {
		f.entries[i].pos = positions[i]
	}

	f.cfg.Logger.Debug("change log vacuumed",
		slog.Int64("bytesBefore", before),
		slog.Int64("bytesAfter", f.p.size()),
		slog.Int("entries", len(f.entries)),
	)

	return nil
}

func (f *File) loadChange(ent *fileEntry) (protocol.Change, error) {
	payload, err := f.loadPayload(ent)
	if err != nil {
		return nil, err
	}

	c, err := protocol.DecodeChange(payload)
	if err != nil {
		return nil, errors.Wrapf(ErrStorageFailed, "corrupted change #%d: %s", ent.seq, err.Error())
	}

	return c, nil
}

func (f *File) loadPayload(ent *fileEntry) ([]byte, error) {
	if v, ok := f.cache.Get(ent.seq); ok {
		return v, nil
	}

	blob, err := f.p.readAt(ent.pos)
	if err != nil {
		return nil, err
	}

	f.cache.Add(ent.seq, blob)
	return blob, nil
}

func (f *File) flushPeriodically(interval time.Duration) {
	defer close(f.flushDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopFlush:
			return
		case <-ticker.C:
			if err := f.p.sync(); err != nil {
				f.cfg.Logger.Error("change log flush failed", slog.Any("error", err))
			}
		}
	}
}

func (f *File) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	if f.stopFlush != nil {
		close(f.stopFlush)
		<-f.flushDone
	}

	if !f.cfg.DisableVacuumOnClose {
		if err := f.vacuumUnderLock(); err != nil {
			f.cfg.Logger.Error("vacuum on close failed", slog.Any("error", err))
		}
	}

	f.entries = nil
	f.cache.Purge()

	return f.p.close()
}
