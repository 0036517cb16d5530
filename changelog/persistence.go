package changelog

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pkg/errors"
)

var ErrLogFileWriteFailed = errors.New("change log write failed")

type persistence struct {
	mu       sync.Mutex
	strategy PersistenceStrategy
	f        *os.File
	cursor   int64
	flushes  int
	logger   *slog.Logger
}

func newPersistence(path string, strategy PersistenceStrategy, truncateFileOnOpen bool, logger *slog.Logger) (*persistence, error) {
	flags := os.O_CREATE | os.O_RDWR
	if truncateFileOnOpen {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0666)
	if err != nil {
		return nil, errors.Wrapf(ErrStorageFailed, "could not open %s: %s", path, err.Error())
	}

	return &persistence{f: f, strategy: strategy, logger: logger}, nil
}

func (p *persistence) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return nil
	}

	syncErr := p.f.Sync()
	closeErr := p.f.Close()
	p.f = nil

	if syncErr != nil {
		return errors.Wrap(syncErr, "could not sync file on close")
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "could not close file")
	}
	return nil
}

// load replays every complete command. A command torn by a crash at the end
// of the file is cut off, anything else that does not parse is an error.
func (p *persistence) load(cb func(cmd parsedCommand) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrapf(ErrStorageFailed, "could not rewind %s: %s", p.f.Name(), err.Error())
	}

	prs := &parser{}
	n, err := prs.parse(bufio.NewReader(p.f), cb)
	if err != nil {
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			return err
		}

		p.logger.Warn("truncating torn tail of change log",
			slog.String("file", p.f.Name()),
			slog.Int64("validBytes", n),
			slog.Int("commands", prs.totalCommands),
		)

		if tErr := p.f.Truncate(n); tErr != nil {
			return errors.Wrapf(ErrStorageFailed, "could not truncate %s after parse error: %s", p.f.Name(), tErr.Error())
		}
	}

	p.cursor = n
	return nil
}

// write appends buf at the cursor and returns the offset it was written at
func (p *persistence) write(buf *bytes.Buffer) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return 0, ErrChangeLogClosed
	}

	start := p.cursor
	n, err := p.f.WriteAt(buf.Bytes(), start)
	if err != nil {
		if n > 0 {
			// partial write occurred, must rollback the file
			if tErr := p.f.Truncate(start); tErr != nil {
				return 0, errors.Wrapf(ErrLogFileWriteFailed, "%s and could not truncate %s: %s", err.Error(), p.f.Name(), tErr.Error())
			}
		}

		_ = p.f.Sync()
		return 0, errors.Wrap(ErrLogFileWriteFailed, err.Error())
	}

	if p.strategy == Sync {
		if err := p.f.Sync(); err != nil {
			return 0, errors.Wrap(ErrLogFileWriteFailed, err.Error())
		}
	}

	p.flushes++
	p.cursor += int64(n)
	return start, nil
}

func (p *persistence) readAt(pos position) ([]byte, error) {
	p.mu.Lock()
	f := p.f
	p.mu.Unlock()

	if f == nil {
		return nil, ErrChangeLogClosed
	}

	blob := make([]byte, pos.size)
	if _, err := f.ReadAt(blob, pos.offset); err != nil {
		return nil, errors.Wrapf(
			ErrStorageFailed,
			"could not read blob at offset %d in file %s: %s",
			pos.offset, f.Name(), err.Error(),
		)
	}

	return blob, nil
}

func (p *persistence) sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return nil
	}

	if err := p.f.Sync(); err != nil {
		return errors.Wrapf(err, "cannot sync file %s", p.f.Name())
	}
	return nil
}

func (p *persistence) size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// writeAndSwap replaces the whole file with buf through a temporary file
func (p *persistence) writeAndSwap(buf *bytes.Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return ErrChangeLogClosed
	}

	tmpFName := p.f.Name() + ".tmp"
	tmpF, err := os.Create(tmpFName)
	if err != nil {
		return errors.Wrapf(err, "could not create %s file for vacuum", tmpFName)
	}

	defer func() {
		_ = tmpF.Close()
		_ = os.RemoveAll(tmpFName)
	}()

	n, err := tmpF.Write(buf.Bytes())
	if err != nil {
		return errors.Wrapf(err, "vacuum could not write into %s file", tmpFName)
	}

	if err := tmpF.Sync(); err != nil {
		return errors.Wrapf(err, "vacuum could not sync %s file", tmpFName)
	}

	oldName := p.f.Name()
	if err := p.f.Close(); err != nil {
		return errors.Wrapf(err, "vacuum could not close %s file to swap it", oldName)
	}

	if rnErr := os.Rename(tmpFName, oldName); rnErr != nil {
		resultErr := errors.Wrapf(rnErr, "vacuum could not swap %s file for %s", oldName, tmpFName)
		p.f, err = os.OpenFile(oldName, os.O_CREATE|os.O_RDWR, 0666)
		if err != nil {
			return errors.Wrapf(resultErr, "and could not reopen old file: %s", err.Error())
		}
		return resultErr
	}

	p.f, err = os.OpenFile(oldName, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return errors.Wrapf(err, "could not reopen swapped file: %s", oldName)
	}

	p.cursor = int64(n)
	return nil
}
