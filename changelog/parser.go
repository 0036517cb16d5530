package changelog

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

var ErrCommandInvalid = errors.New("command invalid")

type parsedCommand struct {
	flushAll bool
	ent      fileEntry
}

type parser struct {
	totalSize      int64
	currentCmdSize int64
	totalCommands  int
	currentLine    int
}

// parse walks the log and hands every complete command to cb. It returns the
// number of bytes that belong to complete commands, so a torn tail can be cut off.
func (p *parser) parse(r *bufio.Reader, cb func(cmd parsedCommand) error) (int64, error) {
	for {
		p.currentCmdSize = 0

		if _, err := r.Peek(1); err != nil {
			if err == io.EOF {
				return p.totalSize, nil
			}

			return p.totalSize, errors.Wrap(ErrStorageFailed, err.Error())
		}

		segments, err := p.resolveRespArray(r)
		if err != nil {
			return p.totalSize, err
		}

		name, err := p.resolveRespSimpleString(r)
		if err != nil {
			return p.totalSize, err
		}

		var cmd parsedCommand
		switch name {
		case changeCommand:
			if segments != 6 {
				return p.totalSize, errors.Wrapf(ErrCommandInvalid, "line #%d: %s expects 6 segments, got %d", p.currentLine, name, segments)
			}

			ent, err := p.parseChangeCommand(r)
			if err != nil {
				return p.totalSize, err
			}
			cmd.ent = ent
		case flushAllCommand:
			cmd.flushAll = true
		default:
			return p.totalSize, errors.Wrapf(ErrCommandInvalid, "line #%d: unknown command %s", p.currentLine, name)
		}

		if err := cb(cmd); err != nil {
			return p.totalSize, err
		}

		p.totalCommands++
		p.totalSize += p.currentCmdSize
	}
}

func (p *parser) parseChangeCommand(r *bufio.Reader) (fileEntry, error) {
	seq, err := p.resolveRespInt(r)
	if err != nil {
		return fileEntry{}, err
	}

	savedAt, err := p.resolveRespInt(r)
	if err != nil {
		return fileEntry{}, err
	}

	store, err := p.resolveRespBlob(r)
	if err != nil {
		return fileEntry{}, err
	}

	key, err := p.resolveRespBlob(r)
	if err != nil {
		return fileEntry{}, err
	}

	size, err := p.resolveRespBlobHeader(r)
	if err != nil {
		return fileEntry{}, err
	}

	payloadOffset := p.totalSize + p.currentCmdSize
	if _, err := r.Discard(int(size)); err != nil {
		return fileEntry{}, unexpectedEOF(err)
	}
	p.currentCmdSize += size

	if err := p.expectCRLF(r); err != nil {
		return fileEntry{}, err
	}

	return fileEntry{
		seq:     uint64(seq),
		savedAt: savedAt,
		store:   string(store),
		key:     string(key),
		pos:     position{offset: payloadOffset, size: size},
	}, nil
}

func (p *parser) readLine(r *bufio.Reader) ([]byte, error) {
	p.currentLine++
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, unexpectedEOF(err)
	}

	if len(line) < 3 || line[len(line)-2] != '\r' {
		return nil, errors.Wrapf(ErrCommandInvalid, "line #%d is not terminated properly", p.currentLine)
	}

	p.currentCmdSize += int64(len(line))
	return line[:len(line)-2], nil
}

func (p *parser) resolveRespArray(r *bufio.Reader) (int, error) {
	line, err := p.readLine(r)
	if err != nil {
		return 0, err
	}

	if line[0] != '*' {
		return 0, errors.Wrapf(ErrCommandInvalid, "line #%d: array expected, got %q", p.currentLine, line)
	}

	n, err := strconv.Atoi(string(line[1:]))
	if err != nil {
		return 0, errors.Wrapf(ErrCommandInvalid, "line #%d: invalid array size %q", p.currentLine, line)
	}

	return n, nil
}

func (p *parser) resolveRespSimpleString(r *bufio.Reader) (string, error) {
	line, err := p.readLine(r)
	if err != nil {
		return "", err
	}

	if line[0] != '+' {
		return "", errors.Wrapf(ErrCommandInvalid, "line #%d: simple string expected, got %q", p.currentLine, line)
	}

	return string(line[1:]), nil
}

func (p *parser) resolveRespInt(r *bufio.Reader) (int64, error) {
	line, err := p.readLine(r)
	if err != nil {
		return 0, err
	}

	if line[0] != ':' {
		return 0, errors.Wrapf(ErrCommandInvalid, "line #%d: integer expected, got %q", p.currentLine, line)
	}

	v, err := strconv.ParseInt(string(line[1:]), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrCommandInvalid, "line #%d: invalid integer %q", p.currentLine, line)
	}

	return v, nil
}

func (p *parser) resolveRespBlobHeader(r *bufio.Reader) (int64, error) {
	line, err := p.readLine(r)
	if err != nil {
		return 0, err
	}

	if line[0] != '$' {
		return 0, errors.Wrapf(ErrCommandInvalid, "line #%d: blob expected, got %q", p.currentLine, line)
	}

	size, err := strconv.ParseInt(string(line[1:]), 10, 64)
	if err != nil || size < 0 {
		return 0, errors.Wrapf(ErrCommandInvalid, "line #%d: invalid blob size %q", p.currentLine, line)
	}

	return size, nil
}

func (p *parser) resolveRespBlob(r *bufio.Reader) ([]byte, error) {
	size, err := p.resolveRespBlobHeader(r)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, size)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, unexpectedEOF(err)
	}
	p.currentCmdSize += size

	if err := p.expectCRLF(r); err != nil {
		return nil, err
	}

	return blob, nil
}

func (p *parser) expectCRLF(r *bufio.Reader) error {
	crlf := make([]byte, 2)
	if _, err := io.ReadFull(r, crlf); err != nil {
		return unexpectedEOF(err)
	}

	if !bytes.Equal(crlf, []byte("\r\n")) {
		return errors.Wrapf(ErrCommandInvalid, "line #%d: blob is not terminated properly", p.currentLine)
	}

	p.currentCmdSize += 2
	return nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return io.ErrUnexpectedEOF
	}
	return errors.Wrap(ErrStorageFailed, err.Error())
}
