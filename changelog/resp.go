package changelog

import (
	"bytes"
	"strconv"
)

const (
	changeCommand   = "chg"
	flushAllCommand = "flushall"
)

// position of a change payload inside the log file
type position struct {
	offset int64
	size   int64
}

type respSerializer struct {
	buf bytes.Buffer
}

// serializeChange appends a change command and returns the position of the
// payload relative to the start of the buffer.
func (rs *respSerializer) serializeChange(ent *fileEntry, payload []byte) position {
	writeRespArray(6, &rs.buf)
	writeRespSimpleString([]byte(changeCommand), &rs.buf)
	writeRespInt(int64(ent.seq), &rs.buf)
	writeRespInt(ent.savedAt, &rs.buf)
	writeRespBlob([]byte(ent.store), &rs.buf)
	writeRespBlob([]byte(ent.key), &rs.buf)

	start := int64(rs.buf.Len())
	prefix, _ := writeRespBlob(payload, &rs.buf)

	return position{offset: start + int64(prefix), size: int64(len(payload))}
}

func (rs *respSerializer) serializeFlushAll() {
	writeRespArray(1, &rs.buf)
	writeRespSimpleString([]byte(flushAllCommand), &rs.buf)
}

func writeRespArray(segments int, buf *bytes.Buffer) int {
	buf.WriteByte('*')
	s := strconv.FormatInt(int64(segments), 10)
	buf.WriteString(s)
	buf.WriteString("\r\n")

	return 3 + len(s)
}

func writeRespSimpleString(b []byte, buf *bytes.Buffer) int {
	buf.WriteByte('+')
	buf.Write(b)
	buf.WriteString("\r\n")
	return 3 + len(b)
}

func writeRespInt(v int64, buf *bytes.Buffer) int {
	buf.WriteByte(':')
	s := strconv.FormatInt(v, 10)
	buf.WriteString(s)
	buf.WriteString("\r\n")
	return 3 + len(s)
}

func writeRespBlob(blob []byte, buf *bytes.Buffer) (int, int) {
	buf.WriteByte('$')
	l := []byte(strconv.FormatInt(int64(len(blob)), 10))
	buf.Write(l)
	buf.WriteString("\r\n")
	buf.Write(blob)
	buf.WriteString("\r\n")

	prefix := 1 + len(l) + 2
	total := prefix + len(blob) + 2
	return prefix, total
}
