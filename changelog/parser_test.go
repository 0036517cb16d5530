package changelog

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_respSerializer_serializeChange(t *testing.T) {
	var rs respSerializer
	ent := fileEntry{seq: 7, savedAt: 99, store: "roads", key: "r1"}

	pos := rs.serializeChange(&ent, []byte(`{"a":1}`))

	expected := "*6\r\n+chg\r\n:7\r\n:99\r\n$5\r\nroads\r\n$2\r\nr1\r\n$7\r\n{\"a\":1}\r\n"
	assert.Equal(t, expected, rs.buf.String())
	assert.Equal(t, `{"a":1}`, string(rs.buf.Bytes()[pos.offset:pos.offset+pos.size]))
}

func Test_parser_parse(t *testing.T) {
	t.Run("round trip of several commands", func(t *testing.T) {
		var rs respSerializer
		payloads := [][]byte{[]byte(`{"x":1}`), []byte("with\r\ninside"), []byte("")}
		var positions []position
		for i, p := range payloads {
			positions = append(positions, rs.serializeChange(&fileEntry{seq: uint64(i + 1), store: "s", key: "k"}, p))
		}
		rs.serializeFlushAll()

		data := rs.buf.Bytes()
		var cmds []parsedCommand
		prs := parser{}
		n, err := prs.parse(bufio.NewReader(bytes.NewReader(data)), func(cmd parsedCommand) error {
			cmds = append(cmds, cmd)
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), n)
		require.Len(t, cmds, 4)
		assert.True(t, cmds[3].flushAll)

		for i := range payloads {
			assert.Equal(t, uint64(i+1), cmds[i].ent.seq)
			assert.Equal(t, positions[i], cmds[i].ent.pos)
			pos := cmds[i].ent.pos
			assert.Equal(t, payloads[i], data[pos.offset:pos.offset+pos.size])
		}
	})

	t.Run("torn tail reports the valid prefix", func(t *testing.T) {
		var rs respSerializer
		rs.serializeChange(&fileEntry{seq: 1, store: "s", key: "k"}, []byte("payload"))
		valid := int64(rs.buf.Len())
		rs.buf.WriteString("*6\r\n+chg\r\n:2\r\n")

		prs := parser{}
		n, err := prs.parse(bufio.NewReader(bytes.NewReader(rs.buf.Bytes())), func(parsedCommand) error { return nil })

		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		assert.Equal(t, valid, n)
		assert.Equal(t, 1, prs.totalCommands)
	})

	t.Run("invalid segments count", func(t *testing.T) {
		prs := parser{}
		_, err := prs.parse(bufio.NewReader(bytes.NewReader([]byte("*2\r\n+chg\r\n:1\r\n"))), func(parsedCommand) error { return nil })
		assert.ErrorIs(t, err, ErrCommandInvalid)
	})

	t.Run("garbage line", func(t *testing.T) {
		prs := parser{}
		_, err := prs.parse(bufio.NewReader(bytes.NewReader([]byte("hello\r\n"))), func(parsedCommand) error { return nil })
		assert.ErrorIs(t, err, ErrCommandInvalid)
	})
}

func Test_defaultCacheBytes(t *testing.T) {
	assert.Equal(t, fallbackCacheSize, defaultCacheBytes(0))
	assert.Equal(t, minCacheBytes, defaultCacheBytes(1<<20))
	assert.Equal(t, maxCacheBytes, defaultCacheBytes(1<<40))
	assert.Equal(t, uint64(4<<20), defaultCacheBytes(1<<30))
}
