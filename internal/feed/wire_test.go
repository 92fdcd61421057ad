package feed

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/transit/internal/ir"
)

func TestLSNString(t *testing.T) {
	assert.Equal(t, "0/0", LSN(0).String())
	assert.Equal(t, "1/2A", LSN(0x1_0000002A).String())
	assert.Equal(t, "FFFFFFFF/FFFFFFFF", LSN(^uint64(0)).String())
}

func TestEncodeStatusUpdate(t *testing.T) {
	now := pgEpoch.Add(0x1_00000005 * time.Microsecond)
	buf := encodeStatusUpdate(LSN(0x2_0000000F), now)

	want := []byte{
		'r',
		0, 0, 0, 2, 0, 0, 0, 0x0F,
		0, 0, 0, 2, 0, 0, 0, 0x0F,
		0, 0, 0, 2, 0, 0, 0, 0x0F,
		0, 0, 0, 1, 0, 0, 0, 0x05,
		0,
	}
	assert.Equal(t, want, buf)
	assert.Len(t, buf, 34)
}

func TestEncodeStatusUpdate_LowHalfCarry(t *testing.T) {
	// pos+1 across a 32-bit boundary carries into the high half.
	buf := encodeStatusUpdate(LSN(0x0_FFFFFFFF)+1, pgEpoch)
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(buf[1:5]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(buf[5:9]))
}

func xlogMessage(start, end LSN, payload []byte) []byte {
	buf := make([]byte, 25, 25+len(payload))
	buf[0] = tagXLogData
	binary.BigEndian.PutUint64(buf[1:], uint64(start))
	binary.BigEndian.PutUint64(buf[9:], uint64(end))
	binary.BigEndian.PutUint64(buf[17:], 1_000_000)
	return append(buf, payload...)
}

func keepaliveMessage(end LSN, reply bool) []byte {
	buf := make([]byte, 18)
	buf[0] = tagKeepalive
	binary.BigEndian.PutUint64(buf[1:], uint64(end))
	binary.BigEndian.PutUint64(buf[9:], 2_000_000)
	if reply {
		buf[17] = 1
	}
	return buf
}

func TestParseXLogData(t *testing.T) {
	x, err := parseXLogData(xlogMessage(0x10, 0x20, []byte("B...")))
	require.NoError(t, err)
	assert.Equal(t, LSN(0x10), x.WALStart)
	assert.Equal(t, LSN(0x20), x.WALEnd)
	assert.Equal(t, pgEpoch.Add(time.Second), x.ServerTime)
	assert.Equal(t, []byte("B..."), x.Data)

	_, err = parseXLogData([]byte{tagXLogData, 0, 0})
	assert.True(t, ir.IsProtocol(err))
}

func TestParseKeepalive(t *testing.T) {
	k, err := parseKeepalive(keepaliveMessage(0x99, true))
	require.NoError(t, err)
	assert.Equal(t, LSN(0x99), k.WALEnd)
	assert.Equal(t, pgEpoch.Add(2*time.Second), k.ServerTime)
	assert.True(t, k.ReplyRequested)

	k, err = parseKeepalive(keepaliveMessage(0x99, false))
	require.NoError(t, err)
	assert.False(t, k.ReplyRequested)

	_, err = parseKeepalive([]byte{tagKeepalive})
	assert.True(t, ir.IsProtocol(err))
}
