package feed

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/roach88/transit/internal/ir"
)

// Leading bytes of CopyData payloads on a replication connection.
const (
	tagXLogData     = 'w'
	tagKeepalive    = 'k'
	tagStatusUpdate = 'r'
)

// LSN is a position in the write-ahead log.
type LSN uint64

func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// pgEpoch is the zero point of replication protocol timestamps.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func pgTime(us int64) time.Time {
	return pgEpoch.Add(time.Duration(us) * time.Microsecond)
}

func pgMicros(t time.Time) int64 {
	return t.Sub(pgEpoch).Microseconds()
}

// xlogData is a chunk of decoded WAL.
type xlogData struct {
	WALStart   LSN
	WALEnd     LSN
	ServerTime time.Time
	Data       []byte
}

func parseXLogData(buf []byte) (xlogData, error) {
	if len(buf) < 25 || buf[0] != tagXLogData {
		return xlogData{}, ir.Protocol("malformed XLogData message (%d bytes)", len(buf))
	}
	return xlogData{
		WALStart:   LSN(binary.BigEndian.Uint64(buf[1:9])),
		WALEnd:     LSN(binary.BigEndian.Uint64(buf[9:17])),
		ServerTime: pgTime(int64(binary.BigEndian.Uint64(buf[17:25]))),
		Data:       buf[25:],
	}, nil
}

// keepalive is the server heartbeat. The server drops the connection when a
// keepalive with ReplyRequested goes unanswered past wal_sender_timeout.
type keepalive struct {
	WALEnd         LSN
	ServerTime     time.Time
	ReplyRequested bool
}

func parseKeepalive(buf []byte) (keepalive, error) {
	if len(buf) < 18 || buf[0] != tagKeepalive {
		return keepalive{}, ir.Protocol("malformed keepalive message (%d bytes)", len(buf))
	}
	return keepalive{
		WALEnd:         LSN(binary.BigEndian.Uint64(buf[1:9])),
		ServerTime:     pgTime(int64(binary.BigEndian.Uint64(buf[9:17]))),
		ReplyRequested: buf[17] != 0,
	}, nil
}

// encodeStatusUpdate builds a standby status update reporting pos as
// written, flushed and applied. Each 64-bit value goes out as two
// big-endian 32-bit halves.
func encodeStatusUpdate(pos LSN, now time.Time) []byte {
	buf := make([]byte, 34)
	buf[0] = tagStatusUpdate
	putHalves(buf[1:], uint64(pos))
	putHalves(buf[9:], uint64(pos))
	putHalves(buf[17:], uint64(pos))
	putHalves(buf[25:], uint64(pgMicros(now)))
	buf[33] = 0
	return buf
}

func putHalves(b []byte, v uint64) {
	binary.BigEndian.PutUint32(b[0:4], uint32(v>>32))
	binary.BigEndian.PutUint32(b[4:8], uint32(v))
}
