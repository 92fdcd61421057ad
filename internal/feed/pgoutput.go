package feed

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strconv"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/store"
)

// pgoutput message types, protocol version 1.
const (
	msgBegin    = 'B'
	msgCommit   = 'C'
	msgOrigin   = 'O'
	msgRelation = 'R'
	msgType     = 'Y'
	msgInsert   = 'I'
	msgUpdate   = 'U'
	msgDelete   = 'D'
	msgTruncate = 'T'
	msgMessage  = 'M'
)

const transitionsTable = "transitions"

var errShortMessage = errors.New("message too short")

type relation struct {
	ID        uint32
	Namespace string
	Name      string
	Columns   []string
}

// decoder turns pgoutput messages into transitions. Relation messages
// precede the first change to a table in each session and are cached.
type decoder struct {
	relations map[uint32]relation
}

func newDecoder() *decoder {
	return &decoder{relations: make(map[uint32]relation)}
}

// Decode returns the transition carried by an insert into the transitions
// table. Other known messages yield nil; unknown ones a protocol error.
func (d *decoder) Decode(data []byte) (*ir.Transition, error) {
	if len(data) == 0 {
		return nil, ir.Protocol("empty pgoutput message")
	}
	r := &reader{buf: data[1:]}
	switch data[0] {
	case msgRelation:
		rel, err := readRelation(r)
		if err != nil {
			return nil, err
		}
		d.relations[rel.ID] = rel
		return nil, nil
	case msgInsert:
		return d.decodeInsert(r)
	case msgBegin, msgCommit, msgOrigin, msgType, msgUpdate, msgDelete, msgTruncate, msgMessage:
		return nil, nil
	default:
		return nil, ir.Protocol("unknown pgoutput message %q", data[0])
	}
}

func readRelation(r *reader) (relation, error) {
	rel := relation{ID: r.uint32()}
	rel.Namespace = r.cstring()
	rel.Name = r.cstring()
	r.uint8() // replica identity
	n := int(r.uint16())
	for i := 0; i < n && r.err == nil; i++ {
		r.uint8() // flags
		rel.Columns = append(rel.Columns, r.cstring())
		r.uint32() // type oid
		r.uint32() // type modifier
	}
	if r.err != nil {
		return relation{}, ir.Protocol("malformed relation message: %v", r.err)
	}
	return rel, nil
}

func (d *decoder) decodeInsert(r *reader) (*ir.Transition, error) {
	id := r.uint32()
	if kind := r.uint8(); r.err == nil && kind != 'N' {
		return nil, ir.Protocol("insert without new tuple (marker %q)", kind)
	}
	values, err := readTuple(r)
	if err != nil {
		return nil, err
	}

	rel, ok := d.relations[id]
	if !ok {
		return nil, ir.Protocol("insert for unknown relation %d", id)
	}
	if rel.Name != transitionsTable {
		return nil, nil
	}
	if len(values) != len(rel.Columns) {
		return nil, ir.Protocol("insert into %s has %d values for %d columns", rel.Name, len(values), len(rel.Columns))
	}

	row := make(map[string]*string, len(values))
	for i, col := range rel.Columns {
		row[col] = values[i]
	}
	return transitionFromRow(row)
}

// readTuple returns the text value of each column; nil for NULL and for
// unchanged TOAST values.
func readTuple(r *reader) ([]*string, error) {
	n := int(r.uint16())
	values := make([]*string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		switch kind := r.uint8(); kind {
		case 'n', 'u':
			values = append(values, nil)
		case 't', 'b':
			size := int(r.uint32())
			s := string(r.take(size))
			values = append(values, &s)
		default:
			if r.err == nil {
				return nil, ir.Protocol("unknown tuple column kind %q", kind)
			}
		}
	}
	if r.err != nil {
		return nil, ir.Protocol("malformed tuple: %v", r.err)
	}
	return values, nil
}

func transitionFromRow(row map[string]*string) (*ir.Transition, error) {
	str := func(col string) string {
		if v := row[col]; v != nil {
			return *v
		}
		return ""
	}

	t := &ir.Transition{
		ID:          str("id"),
		ObjectID:    str("object_id"),
		Model:       str("model"),
		Type:        str("type"),
		From:        row["from"],
		To:          str("to"),
		Note:        row["note"],
		TriggeredBy: row["triggered_by"],
	}
	if t.ID == "" {
		return nil, ir.Protocol("transition row without id")
	}

	if v := row["seq"]; v != nil {
		seq, err := strconv.ParseInt(*v, 10, 64)
		if err != nil {
			return nil, ir.Protocol("transition %s: bad seq %q", t.ID, *v)
		}
		t.Seq = seq
	}

	var raw []byte
	if v := row["data"]; v != nil {
		raw = []byte(*v)
	}
	data, err := store.DecodeData(raw)
	if err != nil {
		return nil, ir.Protocol("transition %s: bad data: %v", t.ID, err)
	}
	t.Data = data

	if v := row["applied_at"]; v != nil {
		at, err := store.ParseTime(*v)
		if err != nil {
			return nil, ir.Protocol("transition %s: bad applied_at %q", t.ID, *v)
		}
		t.AppliedAt = at
	}
	return t, nil
}

// reader consumes big-endian protocol fields. The first short read sets
// err; later reads return zero values.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf) < n {
		r.err = errShortMessage
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) uint8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) cstring() string {
	if r.err != nil {
		return ""
	}
	i := bytes.IndexByte(r.buf, 0)
	if i < 0 {
		r.err = errShortMessage
		return ""
	}
	s := string(r.buf[:i])
	r.buf = r.buf[i+1:]
	return s
}
