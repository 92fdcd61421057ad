package feed

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/transit/internal/ir"
)

var transitionColumns = []string{
	"seq", "id", "model", "type", "from", "to", "object_id", "data", "note", "triggered_by", "applied_at",
}

// msg builds protocol messages field by field.
type msg []byte

func (m msg) u8(v byte) msg { return append(m, v) }

func (m msg) u16(v uint16) msg { return binary.BigEndian.AppendUint16(m, v) }

func (m msg) u32(v uint32) msg { return binary.BigEndian.AppendUint32(m, v) }

func (m msg) cstr(s string) msg { return append(append(m, s...), 0) }

func relationMessage(id uint32, name string, columns []string) []byte {
	m := msg{msgRelation}.u32(id).cstr("public").cstr(name).u8('d').u16(uint16(len(columns)))
	for _, c := range columns {
		m = m.u8(0).cstr(c).u32(25).u32(0xFFFFFFFF)
	}
	return m
}

func insertMessage(id uint32, values []*string) []byte {
	m := msg{msgInsert}.u32(id).u8('N').u16(uint16(len(values)))
	for _, v := range values {
		if v == nil {
			m = m.u8('n')
			continue
		}
		m = append(m.u8('t').u32(uint32(len(*v))), *v...)
	}
	return m
}

func s(v string) *string { return &v }

func transitionRow() []*string {
	return []*string{
		s("42"),
		s("tsn_0001"),
		s("User"),
		s("Rename"),
		s("Created"),
		s("Created"),
		s("user_0001"),
		s(`{"name": "Grace", "age": 36}`),
		nil,
		s("task_0007"),
		s("2024-01-01 12:00:00.001+00"),
	}
}

func TestDecode_InsertIntoTransitions(t *testing.T) {
	d := newDecoder()

	got, err := d.Decode(relationMessage(16384, "transitions", transitionColumns))
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = d.Decode(insertMessage(16384, transitionRow()))
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, int64(42), got.Seq)
	assert.Equal(t, "tsn_0001", got.ID)
	assert.Equal(t, "User", got.Model)
	assert.Equal(t, "Rename", got.Type)
	require.NotNil(t, got.From)
	assert.Equal(t, "Created", *got.From)
	assert.Equal(t, "Created", got.To)
	assert.Equal(t, "user_0001", got.ObjectID)
	assert.Equal(t, ir.Fields{"name": "Grace", "age": int64(36)}, got.Data)
	assert.Nil(t, got.Note)
	require.NotNil(t, got.TriggeredBy)
	assert.Equal(t, "task_0007", *got.TriggeredBy)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, int(time.Millisecond), time.UTC), got.AppliedAt)
}

func TestDecode_InitializingTransitionHasNullFrom(t *testing.T) {
	d := newDecoder()
	_, err := d.Decode(relationMessage(1, "transitions", transitionColumns))
	require.NoError(t, err)

	row := transitionRow()
	row[4] = nil
	row[7] = nil
	got, err := d.Decode(insertMessage(1, row))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.From)
	assert.Equal(t, ir.Fields{}, got.Data)
}

func TestDecode_OtherTablesIgnored(t *testing.T) {
	d := newDecoder()
	_, err := d.Decode(relationMessage(2, "tasks", []string{"id", "transition_id", "consumer", "state"}))
	require.NoError(t, err)

	got, err := d.Decode(insertMessage(2, []*string{s("task_1"), s("tsn_1"), s("C"), s("created")}))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecode_NonInsertMessagesIgnored(t *testing.T) {
	d := newDecoder()
	for _, tag := range []byte{msgBegin, msgCommit, msgOrigin, msgType, msgUpdate, msgDelete, msgTruncate, msgMessage} {
		got, err := d.Decode([]byte{tag, 0, 0, 0, 0})
		require.NoError(t, err, "tag %q", tag)
		assert.Nil(t, got)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{'Z'}},
		{"unknown relation", insertMessage(99, transitionRow())},
		{"truncated relation", relationMessage(1, "transitions", transitionColumns)[:12]},
		{"truncated insert", insertMessage(1, transitionRow())[:20]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDecoder()
			d.relations[1] = relation{ID: 1, Name: "transitions", Columns: transitionColumns}
			_, err := d.Decode(tt.data)
			assert.True(t, ir.IsProtocol(err), "got %v", err)
		})
	}
}

func TestDecode_ColumnCountMismatch(t *testing.T) {
	d := newDecoder()
	_, err := d.Decode(relationMessage(1, "transitions", transitionColumns))
	require.NoError(t, err)

	_, err = d.Decode(insertMessage(1, transitionRow()[:3]))
	assert.True(t, ir.IsProtocol(err))
}
