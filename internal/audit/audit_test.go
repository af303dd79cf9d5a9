package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	rows []interface{}
	err  error
}

func (f *fakePutter) Put(_ context.Context, src interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, src)
	return nil
}

type memObject struct {
	bytes.Buffer
	closed bool
}

func (m *memObject) Close() error {
	m.closed = true
	return nil
}

func TestBigQueryRecorder_Record(t *testing.T) {
	putter := &fakePutter{}
	r := &BigQueryRecorder{inserter: putter}
	owner := uuid.New()

	err := r.Record(context.Background(), &Record{
		OwnerID:   owner,
		MessageID: "m1",
		ModelName: "gemini-2.5-flash",
		RawOutput: `{"isTransaction":false}`,
		Reason:    "not_transaction",
	})
	require.NoError(t, err)
	require.Len(t, putter.rows, 1)

	row := putter.rows[0].(*ModelOutputRow)
	assert.Equal(t, owner.String(), row.OwnerID)
	assert.Equal(t, "m1", row.MessageID)
	assert.NotEmpty(t, row.OutputID)
	assert.True(t, row.RawJSON.Valid)
	assert.True(t, row.CreatedTS.Valid)
	assert.False(t, row.CreatedTS.Timestamp.IsZero())
}

func TestBigQueryRecorder_NonJSONOutput(t *testing.T) {
	row := toModelOutputRow(&Record{OwnerID: uuid.New(), RawOutput: "I cannot help with that"})
	assert.True(t, row.RawOutput.Valid)
	assert.False(t, row.RawJSON.Valid)

	empty := toModelOutputRow(&Record{OwnerID: uuid.New()})
	assert.False(t, empty.RawOutput.Valid)
}

func TestBigQueryRecorder_PutError(t *testing.T) {
	r := &BigQueryRecorder{inserter: &fakePutter{err: errors.New("quota")}}
	err := r.Record(context.Background(), &Record{OwnerID: uuid.New()})
	assert.ErrorContains(t, err, "quota")
}

func TestGCSRecorder_Record(t *testing.T) {
	objects := map[string]*memObject{}
	r := &GCSRecorder{newWriter: func(_ context.Context, name string) io.WriteCloser {
		obj := &memObject{}
		objects[name] = obj
		return obj
	}}

	owner := uuid.New()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, r.Record(context.Background(), &Record{
		OwnerID:   owner,
		MessageID: "18c2f",
		Accepted:  true,
		Reason:    "accepted",
		CreatedAt: created,
	}))

	name := "model-outputs/" + owner.String() + "/18c2f.json"
	obj, ok := objects[name]
	require.True(t, ok, "expected object %s", name)
	assert.True(t, obj.closed)

	var got Record
	require.NoError(t, json.Unmarshal(obj.Bytes(), &got))
	assert.Equal(t, "18c2f", got.MessageID)
	assert.True(t, got.Accepted)
	assert.True(t, got.CreatedAt.Equal(created))
}

func TestObjectName_StripsPathSegments(t *testing.T) {
	owner := uuid.New()
	name := ObjectName(&Record{OwnerID: owner, MessageID: "../../etc/passwd"})
	assert.Equal(t, "model-outputs/"+owner.String()+"/passwd.json", name)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Record(context.Background(), &Record{}))
}
