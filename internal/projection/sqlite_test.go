package projection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/health-record-mcp/internal/record"
)

func mustRecord(t *testing.T, payload string) *record.Record {
	t.Helper()
	rec, err := record.Parse([]byte(payload))
	require.NoError(t, err)
	return rec
}

func manyObservations(n int) string {
	var b strings.Builder
	b.WriteString(`{"fhir":{"Observation":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"resourceType":"Observation","id":"o%d","valueQuantity":{"value":%d}}`, i, i)
	}
	b.WriteString(`]}}`)
	return b.String()
}

func TestSQLiteProjection_LoadAndQuery(t *testing.T) {
	ctx := context.Background()
	rec := mustRecord(t, `{
	  "fhir": {"Patient": [{"resourceType":"Patient","id":"p1","gender":"female"}]},
	  "attachments": [{"resourceType":"DocumentReference","resourceId":"d1","path":"content.0","contentType":"text/plain","contentPlaintext":"hello","contentBase64":"aGVsbG8="}]
	}`)

	p, err := NewSQLiteFactory().New(ctx, "s1", rec)
	require.NoError(t, err)
	defer p.Close()

	res, err := p.Query(ctx, "SELECT resource_type, resource_id, json_extract(json, '$.gender') AS gender FROM fhir_resources", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"resource_type", "resource_id", "gender"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Patient", res.Rows[0]["resource_type"])
	assert.Equal(t, "female", res.Rows[0]["gender"])
	assert.False(t, res.Truncated)

	res, err = p.Query(ctx, "SELECT content_plaintext, content_raw FROM fhir_attachments", 10)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "hello", res.Rows[0]["content_plaintext"])
	assert.Equal(t, "hello", res.Rows[0]["content_raw"])
}

func TestSQLiteProjection_Truncates(t *testing.T) {
	ctx := context.Background()
	p, err := NewSQLiteFactory().New(ctx, "s1", mustRecord(t, manyObservations(12)))
	require.NoError(t, err)
	defer p.Close()

	res, err := p.Query(ctx, "SELECT * FROM fhir_resources", 10)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 10)
	assert.True(t, res.Truncated)

	res, err = p.Query(ctx, "SELECT * FROM fhir_resources", 12)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 12)
	assert.False(t, res.Truncated)
}

func TestSQLiteProjection_ReadOnly(t *testing.T) {
	ctx := context.Background()
	p, err := NewSQLiteFactory().New(ctx, "s1", mustRecord(t, manyObservations(1)))
	require.NoError(t, err)
	defer p.Close()

	for _, stmt := range []string{
		"DELETE FROM fhir_resources",
		"INSERT INTO fhir_resources VALUES ('a','b','{}')",
		"CREATE TABLE x (y TEXT)",
	} {
		_, err := p.Query(ctx, stmt, 10)
		assert.Error(t, err, stmt)
	}

	res, err := p.Query(ctx, "SELECT count(*) AS n FROM fhir_resources", 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Rows[0]["n"])
}

func TestSQLiteProjection_Isolated(t *testing.T) {
	ctx := context.Background()
	f := NewSQLiteFactory()
	a, err := f.New(ctx, "a", mustRecord(t, manyObservations(2)))
	require.NoError(t, err)
	defer a.Close()
	b, err := f.New(ctx, "b", mustRecord(t, manyObservations(5)))
	require.NoError(t, err)
	defer b.Close()

	ra, err := a.Query(ctx, "SELECT count(*) AS n FROM fhir_resources", 1)
	require.NoError(t, err)
	rb, err := b.Query(ctx, "SELECT count(*) AS n FROM fhir_resources", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ra.Rows[0]["n"])
	assert.EqualValues(t, 5, rb.Rows[0]["n"])
}

func TestSQLiteProjection_DuplicateResourcesKeepFirst(t *testing.T) {
	ctx := context.Background()
	rec := mustRecord(t, `{"fhir":{"Patient":[{"id":"p1","n":1},{"id":"p1","n":2}]}}`)
	p, err := NewSQLiteFactory().New(ctx, "s1", rec)
	require.NoError(t, err)
	defer p.Close()

	res, err := p.Query(ctx, "SELECT json_extract(json, '$.n') AS n FROM fhir_resources", 10)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 1, res.Rows[0]["n"])
}

func TestSQLiteProjection_Close(t *testing.T) {
	ctx := context.Background()
	p, err := NewSQLiteFactory().New(ctx, "s1", mustRecord(t, manyObservations(1)))
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.True(t, errors.Is(p.Close(), ErrClosed))

	_, err = p.Query(ctx, "SELECT 1", 1)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestSQLiteProjection_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSQLiteFactory().New(ctx, "s1", mustRecord(t, manyObservations(1)))
	assert.Error(t, err)
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, "text", normalizeValue([]byte("text")))
	assert.Equal(t, "/w==", normalizeValue([]byte{0xff}))
	assert.Equal(t, int64(4), normalizeValue(int64(4)))
	assert.Nil(t, normalizeValue(nil))
}

func TestInsertStmt(t *testing.T) {
	assert.Equal(t, "INSERT INTO t (a, b) VALUES (?, ?)", insertStmt("t", []string{"a", "b"}, questionMark))
	assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2)", insertStmt("t", []string{"a", "b"}, dollarNumber))
}

func TestSQLiteProjection_DuplicateColumnNames(t *testing.T) {
	ctx := context.Background()
	p, err := NewSQLiteFactory().New(ctx, "s1", mustRecord(t, manyObservations(2)))
	require.NoError(t, err)
	defer p.Close()

	res, err := p.Query(ctx, `SELECT a.resource_id, b.resource_id
		FROM fhir_resources a JOIN fhir_resources b ON a.resource_id < b.resource_id`, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"resource_id", "resource_id_2"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "o0", res.Rows[0]["resource_id"])
	assert.Equal(t, "o1", res.Rows[0]["resource_id_2"])
}

func TestUniqueColumns(t *testing.T) {
	tests := []struct {
		in   []string
		want []string
	}{
		{[]string{"a", "b"}, []string{"a", "b"}},
		{[]string{"a", "a", "a"}, []string{"a", "a_2", "a_3"}},
		{[]string{"a", "a", "a_2"}, []string{"a", "a_3", "a_2"}},
		{[]string{"a_2", "a", "a"}, []string{"a_2", "a", "a_3"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, uniqueColumns(tt.in), "%v", tt.in)
	}
}
