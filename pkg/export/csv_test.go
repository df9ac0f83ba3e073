package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCSV(t *testing.T) {
	columns := []string{"id", "name", "active", "score", "created_at", "note"}
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	rows := [][]any{
		{int64(1), "alpha", true, 3.5, ts, nil},
		{int64(2), "with,comma", false, float64(2), ts, []byte("bytes")},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, columns, rows, true))

	expected := "id,name,active,score,created_at,note\n" +
		"1,alpha,true,3.5,2026-03-14T09:26:53Z,\n" +
		"2,\"with,comma\",false,2,2026-03-14T09:26:53Z,bytes\n"
	assert.Equal(t, expected, buf.String())
}

func TestWriteCSVNoHeaders(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []string{"a", "b"}, [][]any{{"x", "y"}}, false))
	assert.Equal(t, "x,y\n", buf.String())
}

func TestWriteCSVRaggedRow(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []string{"a", "b", "c"}, [][]any{{"only"}}, false))
	assert.Equal(t, "only,,\n", buf.String())
}
