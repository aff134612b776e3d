package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
}

func TestWriter_AppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "snapshots.jsonl")
	w, err := NewWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(testRecord{Symbol: "AAPL", Score: 0.5}))
	require.NoError(t, w.Append(testRecord{Symbol: "NVDA", Score: -0.25}))

	recs, err := Read[testRecord](path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "AAPL", recs[0].Symbol)
	assert.Equal(t, -0.25, recs[1].Score)
}

func TestRead_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	body := `{"symbol":"AAPL","score":1}
this line is torn garbage
{"symbol":"NVDA","score":2}
{"symbol":"MSFT","sco`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	recs, err := Read[testRecord](path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "NVDA", recs[1].Symbol)
}

func TestRead_MissingFile(t *testing.T) {
	recs, err := Read[testRecord](filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, recs)
}
