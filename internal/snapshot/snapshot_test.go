package snapshot

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		Node:    "node-a",
		SavedAt: epoch,
		Entries: []memstore.Entry{
			{Context: "c", Key: "k1", Value: []byte("v1"), CreatedAt: epoch, TTL: memstore.TTL(time.Hour), ExpiresAt: epoch.Add(time.Hour), Importance: 0.5},
			{Context: "c", Key: "k2", Value: []byte{0, 1, 2}, CreatedAt: epoch, TTL: memstore.Infinite, Importance: 0.9},
		},
	}
}

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(sampleSnapshot())
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "recalld-snapshot", doc["format"])
	assert.EqualValues(t, 1, doc["version"])
	assert.EqualValues(t, 2, doc["count"])

	snap, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "node-a", snap.Node)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, []byte{0, 1, 2}, snap.Entries[1].Value)
	assert.True(t, snap.Entries[1].TTL.IsInfinite())
	assert.True(t, snap.Entries[0].ExpiresAt.Equal(epoch.Add(time.Hour)))
}

func TestDecode_PrettyPrintedStillVerifies(t *testing.T) {
	data, err := Encode(sampleSnapshot())
	require.NoError(t, err)

	var pretty bytes.Buffer
	require.NoError(t, json.Indent(&pretty, data, "", "  "))

	_, err = Decode(pretty.Bytes())
	assert.NoError(t, err)
}

func TestDecode_Corrupt(t *testing.T) {
	good, err := Encode(sampleSnapshot())
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("{{{")},
		{"truncated", good[:len(good)/2]},
		{"wrong format", bytes.Replace(good, []byte("recalld-snapshot"), []byte("other"), 1)},
		{"tampered entry", bytes.Replace(good, []byte(`"k1"`), []byte(`"kX"`), 1)},
		{"future version", bytes.Replace(good, []byte(`"version":1`), []byte(`"version":9`), 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrCorruptSnapshot)
		})
	}
}

func TestEncode_EmptyStore(t *testing.T) {
	data, err := Encode(&Snapshot{Node: "n"})
	require.NoError(t, err)

	snap, err := Decode(data)
	require.NoError(t, err)
	assert.Empty(t, snap.Entries)
}
