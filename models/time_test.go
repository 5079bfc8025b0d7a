package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampZones(t *testing.T) {
	var v struct {
		Naive Timestamp `json:"naive"`
		Zoned Timestamp `json:"zoned"`
		Space Timestamp `json:"space"`
		Empty Timestamp `json:"empty"`
	}
	raw := `{"naive": "2025-03-01T12:00:00.123456", "zoned": "2025-03-01T12:00:00Z", "space": "2025-03-01 12:00:00", "empty": ""}`
	require.NoError(t, json.Unmarshal([]byte(raw), &v))

	assert.Equal(t, time.Local, v.Naive.Location())
	assert.True(t, time.Date(2025, 3, 1, 12, 0, 0, 123456000, time.Local).Equal(v.Naive.Time))
	assert.True(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).Equal(v.Zoned.Time))
	assert.Equal(t, "UTC", v.Zoned.Location().String())
	assert.True(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.Local).Equal(v.Space.Time))
	assert.True(t, v.Empty.IsZero())
}

func TestTimestampRejectsUnknownFormat(t *testing.T) {
	var ts Timestamp
	assert.Error(t, json.Unmarshal([]byte(`"01/03/2025"`), &ts))
}
