package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2026, 3, 2, 14, 0, 0, 123456000, time.UTC)

func TestEncodeDecode(t *testing.T) {
	c, err := Decode(Encode(ts, "trs_9f2c"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, ts.Equal(c.CreatedAt))
	assert.Equal(t, "trs_9f2c", c.ID)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Malformed(t *testing.T) {
	for name, in := range map[string]string{
		"not base64":   "***",
		"no separator": base64.RawURLEncoding.EncodeToString([]byte("12345")),
		"bad nanos":    base64.RawURLEncoding.EncodeToString([]byte("abc|trs_1")),
		"empty id":     base64.RawURLEncoding.EncodeToString([]byte("12345|")),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestCursor_Admits(t *testing.T) {
	c := &Cursor{CreatedAt: ts, ID: "trs_m"}

	assert.True(t, c.Admits(ts.Add(-time.Second), "trs_z"), "older item")
	assert.False(t, c.Admits(ts.Add(time.Second), "trs_a"), "newer item")
	assert.True(t, c.Admits(ts, "trs_a"), "same instant, lower id")
	assert.False(t, c.Admits(ts, "trs_m"), "the cursor item itself")
	assert.False(t, c.Admits(ts, "trs_z"), "same instant, higher id")

	var none *Cursor
	assert.True(t, none.Admits(ts, "anything"))
}

type item struct {
	at time.Time
	id string
}

func itemKey(i item) (time.Time, string) { return i.at, i.id }

func TestComputePage(t *testing.T) {
	items := []item{{ts, "c"}, {ts, "b"}, {ts.Add(-time.Minute), "a"}}

	page, next, more := ComputePage(items, 2, itemKey)
	require.Len(t, page, 2)
	assert.True(t, more)

	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)
	assert.True(t, c.Admits(items[2].at, items[2].id))

	page, next, more = ComputePage(items, 3, itemKey)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)
}
