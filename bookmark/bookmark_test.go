package bookmark

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want int
	}{
		{"none vs none", Value{}, Value{}, 0},
		{"none sorts first", Value{}, Int(1), -1},
		{"ints", Int(5), Int(7), -1},
		{"int vs number", Int(5), Number(5.0), 0},
		{"number vs int", Number(7.5), Int(7), 1},
		{"int above 2^53 vs number", Int(1<<53 + 1), Number(1 << 53), 1},
		{"number vs int above 2^53", Number(1 << 53), Int(1<<53 + 1), -1},
		{"timestamps across offsets", String("2024-01-01T02:00:00+02:00"), String("2024-01-01T00:00:00Z"), 0},
		{"strings", String("abc"), String("abd"), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compare(tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTimeAccessor(t *testing.T) {
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	got, ok := String("2024-01-01T11:00:00+02:00").Time()
	require.True(t, ok)
	assert.True(t, at.Equal(got))

	_, ok = Int(1).Time()
	assert.False(t, ok)
}

func TestCompareIncomparable(t *testing.T) {
	_, err := Compare(Int(1), String("abc"))
	assert.ErrorIs(t, err, ErrIncomparable)
}

func TestFromInterface(t *testing.T) {
	v, err := FromInterface(json.Number("42"))
	require.NoError(t, err)
	assert.Equal(t, KindInteger, v.Kind())

	v, err = FromInterface(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, KindTime, v.Kind())
	assert.Equal(t, "2024-03-01T10:00:00Z", v.Interface())

	_, err = FromInterface(nil)
	assert.Error(t, err)

	_, err = FromInterface([]int{1})
	assert.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	values := []Value{
		{},
		Int(9007199254740993),
		Number(12.5),
		Number(100),
		Time(time.Date(2023, 7, 4, 12, 30, 0, 500, time.FixedZone("x", 3600))),
		String("2024-05-01T00:00:00Z"),
		String("cursor-0042"),
	}
	for _, v := range values {
		data, err := json.Marshal(v)
		require.NoError(t, err)

		var got Value
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, v, got, "round trip of %s", data)
	}
}

func TestMax(t *testing.T) {
	assert.Equal(t, Int(7), Max(Int(5), Int(7)))
	assert.Equal(t, Int(7), Max(Int(7), Value{}))
	assert.Equal(t, Int(1), Max(Int(1), String("x")))
}
