package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	k, err := ParseKey("2024-06-15")
	require.NoError(t, err)
	assert.Equal(t, 2024, k.Year())
	assert.Equal(t, time.June, k.Month())
	assert.Equal(t, "2024-06-15", k.String())

	m, err := ParseKey("2024-06")
	require.NoError(t, err)
	assert.Equal(t, MonthStart(2024, time.June), m)
	assert.True(t, m.IsMonthStart())

	_, err = ParseKey("June 2024")
	assert.Error(t, err)
}

func TestKey_Ordering(t *testing.T) {
	assert.Less(t, int64(Date(2023, time.December, 31)), int64(Date(2024, time.January, 1)))
	assert.Equal(t, Key(0), Date(1970, time.January, 1))
	assert.Equal(t, Key(-1), Date(1969, time.December, 31))
}

func TestKey_AddMonths(t *testing.T) {
	k := Date(2024, time.November, 20)
	assert.Equal(t, MonthStart(2024, time.December), k.AddMonths(1))
	assert.Equal(t, MonthStart(2025, time.February), k.AddMonths(3))
	assert.Equal(t, MonthStart(2024, time.November), k.AddMonths(0))
}

func TestFromTime_TruncatesToUTCDate(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*60*60)
	ts := time.Date(2024, time.March, 1, 3, 0, 0, 0, loc) // 2024-02-29T18:00Z
	assert.Equal(t, "2024-02-29", FromTime(ts).String())
}

func TestBound_JSON(t *testing.T) {
	b, err := json.Marshal(At(MustParseKey("2024-01-01")))
	require.NoError(t, err)
	assert.Equal(t, `"2024-01-01"`, string(b))

	b, err = json.Marshal(Unbounded())
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))

	var decoded struct {
		Lower Bound `json:"lower"`
		Upper Bound `json:"upper"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"lower":"2024-06","upper":null}`), &decoded))
	k, finite := decoded.Lower.Key()
	assert.True(t, finite)
	assert.Equal(t, "2024-06-01", k.String())
	assert.True(t, decoded.Upper.IsUnbounded())

	// Missing fields stay unbounded.
	var empty struct {
		Lower Bound `json:"lower"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{}`), &empty))
	assert.True(t, empty.Lower.IsUnbounded())
}

func TestParseBound(t *testing.T) {
	for _, s := range []string{"", "*", "inf", "+inf", "-inf"} {
		b, err := ParseBound(s)
		require.NoError(t, err)
		assert.True(t, b.IsUnbounded(), s)
	}
	b, err := ParseBound("2024-09-01")
	require.NoError(t, err)
	assert.True(t, b.Equal(At(MustParseKey("2024-09-01"))))
}

func TestKeyRange_Contains(t *testing.T) {
	r := NewKeyRange(MustParseKey("2024-06-01"), At(MustParseKey("2024-07-01")))
	assert.True(t, r.Contains(MustParseKey("2024-06-01")))
	assert.True(t, r.Contains(MustParseKey("2024-06-30")))
	assert.False(t, r.Contains(MustParseKey("2024-07-01")))
	assert.False(t, r.Contains(MustParseKey("2024-05-31")))
	assert.Equal(t, int64(30), r.Span())

	catchAll := NewKeyRange(MustParseKey("2025-01-01"), Unbounded())
	assert.True(t, catchAll.Contains(MustParseKey("2199-01-01")))
	assert.Equal(t, int64(-1), catchAll.Span())
	assert.Equal(t, "[2025-01-01, +inf)", catchAll.String())
}

func TestKeyRange_Intersects(t *testing.T) {
	june := NewKeyRange(MustParseKey("2024-06-01"), At(MustParseKey("2024-07-01")))
	at := func(s string) Bound { return At(MustParseKey(s)) }

	tests := []struct {
		name         string
		lower, upper Bound
		want         bool
	}{
		{"inside", at("2024-06-10"), at("2024-06-20"), true},
		{"covers", at("2024-01-01"), at("2025-01-01"), true},
		{"ends at lower", at("2024-05-01"), at("2024-06-01"), false},
		{"starts at upper", at("2024-07-01"), at("2024-08-01"), false},
		{"touches first day", at("2024-05-01"), at("2024-06-02"), true},
		{"touches last day", at("2024-06-30"), at("2024-08-01"), true},
		{"unbounded lower", Unbounded(), at("2024-06-02"), true},
		{"unbounded lower before", Unbounded(), at("2024-06-01"), false},
		{"unbounded upper", at("2024-06-30"), Unbounded(), true},
		{"unbounded upper after", at("2024-07-01"), Unbounded(), false},
		{"full domain", Unbounded(), Unbounded(), true},
		{"empty inside", at("2024-06-10"), at("2024-06-10"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, june.Intersects(tt.lower, tt.upper))
		})
	}
}
