package timex

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime_Inputs(t *testing.T) {
	want := time.Date(2024, 3, 15, 13, 45, 30, 0, time.UTC)

	tests := []struct {
		name string
		raw  interface{}
	}{
		{"time", want.Add(400 * time.Millisecond)},
		{"zoned time", want.In(time.FixedZone("x", 5*3600))},
		{"epoch int64", want.Unix()},
		{"epoch int", int(want.Unix())},
		{"epoch float", float64(want.Unix()) + 0.9},
		{"json number", json.Number("1710510330")},
		{"rfc2822", "Fri, 15 Mar 2024 13:45:30 +0000"},
		{"rfc2822 no dow", "15 Mar 2024 08:45:30 -0500"},
		{"rfc2822 gmt", "Fri, 15 Mar 2024 13:45:30 GMT"},
		{"iso8601 z", "2024-03-15T13:45:30Z"},
		{"iso8601 offset", "2024-03-15T15:45:30+02:00"},
		{"iso8601 fraction", "2024-03-15T13:45:30.250Z"},
		{"iso8601 no zone", "2024-03-15T13:45:30"},
		{"general", "2024-03-15 13:45:30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTime(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseTime_Invalid(t *testing.T) {
	for _, raw := range []interface{}{"", "not a date", []byte("x"), struct{}{}, (*time.Time)(nil)} {
		_, err := ParseTime(raw)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidDateTime), "raw=%v err=%v", raw, err)
	}
}

func TestTodValue(t *testing.T) {
	tests := []struct {
		hour, minute int
		want         float64
	}{
		{0, 0, 0},
		{0, 1, 0.01},
		{9, 30, 9.5},
		{13, 45, 13.75},
		{12, 59, 12.98},
		{23, 59, 23.98},
	}
	for _, tt := range tests {
		got, err := TodValue(tt.hour, tt.minute)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, 1e-9, "%02d:%02d", tt.hour, tt.minute)
	}

	for _, bad := range [][2]int{{-1, 0}, {24, 0}, {0, 60}, {5, -1}} {
		_, err := TodValue(bad[0], bad[1])
		assert.True(t, errors.Is(err, ErrInvalidTimeOfDay))
	}
}

func TestTimeOfDay_RangeAndRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	zones := []*time.Location{nil, time.UTC, time.FixedZone("e", 5*3600+1800), time.FixedZone("w", -8*3600)}

	for i := 0; i < 2000; i++ {
		ts := time.Unix(rng.Int63n(4102444800), 0).UTC()
		for _, loc := range zones {
			tod := TimeOfDay(ts, loc)
			require.GreaterOrEqual(t, tod, 0.0)
			require.LessOrEqual(t, tod, MaxTimeOfDay)

			wd := DayOfWeek(ts, loc)
			require.GreaterOrEqual(t, NumericWeekDay(wd), 0)

			local := In(ts, loc)
			back := ChangeToTimeOfDay(local, TimeOfDay(local, local.Location()))
			require.True(t, local.Truncate(time.Minute).Equal(back), "ts=%v back=%v", local, back)
		}
	}
}

func TestDayOfWeek_Zone(t *testing.T) {
	// Monday 02:00 UTC is still Sunday in New York style offsets
	ts := time.Date(2024, 3, 18, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Monday, DayOfWeek(ts, nil))
	assert.Equal(t, time.Sunday, DayOfWeek(ts, time.FixedZone("est", -5*3600)))
}

func TestNumericWeekDay_Order(t *testing.T) {
	for i, wd := range DaysOfWeek {
		assert.Equal(t, i, NumericWeekDay(wd))
	}
	wd, err := ParseWeekday("THR")
	require.NoError(t, err)
	assert.Equal(t, time.Thursday, wd)
	_, err = ParseWeekday("someday")
	assert.Error(t, err)
}

func TestValidateTod(t *testing.T) {
	assert.NoError(t, ValidateTod(0))
	assert.NoError(t, ValidateTod(23.99))
	assert.Error(t, ValidateTod(24))
	assert.Error(t, ValidateTod(-0.01))
}

func TestParseZone(t *testing.T) {
	for in, offset := range map[string]int{
		"Z":      0,
		"+05:00": 5 * 3600,
		"-0800":  -8 * 3600,
		"+5":     5 * 3600,
		"+0530":  5*3600 + 30*60,
	} {
		loc, err := ParseZone(in)
		require.NoError(t, err, in)
		_, got := time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Zone()
		assert.Equal(t, offset, got, in)
	}
	_, err := ParseZone("+99:00")
	assert.Error(t, err)
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3, DaysBetween(a, a.Add(80*time.Hour)))
	assert.Equal(t, 3, DaysBetween(a.Add(80*time.Hour), a))
}

func TestCompressors(t *testing.T) {
	base := func(h, m, s int) time.Time { return time.Date(2024, 5, 17, h, m, s, 0, time.UTC) }

	tests := []struct {
		name string
		c    Compressor
		in   time.Time
		want time.Time
	}{
		{"quarter minute down", NearestQuarterMinute, base(10, 0, 7), base(10, 0, 0)},
		{"quarter minute up", NearestQuarterMinute, base(10, 0, 53), base(10, 1, 0)},
		{"half minute", NearestHalfMinute, base(10, 0, 44), base(10, 0, 30)},
		{"half minute midpoint", NearestHalfMinute, base(10, 0, 45), base(10, 1, 0)},
		{"start of minute", StartOfMinute, base(10, 7, 59), base(10, 7, 0)},
		{"quarter hour", NearestQuarterHour, base(10, 22, 29), base(10, 15, 0)},
		{"quarter hour midpoint", NearestQuarterHour, base(10, 22, 30), base(10, 30, 0)},
		{"half hour into next hour", NearestHalfHour, base(10, 50, 0), base(11, 0, 0)},
		{"start of hour", StartOfHour, base(10, 59, 59), base(10, 0, 0)},
		{"half day morning", HalfDay, base(11, 59, 0), base(0, 0, 0)},
		{"half day afternoon", HalfDay, base(12, 0, 0), base(12, 0, 0)},
		{"half day rollover", HalfDay, base(23, 45, 0), base(0, 0, 0).AddDate(0, 0, 1)},
		{"start of day", StartOfDay, base(23, 44, 59), base(0, 0, 0)},
		{"start of day rollover", StartOfDay, base(23, 50, 0), base(0, 0, 0).AddDate(0, 0, 1)},
		{"start of month", StartOfMonth, base(8, 9, 10), time.Date(2024, 5, 1, 8, 9, 10, 0, time.UTC)},
		{"start of quarter", StartOfQuarter, base(8, 9, 10), time.Date(2024, 4, 1, 8, 9, 10, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.c.Compress(tt.in))
		})
	}
}

func TestRounding_NegativeMidpoint(t *testing.T) {
	assert.Equal(t, int64(7), rounding(-7, 15))
	assert.Equal(t, int64(-7), rounding(-8, 15))
	assert.Equal(t, int64(-15), rounding(-15, 30))
	assert.Equal(t, int64(15), rounding(15, 30))
	assert.Equal(t, int64(-7), rounding(7, 15))
}

func TestParseCompressor(t *testing.T) {
	c, err := ParseCompressor("quarter_minute, start_of_day")
	require.NoError(t, err)
	require.Len(t, c.(Composite), 2)

	in := time.Date(2024, 5, 17, 23, 44, 53, 0, time.UTC)
	// 23:44:53 rounds to 23:45:00, which then rolls over to the next day
	assert.Equal(t, time.Date(2024, 5, 18, 0, 0, 0, 0, time.UTC), c.Compress(in))

	c, err = ParseCompressor("")
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = ParseCompressor("start_of_century")
	assert.True(t, errors.Is(err, ErrInvalidCompression))
	assert.Contains(t, CompressorNames(), "half_day")
}
