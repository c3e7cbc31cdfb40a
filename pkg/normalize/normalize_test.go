package normalize

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunledger/sunledger/pkg/types"
)

func newNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := Default()
	require.NoError(t, err)
	require.NoError(t, n.Check())
	return n
}

func TestNormalize(t *testing.T) {
	ctx := context.Background()
	n := newNormalizer(t)

	t.Run("Solarman Daytime", func(t *testing.T) {
		dp, ok := n.Normalize(ctx, types.RawRecord{
			"timestamp": "2025-01-01 12:00:00",
			"tpg":       500,
			"etdy_ge1":  12.3,
			"dv1":       30,
			"dc1":       5,
		}, types.ProviderSolarman)
		require.True(t, ok)

		want := types.DataPoint{Timestamp: "2025-01-01 12:00:00", State: "unknown"}
		want.TotalPower = 500
		want.EnergyToday = 12.3
		want.PVVoltage[0] = 30
		want.PVCurrent[0] = 5
		assert.Equal(t, want, *dp)
	})

	t.Run("Solarman Night", func(t *testing.T) {
		dp, ok := n.Normalize(ctx, types.RawRecord{
			"timestamp": "2025-01-01 20:00:00",
			"tpg":       500,
			"etdy_ge1":  12.3,
			"dv1":       30,
			"dc1":       5,
			"av1":       231.4,
		}, types.ProviderSolarman)
		require.True(t, ok)
		assert.Zero(t, dp.TotalPower)
		assert.Zero(t, dp.EnergyToday)
		assert.Zero(t, dp.PVVoltage[0])
		assert.Zero(t, dp.PVCurrent[0])
		// AC side is kept
		assert.Equal(t, 231.4, dp.RVoltage)
	})

	t.Run("Night Boundaries", func(t *testing.T) {
		for hour, night := range map[int]bool{0: true, 6: true, 7: false, 12: false, 18: false, 19: true, 23: true} {
			ts := time.Date(2025, 1, 1, hour, 30, 0, 0, time.UTC).Format(types.TimestampLayout)
			dp, ok := n.Normalize(ctx, types.RawRecord{"timestamp": ts, "pac": "4.5", "upv3": "300"}, types.ProviderSolisCloud)
			require.True(t, ok)
			if night {
				assert.Zero(t, dp.TotalPower, ts)
				assert.Zero(t, dp.PVVoltage[2], ts)
			} else {
				assert.Equal(t, 4.5, dp.TotalPower, ts)
				assert.Equal(t, 300.0, dp.PVVoltage[2], ts)
			}
		}
	})

	t.Run("Missing Timestamp", func(t *testing.T) {
		dp, ok := n.Normalize(ctx, types.RawRecord{"tpg": 500}, types.ProviderSolarman)
		assert.False(t, ok)
		assert.Nil(t, dp)
	})

	t.Run("Empty Timestamp Is Kept", func(t *testing.T) {
		for _, v := range []any{"", nil} {
			dp, ok := n.Normalize(ctx, types.RawRecord{"timestamp": v, "pac": 7}, types.ProviderSolisCloud)
			require.True(t, ok)
			assert.Empty(t, dp.Timestamp)
			assert.Equal(t, 7.0, dp.TotalPower)
		}
	})

	t.Run("Bad Timestamp Keeps Values", func(t *testing.T) {
		dp, ok := n.Normalize(ctx, types.RawRecord{"timestamp": "01/01/2025 22:00", "pac": 7}, types.ProviderSolisCloud)
		require.True(t, ok)
		assert.Equal(t, 7.0, dp.TotalPower)
	})

	t.Run("Default Fill", func(t *testing.T) {
		dp, ok := n.Normalize(ctx, types.RawRecord{"timestamp": "2025-01-01 12:00:00", "something": "else"}, types.ProviderShinemonitor)
		require.True(t, ok)
		for _, v := range dp.Values() {
			assert.Zero(t, v)
		}
		assert.Equal(t, "unknown", dp.State)
		assert.Empty(t, dp.Faults)
	})

	t.Run("Alias Order And Absent Values", func(t *testing.T) {
		dp, ok := n.Normalize(ctx, types.RawRecord{
			"timestamp":   "2025-01-01 12:00:00",
			"total_power": "",
			"pac":         "n/a",
			"tpg":         "42.5",
			"frequency":   0,
			"fac":         50,
		}, types.ProviderSolarman)
		require.True(t, ok)
		assert.Equal(t, 42.5, dp.TotalPower)
		// zero is a value, not absence
		assert.Zero(t, dp.Frequency)
	})

	t.Run("Case Insensitive Keys", func(t *testing.T) {
		dp, ok := n.Normalize(ctx, types.RawRecord{
			"timestamp":             "2025-01-01 12:00:00",
			"uPv12":                 610.5,
			"iPv12":                 "9.1",
			"uAc1":                  230,
			"storageBatteryVoltage": 51.2,
		}, types.ProviderSolisCloud)
		require.True(t, ok)
		assert.Equal(t, 610.5, dp.PVVoltage[11])
		assert.Equal(t, 9.1, dp.PVCurrent[11])
		assert.Equal(t, 230.0, dp.RVoltage)
		assert.Equal(t, 51.2, dp.BatteryVoltage)
	})

	t.Run("Extensions Only For Their Provider", func(t *testing.T) {
		raw := types.RawRecord{
			"timestamp":             "2025-01-01 12:00:00",
			"dpi_t1":                3.3,
			"storageBatteryVoltage": 51.2,
			"inverter_temperature":  40,
		}
		dp, _ := n.Normalize(ctx, raw, types.ProviderSolarman)
		assert.Equal(t, 3.3, dp.TotalDCInputPower)
		assert.Zero(t, dp.BatteryVoltage)
		assert.Zero(t, dp.InverterTemperature)

		dp, _ = n.Normalize(ctx, raw, types.ProviderSolisCloud)
		assert.Zero(t, dp.TotalDCInputPower)
		assert.Equal(t, 51.2, dp.BatteryVoltage)
		assert.Equal(t, 40.0, dp.InverterTemperature)

		dp, _ = n.Normalize(ctx, raw, types.ProviderShinemonitor)
		assert.Zero(t, dp.TotalDCInputPower)
		assert.Zero(t, dp.BatteryVoltage)
	})

	t.Run("Shinemonitor Titles", func(t *testing.T) {
		dp, ok := n.Normalize(ctx, types.RawRecord{
			"timestamp":               "2025-01-01 10:00:00",
			"serial number":           "SN1",
			"pv1 input voltage":       "300.5",
			"pv2 input current":       "8.2",
			"grid frequency":          "50.01",
			"grid line voltage rs":    "400",
			"inverter operation mode": "Grid",
			"fault information 1":     "Fan lock",
			"fault information 3":     "",
			"fault information 4":     "Isolation fault",
		}, types.ProviderShinemonitor)
		require.True(t, ok)
		assert.Equal(t, 300.5, dp.PVVoltage[0])
		assert.Equal(t, 8.2, dp.PVCurrent[1])
		assert.Equal(t, 50.01, dp.Frequency)
		assert.Equal(t, 400.0, dp.RSVoltage)
		assert.Equal(t, "Grid", dp.State)
		assert.Equal(t, []types.Fault{
			{Code: "FAULT_1", Description: "Fan lock", Severity: "medium"},
			{Code: "FAULT_4", Description: "Isolation fault", Severity: "high"},
		}, dp.Faults)
	})

	t.Run("State And Raw Faults", func(t *testing.T) {
		dp, ok := n.Normalize(ctx, types.RawRecord{
			"timestamp": "2025-01-01 10:00:00",
			"sn":        "INV9",
			"state":     float64(1),
			"faults": []any{
				map[string]any{"code": "E01", "description": "grid lost", "severity": "high"},
				"garbage",
			},
		}, types.ProviderSolisCloud)
		require.True(t, ok)
		assert.Equal(t, "1", dp.State)
		assert.Equal(t, "INV9", dp.DeviceSN)
		assert.Equal(t, []types.Fault{{Code: "E01", Description: "grid lost", Severity: "high"}}, dp.Faults)
	})
}

func TestToFloat(t *testing.T) {
	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{float64(1.5), 1.5, true},
		{int64(3), 3, true},
		{" 2.25 ", 2.25, true},
		{true, 1, true},
		{false, 0, true},
		{"", 0, false},
		{"abc", 0, false},
		{"NaN", 0, false},
		{nil, 0, false},
		{[]any{1}, 0, false},
	}
	for _, c := range cases {
		got, ok := toFloat(c.in)
		assert.Equal(t, c.ok, ok, "%#v", c.in)
		assert.Equal(t, c.want, got, "%#v", c.in)
	}
}

func TestTable(t *testing.T) {
	t.Run("Default Covers Every Field", func(t *testing.T) {
		tbl, err := DefaultTable()
		require.NoError(t, err)
		c, err := tbl.compile()
		require.NoError(t, err)
		for _, f := range types.NumericFields() {
			if isExtension(f) {
				continue
			}
			assert.NotEmpty(t, c.fields[f], f)
		}
		assert.Equal(t, []string{"pv07_voltage", "upv7", "dv7", "pv7 voltage", "pv7 input voltage", "string 7 voltage", "dc voltage 7"}, c.fields["pv07_voltage"])
		assert.Len(t, c.faults, 4)
	})

	t.Run("Rejects Unknown Field", func(t *testing.T) {
		_, err := New(Table{Fields: map[string][]string{"wattage": {"w"}}})
		assert.Error(t, err)

		_, err = New(Table{Providers: map[types.Provider]map[string][]string{"solarman": {"total_power": {"x"}}}})
		assert.Error(t, err)

		_, err = New(Table{Providers: map[types.Provider]map[string][]string{"growatt": {"battery_voltage": {"x"}}}})
		assert.Error(t, err)
	})

	t.Run("Rejects Unknown Section", func(t *testing.T) {
		_, err := ParseTable([]byte("feilds:\n  pr: [pr]\n"))
		assert.Error(t, err)
	})

	t.Run("Override File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "aliases.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
fields:
  pr: [performance_ratio]
providers:
  soliscloud:
    inverter_temperature: [inverterTemp]
faults:
  - key: fault information 1
    code: FAULT_1
    severity: low
  - key: alarm
    code: ALARM
    severity: high
`), 0o600))
		tbl, err := LoadTable(path)
		require.NoError(t, err)
		n, err := New(tbl)
		require.NoError(t, err)

		dp, ok := n.Normalize(context.Background(), types.RawRecord{
			"timestamp":             "2025-01-01 10:00:00",
			"pr":                    0.5,
			"performance_ratio":     0.8,
			"inverterTemp":          41,
			"storageBatteryVoltage": 50,
			"pac":                   2,
			"fault information 1":   "x",
			"alarm":                 "y",
		}, types.ProviderSolisCloud)
		require.True(t, ok)
		assert.Equal(t, 0.8, dp.PR)
		assert.Equal(t, 41.0, dp.InverterTemperature)
		assert.Equal(t, 50.0, dp.BatteryVoltage)
		assert.Equal(t, 2.0, dp.TotalPower)
		assert.Equal(t, []types.Fault{
			{Code: "FAULT_1", Description: "x", Severity: "low"},
			{Code: "ALARM", Description: "y", Severity: "high"},
		}, dp.Faults)
	})

	t.Run("Missing Override File", func(t *testing.T) {
		_, err := LoadTable(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestIsNight(t *testing.T) {
	assert.True(t, IsNight(time.Date(2025, 1, 1, 19, 0, 0, 0, time.UTC)))
	assert.True(t, IsNight(time.Date(2025, 1, 1, 6, 59, 59, 0, time.UTC)))
	assert.False(t, IsNight(time.Date(2025, 1, 1, 7, 0, 0, 0, time.UTC)))
	assert.False(t, IsNight(time.Date(2025, 1, 1, 18, 59, 59, 0, time.UTC)))
}
