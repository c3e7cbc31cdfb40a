package types

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataPointFields(t *testing.T) {
	t.Run("Column Order", func(t *testing.T) {
		fields := NumericFields()
		require.Len(t, fields, 43)
		assert.Equal(t, "pv01_voltage", fields[0])
		assert.Equal(t, "pv01_current", fields[1])
		assert.Equal(t, "pv12_current", fields[23])
		assert.Equal(t, "inverter_temperature", fields[len(fields)-1])

		// callers can't mutate the shared list
		fields[0] = "nope"
		assert.Equal(t, "pv01_voltage", NumericFields()[0])
	})

	t.Run("Every Field Addressable", func(t *testing.T) {
		var dp DataPoint
		for i, name := range NumericFields() {
			p := dp.Field(name)
			require.NotNil(t, p, name)
			*p = float64(i + 1)
		}
		assert.Equal(t, 1.0, dp.PVVoltage[0])
		assert.Equal(t, 2.0, dp.PVCurrent[0])
		assert.Equal(t, 24.0, dp.PVCurrent[11])
		vals := dp.Values()
		for i, v := range vals {
			assert.Equal(t, float64(i+1), v)
		}
	})

	t.Run("Unknown Fields", func(t *testing.T) {
		var dp DataPoint
		for _, name := range []string{"", "pac", "pv00_voltage", "pv13_voltage", "pv1_voltage", "pv+1_voltage", "pv01_power", "state"} {
			assert.Nil(t, dp.Field(name), name)
		}
	})

	t.Run("Time", func(t *testing.T) {
		dp := DataPoint{Timestamp: "2025-01-01 12:00:00"}
		ts, err := dp.Time()
		require.NoError(t, err)
		assert.Equal(t, 12, ts.Hour())

		dp.Timestamp = "garbage"
		_, err = dp.Time()
		assert.Error(t, err)
	})
}

func TestRawRecordTimestamp(t *testing.T) {
	ts, ok := RawRecord{"timestamp": "2025-01-01 12:00:00"}.Timestamp()
	assert.True(t, ok)
	assert.Equal(t, "2025-01-01 12:00:00", ts)

	_, ok = RawRecord{"tpg": 1.0}.Timestamp()
	assert.False(t, ok)
	ts, ok = RawRecord{"timestamp": nil}.Timestamp()
	assert.True(t, ok)
	assert.Empty(t, ts)
	ts, ok = RawRecord{"timestamp": ""}.Timestamp()
	assert.True(t, ok)
	assert.Empty(t, ts)
}

func TestParseModeAndProvider(t *testing.T) {
	m, err := ParseMode("realtime")
	require.NoError(t, err)
	assert.Equal(t, ModeRealtime, m)
	_, err = ParseMode("daily")
	assert.Error(t, err)

	p, err := ParseProvider(" SolisCloud ")
	require.NoError(t, err)
	assert.Equal(t, ProviderSolisCloud, p)
	_, err = ParseProvider("growatt")
	assert.Error(t, err)
}

func TestCredentialValidate(t *testing.T) {
	tests := []struct {
		name    string
		cred    Credential
		wantErr string
	}{
		{
			name: "Solarman OK",
			cred: Credential{CustomerID: "c1", Provider: ProviderSolarman, Username: "a@b.c", Password: "hash", APIKey: "app", APISecret: "sec"},
		},
		{
			name:    "Solarman Missing App",
			cred:    Credential{CustomerID: "c1", Provider: ProviderSolarman, Username: "a@b.c", Password: "hash"},
			wantErr: "missing api_key, api_secret",
		},
		{
			name: "Shinemonitor OK",
			cred: Credential{CustomerID: "c1", Provider: ProviderShinemonitor, Username: "u", Password: "p"},
		},
		{
			name: "SolisCloud OK",
			cred: Credential{CustomerID: "c1", Provider: ProviderSolisCloud, APIKey: "k", APISecret: "s"},
		},
		{
			name:    "Missing Customer",
			cred:    Credential{Provider: ProviderSolisCloud, APIKey: "k", APISecret: "s"},
			wantErr: "CustomerID",
		},
		{
			name:    "Unknown Provider",
			cred:    Credential{CustomerID: "c1", Provider: "growatt"},
			wantErr: "Provider",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cred.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestCredentialLogValue(t *testing.T) {
	c := Credential{ID: "7", CustomerID: "c1", Provider: ProviderSolarman, Username: "u", Password: "topsecret", APISecret: "alsosecret"}
	s := c.LogValue().String()
	assert.Contains(t, s, "solarman")
	assert.NotContains(t, s, "topsecret")
	assert.NotContains(t, s, "alsosecret")
	assert.Equal(t, slog.KindGroup, c.LogValue().Kind())
}

func TestErrorClassification(t *testing.T) {
	transient := fmt.Errorf("wrapped: %w", &TransientError{Op: "list", StatusCode: 502})
	permanent := &PermanentAPIError{Provider: ProviderSolisCloud, Op: "inverterDay", Code: "B0115", Message: "no data"}
	auth := &AuthError{Provider: ProviderSolarman, Err: errors.New("expires_in missing")}

	assert.True(t, IsTransient(transient))
	assert.False(t, IsPermanent(transient))
	assert.True(t, IsPermanent(permanent))
	assert.False(t, IsTransient(permanent))
	assert.True(t, IsAuth(auth))
	assert.False(t, IsAuth(permanent))

	assert.Contains(t, transient.Error(), "502")
	assert.Contains(t, permanent.Error(), "B0115")

	rf := &RunFailure{CredentialID: "1", Provider: ProviderSolarman, Err: transient}
	assert.True(t, IsTransient(rf))
}
