package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the canonical second-precision UTC timestamp format.
const TimestampLayout = "2006-01-02 15:04:05"

// MaxPVStrings is the number of PV string voltage/current pairs we keep.
const MaxPVStrings = 12

// Mode selects the lookback window and the destination table of a run.
type Mode string

const (
	ModeHistorical Mode = "historical"
	ModeRealtime   Mode = "realtime"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeHistorical, ModeRealtime:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode: %q", s)
}

// Token is a vendor session token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Plant is a vendor station. It only lives for the duration of a run.
type Plant struct {
	ID          string
	Name        string
	Capacity    float64
	InstallDate string
	TimeZone    string
}

// Device is an inverter under a plant. Only SN is guaranteed; the rest is
// vendor metadata needed to address data calls.
type Device struct {
	SN      string
	PlantID string
	Model   string
	Type    string

	// VendorID is the vendor's internal id (soliscloud id, solarman deviceId).
	VendorID string
	// ProductNo, DevCode and DevAddr address a shinemonitor datalogger slot.
	ProductNo string
	DevCode   string
	DevAddr   string
}

// RawRecord is one vendor sample keyed by vendor field names. The pipeline
// only relies on the "timestamp" key.
type RawRecord map[string]any

// Timestamp returns the record's timestamp key and whether it is present. A
// present key counts even when its value is null or empty.
func (r RawRecord) Timestamp() (string, bool) {
	v, ok := r["timestamp"]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return t, true
	default:
		return fmt.Sprint(t), true
	}
}

// Fault is an inverter fault reported alongside a sample.
type Fault struct {
	Code        string `json:"code" firestore:"code" yaml:"code"`
	Description string `json:"description" firestore:"description" yaml:"description"`
	Severity    string `json:"severity" firestore:"severity" yaml:"severity"`
}

// DataPoint is the canonical normalized sample. Every numeric field is always
// set, defaulting to 0.
type DataPoint struct {
	Timestamp string
	DeviceSN  string

	PVVoltage [MaxPVStrings]float64
	PVCurrent [MaxPVStrings]float64

	RVoltage float64
	SVoltage float64
	TVoltage float64
	RCurrent float64
	SCurrent float64
	TCurrent float64

	RSVoltage float64
	STVoltage float64
	TRVoltage float64

	Frequency     float64
	TotalPower    float64
	ReactivePower float64
	EnergyToday   float64
	PR            float64
	CUF           float64

	State  string
	Faults []Fault

	// provider extension fields
	TotalDCInputPower   float64
	BatteryVoltage      float64
	BatteryCurrent      float64
	InverterTemperature float64
}

// PVVoltageField returns the canonical name of the n-th (1-based) PV voltage.
func PVVoltageField(n int) string { return fmt.Sprintf("pv%02d_voltage", n) }

// PVCurrentField returns the canonical name of the n-th (1-based) PV current.
func PVCurrentField(n int) string { return fmt.Sprintf("pv%02d_current", n) }

// ExtensionFields are only populated for the provider that reports them.
var ExtensionFields = []string{
	"total_dc_input_power",
	"battery_voltage",
	"battery_current",
	"inverter_temperature",
}

var numericFields = func() []string {
	fields := make([]string, 0, 2*MaxPVStrings+19)
	for i := 1; i <= MaxPVStrings; i++ {
		fields = append(fields, PVVoltageField(i), PVCurrentField(i))
	}
	fields = append(fields,
		"r_voltage", "s_voltage", "t_voltage",
		"r_current", "s_current", "t_current",
		"rs_voltage", "st_voltage", "tr_voltage",
		"frequency", "total_power", "reactive_power", "energy_today", "pr", "cuf",
	)
	return append(fields, ExtensionFields...)
}()

// NumericFields returns every canonical numeric field in storage column order.
func NumericFields() []string {
	out := make([]string, len(numericFields))
	copy(out, numericFields)
	return out
}

// Field returns a pointer to the named numeric field, or nil if the name is
// not canonical.
func (d *DataPoint) Field(name string) *float64 {
	switch name {
	case "r_voltage":
		return &d.RVoltage
	case "s_voltage":
		return &d.SVoltage
	case "t_voltage":
		return &d.TVoltage
	case "r_current":
		return &d.RCurrent
	case "s_current":
		return &d.SCurrent
	case "t_current":
		return &d.TCurrent
	case "rs_voltage":
		return &d.RSVoltage
	case "st_voltage":
		return &d.STVoltage
	case "tr_voltage":
		return &d.TRVoltage
	case "frequency":
		return &d.Frequency
	case "total_power":
		return &d.TotalPower
	case "reactive_power":
		return &d.ReactivePower
	case "energy_today":
		return &d.EnergyToday
	case "pr":
		return &d.PR
	case "cuf":
		return &d.CUF
	case "total_dc_input_power":
		return &d.TotalDCInputPower
	case "battery_voltage":
		return &d.BatteryVoltage
	case "battery_current":
		return &d.BatteryCurrent
	case "inverter_temperature":
		return &d.InverterTemperature
	}
	rest, ok := strings.CutPrefix(name, "pv")
	if !ok || len(rest) < 3 || rest[0] < '0' || rest[0] > '9' {
		return nil
	}
	n, err := strconv.Atoi(rest[:2])
	if err != nil || n < 1 || n > MaxPVStrings {
		return nil
	}
	switch rest[2:] {
	case "_voltage":
		return &d.PVVoltage[n-1]
	case "_current":
		return &d.PVCurrent[n-1]
	}
	return nil
}

// Values returns the numeric fields in NumericFields order.
func (d *DataPoint) Values() []float64 {
	out := make([]float64, len(numericFields))
	for i, name := range numericFields {
		out[i] = *d.Field(name)
	}
	return out
}

// Time parses Timestamp in UTC.
func (d *DataPoint) Time() (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, d.Timestamp, time.UTC)
}
