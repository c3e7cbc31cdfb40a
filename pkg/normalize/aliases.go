package normalize

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sunledger/sunledger/pkg/types"
)

//go:embed aliases.yaml
var defaultAliases []byte

// FaultRule turns a non-empty value under Key into a Fault.
type FaultRule struct {
	Key      string `yaml:"key"`
	Code     string `yaml:"code"`
	Severity string `yaml:"severity"`
}

// Table is the alias file as written.
type Table struct {
	Fields map[string][]string `yaml:"fields"`
	PV     struct {
		Voltage []string `yaml:"voltage"`
		Current []string `yaml:"current"`
	} `yaml:"pv"`
	State     []string                                `yaml:"state"`
	Providers map[types.Provider]map[string][]string `yaml:"providers"`
	Faults    []FaultRule                             `yaml:"faults"`
}

// DefaultTable returns the embedded alias table.
func DefaultTable() (Table, error) {
	return ParseTable(defaultAliases)
}

// ParseTable decodes an alias file. Unknown top-level keys are rejected so a
// typo does not silently drop a section.
func ParseTable(b []byte) (Table, error) {
	var t Table
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Table{}, fmt.Errorf("decode alias table: %w", err)
	}
	return t, nil
}

// LoadTable reads the embedded table and, when path is set, merges the file at
// path on top of it.
func LoadTable(path string) (Table, error) {
	t, err := DefaultTable()
	if err != nil {
		return Table{}, err
	}
	if path == "" {
		return t, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read alias overrides: %w", err)
	}
	o, err := ParseTable(b)
	if err != nil {
		return Table{}, err
	}
	return t.Merge(o), nil
}

// Merge returns t with every list named in o replaced by o's list. Fault rules
// in o replace rules with the same code and are otherwise appended.
func (t Table) Merge(o Table) Table {
	out := Table{
		Fields:    map[string][]string{},
		PV:        t.PV,
		State:     t.State,
		Providers: map[types.Provider]map[string][]string{},
		Faults:    slices.Clone(t.Faults),
	}
	for k, v := range t.Fields {
		out.Fields[k] = v
	}
	for k, v := range o.Fields {
		out.Fields[k] = v
	}
	if len(o.PV.Voltage) > 0 {
		out.PV.Voltage = o.PV.Voltage
	}
	if len(o.PV.Current) > 0 {
		out.PV.Current = o.PV.Current
	}
	if len(o.State) > 0 {
		out.State = o.State
	}
	for _, src := range []map[types.Provider]map[string][]string{t.Providers, o.Providers} {
		for p, fields := range src {
			if out.Providers[p] == nil {
				out.Providers[p] = map[string][]string{}
			}
			for k, v := range fields {
				out.Providers[p][k] = v
			}
		}
	}
	for _, r := range o.Faults {
		i := slices.IndexFunc(out.Faults, func(f FaultRule) bool { return f.Code == r.Code })
		if i >= 0 {
			out.Faults[i] = r
		} else {
			out.Faults = append(out.Faults, r)
		}
	}
	return out
}

// compiled is a Table with templates expanded and keys lower-cased.
type compiled struct {
	fields    map[string][]string
	providers map[types.Provider]map[string][]string
	state     []string
	faults    []FaultRule
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func expandPV(templates []string, n int) []string {
	r := strings.NewReplacer("{nn}", fmt.Sprintf("%02d", n), "{n}", strconv.Itoa(n))
	out := make([]string, len(templates))
	for i, tmpl := range templates {
		out[i] = r.Replace(tmpl)
	}
	return lowerAll(out)
}

func isExtension(field string) bool {
	return slices.Contains(types.ExtensionFields, field)
}

func (t Table) compile() (*compiled, error) {
	var probe types.DataPoint
	c := &compiled{
		fields:    map[string][]string{},
		providers: map[types.Provider]map[string][]string{},
		state:     lowerAll(t.State),
	}
	for field, aliases := range t.Fields {
		if probe.Field(field) == nil || isExtension(field) {
			return nil, fmt.Errorf("alias table: %q is not a common numeric field", field)
		}
		c.fields[field] = lowerAll(aliases)
	}
	for n := 1; n <= types.MaxPVStrings; n++ {
		c.fields[types.PVVoltageField(n)] = expandPV(t.PV.Voltage, n)
		c.fields[types.PVCurrentField(n)] = expandPV(t.PV.Current, n)
	}
	for p, fields := range t.Providers {
		if _, err := types.ParseProvider(string(p)); err != nil {
			return nil, fmt.Errorf("alias table: %w", err)
		}
		m := map[string][]string{}
		for field, aliases := range fields {
			if !isExtension(field) {
				return nil, fmt.Errorf("alias table: %q is not an extension field", field)
			}
			m[field] = lowerAll(aliases)
		}
		c.providers[p] = m
	}
	for _, r := range t.Faults {
		if r.Key == "" || r.Code == "" {
			return nil, fmt.Errorf("alias table: fault rule needs key and code")
		}
		r.Key = strings.ToLower(strings.TrimSpace(r.Key))
		c.faults = append(c.faults, r)
	}
	return c, nil
}
