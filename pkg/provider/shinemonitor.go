package provider

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sunledger/sunledger/pkg/log"
	"github.com/sunledger/sunledger/pkg/retry"
	"github.com/sunledger/sunledger/pkg/types"
)

const (
	shinemonitorBaseURL  = "http://api.shinemonitor.com/public/"
	shinemonitorPageSize = 50
)

// Shinemonitor implements Client for the Shinemonitor public API, which signs
// every query string with a salted SHA-1.
type Shinemonitor struct {
	base
	cred       types.Credential
	companyKey string
	policy     retry.Policy
	secret     string
}

// NewShinemonitor returns a client for cred. cred.Password is the account's
// plain password; only its SHA-1 leaves the process.
func NewShinemonitor(cred types.Credential, opts Options) *Shinemonitor {
	baseURL := opts.ShinemonitorBaseURL
	if baseURL == "" {
		baseURL = shinemonitorBaseURL
	}
	return &Shinemonitor{
		base:       newBase(types.ProviderShinemonitor, opts.httpClient(), baseURL, 0, opts.Now),
		cred:       cred,
		companyKey: opts.ShinemonitorCompanyKey,
		policy:     opts.policy(10 * time.Second),
	}
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// shinemonitorAuthSign signs the auth action: sha1(salt + sha1(pwd) + params).
func shinemonitorAuthSign(salt, password, params string) string {
	return sha1Hex(salt + sha1Hex(password) + params)
}

// shinemonitorSign signs every other action: sha1(salt + secret + token + params).
func shinemonitorSign(salt, secret, token, params string) string {
	return sha1Hex(salt + secret + token + params)
}

func (s *Shinemonitor) salt() string {
	return strconv.FormatInt(s.now().UnixMilli(), 10)
}

type shinemonitorEnvelope struct {
	Err  int             `json:"err"`
	Desc string          `json:"desc"`
	Dat  json.RawMessage `json:"dat"`
}

// get sends a GET for the already assembled url and checks err == 0. A fresh
// salt and signature are produced for every attempt.
func (s *Shinemonitor) get(ctx context.Context, op string, buildURL func() string) (json.RawMessage, error) {
	body, err := s.send(ctx, op, s.policy, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, buildURL(), nil)
	})
	if err != nil {
		return nil, err
	}
	var env shinemonitorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &types.PermanentAPIError{Provider: s.provider, Op: op, Code: "bad_payload", Message: err.Error()}
	}
	if env.Err != 0 {
		return nil, &types.PermanentAPIError{Provider: s.provider, Op: op, Code: strconv.Itoa(env.Err), Message: env.Desc}
	}
	return env.Dat, nil
}

// Authenticate obtains the session secret and token.
func (s *Shinemonitor) Authenticate(ctx context.Context) (types.Token, error) {
	params := "&action=auth&usr=" + s.cred.Username + "&company-key=" + s.companyKey
	dat, err := s.get(ctx, "shinemonitor auth", func() string {
		salt := s.salt()
		sign := shinemonitorAuthSign(salt, s.cred.Password, params)
		return s.baseURL + "?sign=" + sign + "&salt=" + salt + params
	})
	if err != nil {
		return types.Token{}, &types.AuthError{Provider: s.provider, Err: err}
	}
	var res struct {
		Secret string `json:"secret"`
		Token  string `json:"token"`
		Expire any    `json:"expire"`
	}
	if err := json.Unmarshal(dat, &res); err != nil {
		return types.Token{}, &types.AuthError{Provider: s.provider, Err: fmt.Errorf("decode auth dat: %w", err)}
	}
	if res.Secret == "" {
		return types.Token{}, &types.AuthError{Provider: s.provider, Err: fmt.Errorf("auth response missing secret")}
	}
	tok, err := s.tokens.Set(res.Token, res.Expire)
	if err != nil {
		return types.Token{}, err
	}
	s.secret = res.Secret
	log.Ctx(ctx).InfoContext(ctx, "shinemonitor authenticated", slog.Time("expiresAt", tok.ExpiresAt))
	return tok, nil
}

// action runs a signed action. params starts with "&action=".
func (s *Shinemonitor) action(ctx context.Context, op, params string, dest any) error {
	if err := s.tokens.Ensure(ctx, s.Authenticate); err != nil {
		return err
	}
	token := s.tokens.Token().Value
	dat, err := s.get(ctx, op, func() string {
		salt := s.salt()
		sign := shinemonitorSign(salt, s.secret, token, params)
		return s.baseURL + "?sign=" + sign + "&salt=" + salt + "&token=" + token + params
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(dat, dest); err != nil {
		return &types.PermanentAPIError{Provider: s.provider, Op: op, Code: "bad_payload", Message: err.Error()}
	}
	return nil
}

type shinemonitorPlant struct {
	PID          any    `json:"pid"`
	Name         string `json:"name"`
	NominalPower any    `json:"nominalPower"`
	Install      string `json:"install"`
}

// ListPlants pages through the account's plants. Shinemonitor pages are
// zero-based.
func (s *Shinemonitor) ListPlants(ctx context.Context, _ types.Credential) ([]types.Plant, error) {
	rows, err := Paginate(ctx, shinemonitorPageSize, func(ctx context.Context, pageNo int) (Page[shinemonitorPlant], error) {
		var res struct {
			Total int                 `json:"total"`
			Plant []shinemonitorPlant `json:"plant"`
		}
		params := fmt.Sprintf("&action=queryPlants&pagesize=%d&page=%d", shinemonitorPageSize, pageNo-1)
		if err := s.action(ctx, "shinemonitor queryPlants", params, &res); err != nil {
			return Page[shinemonitorPlant]{}, err
		}
		return Page[shinemonitorPlant]{Records: res.Plant, Total: res.Total}, nil
	})
	if err != nil {
		return nil, err
	}
	plants := make([]types.Plant, 0, len(rows))
	for _, p := range rows {
		plants = append(plants, types.Plant{
			ID:          idString(p.PID),
			Name:        p.Name,
			Capacity:    anyFloat(p.NominalPower),
			InstallDate: p.Install,
		})
	}
	return plants, nil
}

type shinemonitorDevice struct {
	SN      string `json:"sn"`
	PN      string `json:"pn"`
	DevCode any    `json:"devcode"`
	DevAddr any    `json:"devaddr"`
}

// ListDevices returns the dataloggers' inverters under a plant.
func (s *Shinemonitor) ListDevices(ctx context.Context, plantID string) ([]types.Device, error) {
	rows, err := Paginate(ctx, shinemonitorPageSize, func(ctx context.Context, pageNo int) (Page[shinemonitorDevice], error) {
		var res struct {
			Total  int                  `json:"total"`
			Device []shinemonitorDevice `json:"device"`
		}
		params := fmt.Sprintf("&action=queryDevices&plantid=%s&pagesize=%d&page=%d", plantID, shinemonitorPageSize, pageNo-1)
		if err := s.action(ctx, "shinemonitor queryDevices", params, &res); err != nil {
			return Page[shinemonitorDevice]{}, err
		}
		return Page[shinemonitorDevice]{Records: res.Device, Total: res.Total}, nil
	})
	if err != nil {
		return nil, err
	}
	devices := make([]types.Device, 0, len(rows))
	for _, d := range rows {
		devices = append(devices, types.Device{
			SN:        strings.TrimSpace(d.SN),
			PlantID:   plantID,
			ProductNo: d.PN,
			DevCode:   idString(d.DevCode),
			DevAddr:   idString(d.DevAddr),
		})
	}
	return devices, nil
}

type shinemonitorDay struct {
	Title []struct {
		Title string `json:"title"`
	} `json:"title"`
	Row []struct {
		Field []any `json:"field"`
	} `json:"row"`
}

func (s *Shinemonitor) deviceParams(d types.Device) string {
	return "&action=queryDeviceDataOneDay&i18n=en_US&pn=" + d.ProductNo +
		"&devcode=" + d.DevCode + "&devaddr=" + d.DevAddr + "&sn=" + d.SN
}

// FetchHistorical asks for one day of rows per request.
func (s *Shinemonitor) FetchHistorical(ctx context.Context, device types.Device, start, end time.Time) ([]types.RawRecord, error) {
	if device.SN == "" || device.ProductNo == "" {
		return nil, ErrMissingDeviceIDs
	}
	var records []types.RawRecord
	for _, day := range dayRange(start, end) {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		date := day.Format(time.DateOnly)
		var res shinemonitorDay
		params := s.deviceParams(device) + "&startDate=" + date + "&endDate=" + date
		if err := s.action(ctx, "shinemonitor queryDeviceDataOneDay", params, &res); err != nil {
			if types.IsPermanent(err) && !types.IsAuth(err) {
				log.Ctx(ctx).WarnContext(ctx, "shinemonitor day refused",
					slog.String("deviceSN", device.SN),
					slog.String("date", date),
					slog.Any("error", err),
				)
				continue
			}
			if ctx.Err() != nil {
				return records, err
			}
			return nil, err
		}
		rows := shinemonitorRows(res)
		log.Ctx(ctx).DebugContext(ctx, "shinemonitor rows received",
			slog.String("deviceSN", device.SN),
			slog.String("date", date),
			slog.Int("rows", len(rows)),
		)
		records = append(records, rows...)
	}
	return records, nil
}

// FetchRealtime returns today's (UTC) rows.
func (s *Shinemonitor) FetchRealtime(ctx context.Context, device types.Device) ([]types.RawRecord, error) {
	if device.SN == "" || device.ProductNo == "" {
		return nil, ErrMissingDeviceIDs
	}
	var res shinemonitorDay
	params := s.deviceParams(device) + "&date=" + s.now().UTC().Format(time.DateOnly)
	if err := s.action(ctx, "shinemonitor queryDeviceDataOneDay", params, &res); err != nil {
		return nil, err
	}
	return shinemonitorRows(res), nil
}

// shinemonitorRows zips titles and fields into records. The second field of
// every row is the sample time.
func shinemonitorRows(day shinemonitorDay) []types.RawRecord {
	titles := make([]string, len(day.Title))
	for i, t := range day.Title {
		titles[i] = CanonicalTitle(t.Title)
	}
	records := make([]types.RawRecord, 0, len(day.Row))
	for _, row := range day.Row {
		rec := make(types.RawRecord, len(titles)+1)
		for i, v := range row.Field {
			if i >= len(titles) || titles[i] == "" || titles[i] == "timestamp" {
				continue
			}
			if str, ok := v.(string); v == nil || (ok && str == "") {
				continue
			}
			rec[titles[i]] = v
		}
		if len(row.Field) > 1 && row.Field[1] != nil {
			rec["timestamp"] = idString(row.Field[1])
		}
		records = append(records, rec)
	}
	return records
}

// CanonicalTitle strips a trailing unit such as "(V)" and lower-cases a
// Shinemonitor column title so it can be looked up in the alias table.
func CanonicalTitle(title string) string {
	t := strings.TrimSpace(title)
	if strings.HasSuffix(t, ")") {
		if i := strings.LastIndex(t, "("); i > 0 {
			t = t[:i]
		}
	}
	return strings.ToLower(strings.TrimSpace(t))
}
