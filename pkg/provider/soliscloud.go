package provider

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
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
	solisCloudBaseURL     = "https://www.soliscloud.com:13333"
	solisCloudContentType = "application/json;charset=UTF-8"
	// the vendor's default station time zone (hours from UTC)
	solisCloudDefaultTZ = 5.5
)

// SolisCloud implements Client for the SolisCloud platform API. There is no
// session: every request carries an HMAC-SHA1 signature over its headers.
type SolisCloud struct {
	base
	cred      types.Credential
	policy    retry.Policy
	timeZones map[string]float64
}

// NewSolisCloud returns a client for cred. An unset rate delay means 600ms and
// anything below 100ms is raised to 100ms.
func NewSolisCloud(cred types.Credential, opts Options) *SolisCloud {
	baseURL := opts.SolisCloudBaseURL
	if baseURL == "" {
		baseURL = solisCloudBaseURL
	}
	delay := opts.SolisCloudRateDelay
	if delay == 0 {
		delay = defaultSolisCloudDelay
	}
	if delay < minSolisCloudDelay {
		delay = minSolisCloudDelay
	}
	cred.APIKey = strings.TrimSpace(cred.APIKey)
	cred.APISecret = strings.TrimSpace(cred.APISecret)
	return &SolisCloud{
		base:      newBase(types.ProviderSolisCloud, opts.httpClient(), baseURL, delay, opts.Now),
		cred:      cred,
		policy:    opts.policy(10 * time.Second),
		timeZones: map[string]float64{},
	}
}

// solisSign returns base64(hmac-sha1(secret, canonical)) where canonical is
// METHOD, Content-MD5, the bare content type, Date and path joined by
// newlines.
func solisSign(secret, method, contentMD5, contentType, date, path string) string {
	contentType, _, _ = strings.Cut(contentType, ";")
	canonical := strings.Join([]string{method, contentMD5, contentType, date, path}, "\n")
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func contentMD5(body []byte) string {
	sum := md5.Sum(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Authenticate only checks that a key pair is present; the signature replaces
// a session token.
func (c *SolisCloud) Authenticate(ctx context.Context) (types.Token, error) {
	if c.cred.APIKey == "" || c.cred.APISecret == "" {
		return types.Token{}, &types.AuthError{Provider: c.provider, Err: errors.New("missing api key or secret")}
	}
	return c.tokens.SetStatic(c.cred.APIKey), nil
}

type solisEnvelope struct {
	Success bool            `json:"success"`
	Code    any             `json:"code"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// call posts payload to /v1/api/<endpoint> and returns the data member of a
// successful response.
func (c *SolisCloud) call(ctx context.Context, endpoint string, payload any) (json.RawMessage, error) {
	if err := c.tokens.Ensure(ctx, c.Authenticate); err != nil {
		return nil, err
	}
	endpoint = strings.TrimLeft(endpoint, "/")
	path := "/v1/api/" + endpoint
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	op := "soliscloud " + endpoint

	resp, err := c.send(ctx, op, c.policy, func(ctx context.Context) (*http.Request, error) {
		req, err := c.newPostJSONRequest(ctx, path, nil, body)
		if err != nil {
			return nil, err
		}
		md5 := contentMD5(body)
		date := c.now().UTC().Format(http.TimeFormat)
		req.Header.Set("Content-Type", solisCloudContentType)
		req.Header.Set("Content-MD5", md5)
		req.Header.Set("Date", date)
		req.Header.Set("Timestamp", strconv.FormatInt(c.now().Unix(), 10))
		req.Header.Set("Authorization", "API "+c.cred.APIKey+":"+solisSign(c.cred.APISecret, http.MethodPost, md5, solisCloudContentType, date, path))
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	var env solisEnvelope
	if err := json.Unmarshal(resp, &env); err != nil {
		return nil, &types.PermanentAPIError{Provider: c.provider, Op: op, Code: "bad_payload", Message: err.Error()}
	}
	if code := idString(env.Code); !env.Success || code != "0" {
		if code == "" {
			code = "unknown"
		}
		return nil, &types.PermanentAPIError{Provider: c.provider, Op: op, Code: code, Message: env.Msg}
	}
	return env.Data, nil
}

type solisPage[T any] struct {
	Page struct {
		Records []T `json:"records"`
		Total   int `json:"total"`
	} `json:"page"`
}

type solisStation struct {
	ID          any    `json:"id"`
	StationName string `json:"stationName"`
	Capacity    any    `json:"capacity"`
	CreateDate  any    `json:"createDate"`
	TimeZone    any    `json:"timeZone"`
}

// ListPlants pages through userStationList and remembers each station's time
// zone for later inverterDay calls.
func (c *SolisCloud) ListPlants(ctx context.Context, _ types.Credential) ([]types.Plant, error) {
	rows, err := Paginate(ctx, DefaultPageSize, func(ctx context.Context, pageNo int) (Page[solisStation], error) {
		data, err := c.call(ctx, "userStationList", map[string]any{"pageNo": pageNo, "pageSize": DefaultPageSize})
		if err != nil {
			return Page[solisStation]{}, err
		}
		var res solisPage[solisStation]
		if err := json.Unmarshal(data, &res); err != nil {
			return Page[solisStation]{}, &types.PermanentAPIError{Provider: c.provider, Op: "userStationList", Code: "bad_payload", Message: err.Error()}
		}
		return Page[solisStation]{Records: res.Page.Records, Total: res.Page.Total}, nil
	})
	if err != nil {
		return nil, err
	}
	plants := make([]types.Plant, 0, len(rows))
	for _, st := range rows {
		id := idString(st.ID)
		tz := solisCloudDefaultTZ
		if st.TimeZone != nil {
			tz = anyFloat(st.TimeZone)
		}
		p := types.Plant{
			ID:       id,
			Name:     st.StationName,
			Capacity: anyFloat(st.Capacity),
			TimeZone: strconv.FormatFloat(tz, 'f', -1, 64),
		}
		if ms := anyFloat(st.CreateDate); ms > 0 {
			p.InstallDate = time.UnixMilli(int64(ms)).UTC().Format(time.DateOnly)
		}
		if id != "" {
			c.timeZones[id] = tz
		}
		plants = append(plants, p)
	}
	return plants, nil
}

type solisInverter struct {
	ID    any    `json:"id"`
	SN    string `json:"sn"`
	Model any    `json:"model"`
}

// ListDevices pages through a station's inverters.
func (c *SolisCloud) ListDevices(ctx context.Context, plantID string) ([]types.Device, error) {
	rows, err := Paginate(ctx, DefaultPageSize, func(ctx context.Context, pageNo int) (Page[solisInverter], error) {
		data, err := c.call(ctx, "inverterList", map[string]any{"stationId": plantID, "pageNo": pageNo, "pageSize": DefaultPageSize})
		if err != nil {
			return Page[solisInverter]{}, err
		}
		var res solisPage[solisInverter]
		if err := json.Unmarshal(data, &res); err != nil {
			return Page[solisInverter]{}, &types.PermanentAPIError{Provider: c.provider, Op: "inverterList", Code: "bad_payload", Message: err.Error()}
		}
		return Page[solisInverter]{Records: res.Page.Records, Total: res.Page.Total}, nil
	})
	if err != nil {
		return nil, err
	}
	devices := make([]types.Device, 0, len(rows))
	for _, inv := range rows {
		devices = append(devices, types.Device{
			SN:       strings.TrimSpace(inv.SN),
			PlantID:  plantID,
			VendorID: idString(inv.ID),
			Model:    idString(inv.Model),
		})
	}
	return devices, nil
}

// FetchHistorical requests inverterDay for every UTC day in the window.
func (c *SolisCloud) FetchHistorical(ctx context.Context, device types.Device, start, end time.Time) ([]types.RawRecord, error) {
	if device.SN == "" || device.VendorID == "" {
		return nil, ErrMissingDeviceIDs
	}
	tz, ok := c.timeZones[device.PlantID]
	if !ok {
		tz = solisCloudDefaultTZ
	}
	var records []types.RawRecord
	for _, day := range dayRange(start, end) {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		date := day.Format(time.DateOnly)
		rows, err := Paginate(ctx, DefaultPageSize, func(ctx context.Context, pageNo int) (Page[map[string]any], error) {
			data, err := c.call(ctx, "inverterDay", map[string]any{
				"id":       device.VendorID,
				"sn":       device.SN,
				"time":     date,
				"timeZone": tz,
				"pageNo":   pageNo,
				"money":    "INR",
				"pageSize": DefaultPageSize,
			})
			if err != nil {
				return Page[map[string]any]{}, err
			}
			return c.dayPage(ctx, device.SN, date, data), nil
		})
		if err != nil {
			if types.IsPermanent(err) && !types.IsAuth(err) {
				log.Ctx(ctx).WarnContext(ctx, "soliscloud day refused",
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
		records = append(records, dayRecords(ctx, device.SN, date, rows)...)
	}
	return records, nil
}

// dayPage decodes inverterDay data, which is either a bare list (the whole
// day) or a page with a total.
func (c *SolisCloud) dayPage(ctx context.Context, sn, date string, data json.RawMessage) Page[map[string]any] {
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err == nil {
		return Page[map[string]any]{Records: rows, Total: len(rows)}
	}
	var paged solisPage[map[string]any]
	if err := json.Unmarshal(data, &paged); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "soliscloud inverterDay data is neither a list nor a page",
			slog.String("deviceSN", sn),
			slog.String("date", date),
		)
		return Page[map[string]any]{}
	}
	return Page[map[string]any]{Records: paged.Page.Records, Total: paged.Page.Total}
}

func dayRecords(ctx context.Context, sn, date string, rows []map[string]any) []types.RawRecord {
	records := make([]types.RawRecord, 0, len(rows))
	for _, row := range rows {
		ts, ok := solisTimestamp(row["dataTimestamp"])
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "soliscloud record missing dataTimestamp", slog.String("deviceSN", sn), slog.String("date", date))
			continue
		}
		rec := types.RawRecord(row)
		rec["timestamp"] = ts
		records = append(records, rec)
	}
	return records
}

// FetchRealtime reads inverterDetail. If the detail carries no dataTimestamp
// it is stamped with now.
func (c *SolisCloud) FetchRealtime(ctx context.Context, device types.Device) ([]types.RawRecord, error) {
	if device.SN == "" || device.VendorID == "" {
		return nil, ErrMissingDeviceIDs
	}
	data, err := c.call(ctx, "inverterDetail", map[string]any{"id": device.VendorID, "sn": device.SN})
	if err != nil {
		return nil, err
	}
	var detail map[string]any
	if err := json.Unmarshal(data, &detail); err != nil || detail == nil {
		return nil, &types.PermanentAPIError{Provider: c.provider, Op: "inverterDetail", Code: "bad_payload", Message: "detail is not an object"}
	}
	rec := types.RawRecord(detail)
	ts, ok := solisTimestamp(detail["dataTimestamp"])
	if !ok {
		ts = c.now().UTC().Format(types.TimestampLayout)
	}
	rec["timestamp"] = ts
	return []types.RawRecord{rec}, nil
}

// solisTimestamp converts a millisecond dataTimestamp (number or string).
func solisTimestamp(v any) (string, bool) {
	ms := int64(anyFloat(v))
	if ms <= 0 {
		return "", false
	}
	return time.UnixMilli(ms).UTC().Format(types.TimestampLayout), true
}
