package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sunledger/sunledger/pkg/log"
	"github.com/sunledger/sunledger/pkg/retry"
	"github.com/sunledger/sunledger/pkg/types"
)

const (
	solarmanBaseURL   = "https://globalapi.solarmanpv.com"
	solarmanTokenPath = "/account/v1.0/token"

	// samples younger than this are still being aggregated by the vendor
	solarmanRecentCutoff = 5 * time.Minute
)

// Solarman implements Client for the Solarman OpenAPI: bearer-token JSON.
type Solarman struct {
	base
	cred        types.Credential
	tokenPolicy retry.Policy
	dataPolicy  retry.Policy
}

// NewSolarman returns a client for cred. cred.Password must already be the
// SHA-256 hex digest the vendor expects.
func NewSolarman(cred types.Credential, opts Options) *Solarman {
	baseURL := opts.SolarmanBaseURL
	if baseURL == "" {
		baseURL = solarmanBaseURL
	}
	return &Solarman{
		base:        newBase(types.ProviderSolarman, opts.httpClient(), baseURL, 0, opts.Now),
		cred:        cred,
		tokenPolicy: opts.policy(10 * time.Second),
		dataPolicy:  opts.policy(20 * time.Second),
	}
}

type solarmanEnvelope struct {
	Success bool   `json:"success"`
	Code    any    `json:"code"`
	Msg     string `json:"msg"`
}

// Authenticate exchanges the app id/secret and account for an access token.
func (s *Solarman) Authenticate(ctx context.Context) (types.Token, error) {
	payload, err := json.Marshal(struct {
		AppSecret string `json:"appSecret"`
		Email     string `json:"email"`
		Password  string `json:"password"`
	}{
		AppSecret: s.cred.APISecret,
		Email:     s.cred.Username,
		Password:  s.cred.Password,
	})
	if err != nil {
		return types.Token{}, err
	}
	params := url.Values{"appId": {s.cred.APIKey}}

	body, err := s.send(ctx, "solarman token", s.tokenPolicy, func(ctx context.Context) (*http.Request, error) {
		return s.newPostJSONRequest(ctx, solarmanTokenPath, params, payload)
	})
	if err != nil {
		return types.Token{}, &types.AuthError{Provider: s.provider, Err: err}
	}

	var res struct {
		solarmanEnvelope
		AccessToken string `json:"access_token"`
		ExpiresIn   any    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return types.Token{}, &types.AuthError{Provider: s.provider, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if !res.Success {
		return types.Token{}, &types.AuthError{Provider: s.provider, Err: &types.PermanentAPIError{
			Provider: s.provider,
			Op:       "token",
			Code:     idString(res.Code),
			Message:  res.Msg,
		}}
	}
	tok, err := s.tokens.Set(res.AccessToken, res.ExpiresIn)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "solarman token response unusable", slog.Any("error", err))
		return types.Token{}, err
	}
	log.Ctx(ctx).InfoContext(ctx, "solarman access token obtained", slog.Time("expiresAt", tok.ExpiresAt))
	return tok, nil
}

// call posts payload to endpoint with the bearer token and decodes a
// successful envelope into dest. A 401 drops the token, re-authenticates and
// replays the request once.
func (s *Solarman) call(ctx context.Context, op, endpoint string, payload any, dest any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var body []byte
	for attempt := 0; ; attempt++ {
		body, err = s.post(ctx, op, endpoint, raw)
		var pe *types.PermanentAPIError
		if err == nil || attempt > 0 || types.IsAuth(err) || !errors.As(err, &pe) || pe.Code != "http_401" {
			break
		}
		log.Ctx(ctx).DebugContext(ctx, "solarman token rejected, re-authenticating", slog.String("op", op))
		s.tokens.Invalidate()
	}
	if err != nil {
		return err
	}

	var env solarmanEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &types.PermanentAPIError{Provider: s.provider, Op: op, Code: "bad_payload", Message: err.Error()}
	}
	if !env.Success {
		return &types.PermanentAPIError{Provider: s.provider, Op: op, Code: idString(env.Code), Message: env.Msg}
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return &types.PermanentAPIError{Provider: s.provider, Op: op, Code: "bad_payload", Message: err.Error()}
	}
	return nil
}

func (s *Solarman) post(ctx context.Context, op, endpoint string, raw []byte) ([]byte, error) {
	if err := s.tokens.Ensure(ctx, s.Authenticate); err != nil {
		return nil, err
	}
	params := url.Values{"language": {"en"}}
	return s.send(ctx, op, s.dataPolicy, func(ctx context.Context) (*http.Request, error) {
		req, err := s.newPostJSONRequest(ctx, endpoint, params, raw)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+s.tokens.Token().Value)
		return req, nil
	})
}

type solarmanStation struct {
	ID                 any    `json:"id"`
	Name               string `json:"name"`
	InstalledCapacity  any    `json:"installedCapacity"`
	StartOperatingTime any    `json:"startOperatingTime"`
	RegionTimezone     string `json:"regionTimezone"`
}

// ListPlants pages through the account's stations.
func (s *Solarman) ListPlants(ctx context.Context, _ types.Credential) ([]types.Plant, error) {
	stations, err := Paginate(ctx, DefaultPageSize, func(ctx context.Context, pageNo int) (Page[solarmanStation], error) {
		var res struct {
			Total       int               `json:"total"`
			StationList []solarmanStation `json:"stationList"`
		}
		payload := map[string]any{"page": pageNo, "size": DefaultPageSize}
		if err := s.call(ctx, "solarman station list", "/station/v1.0/list", payload, &res); err != nil {
			return Page[solarmanStation]{}, err
		}
		return Page[solarmanStation]{Records: res.StationList, Total: res.Total}, nil
	})
	if err != nil {
		return nil, err
	}
	plants := make([]types.Plant, 0, len(stations))
	for _, st := range stations {
		p := types.Plant{
			ID:       idString(st.ID),
			Name:     st.Name,
			Capacity: anyFloat(st.InstalledCapacity),
			TimeZone: st.RegionTimezone,
		}
		if secs := anyFloat(st.StartOperatingTime); secs > 0 {
			p.InstallDate = time.Unix(int64(secs), 0).UTC().Format("2006-01-02")
		}
		plants = append(plants, p)
	}
	return plants, nil
}

type solarmanDevice struct {
	DeviceSN   string `json:"deviceSn"`
	DeviceID   any    `json:"deviceId"`
	DeviceType string `json:"deviceType"`
}

// ListDevices returns the inverters of a station.
func (s *Solarman) ListDevices(ctx context.Context, plantID string) ([]types.Device, error) {
	items, err := Paginate(ctx, DefaultPageSize, func(ctx context.Context, pageNo int) (Page[solarmanDevice], error) {
		var res struct {
			Total           int              `json:"total"`
			DeviceListItems []solarmanDevice `json:"deviceListItems"`
			DeviceList      []solarmanDevice `json:"deviceList"`
		}
		payload := map[string]any{
			"stationId":  numericID(plantID),
			"deviceType": "INVERTER",
			"page":       pageNo,
			"size":       DefaultPageSize,
		}
		if err := s.call(ctx, "solarman station devices", "/station/v1.0/device", payload, &res); err != nil {
			return Page[solarmanDevice]{}, err
		}
		list := res.DeviceListItems
		if len(list) == 0 {
			list = res.DeviceList
		}
		return Page[solarmanDevice]{Records: list, Total: res.Total}, nil
	})
	if err != nil {
		return nil, err
	}
	devices := make([]types.Device, 0, len(items))
	for _, d := range items {
		typ := d.DeviceType
		if typ == "" {
			typ = "INVERTER"
		}
		devices = append(devices, types.Device{
			SN:       strings.TrimSpace(d.DeviceSN),
			PlantID:  plantID,
			Type:     typ,
			VendorID: idString(d.DeviceID),
		})
	}
	return devices, nil
}

type solarmanDataItem struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type solarmanFrame struct {
	CollectTime any                `json:"collectTime"`
	DataList    []solarmanDataItem `json:"dataList"`
}

// FetchHistorical requests frame data one UTC day at a time. A day the vendor
// refuses is logged and skipped.
func (s *Solarman) FetchHistorical(ctx context.Context, device types.Device, start, end time.Time) ([]types.RawRecord, error) {
	if device.SN == "" {
		return nil, ErrMissingDeviceIDs
	}
	now := s.now().UTC()
	if end.After(now) {
		end = now
	}
	if start.After(end) {
		return nil, fmt.Errorf("solarman historical: start %s after end %s", start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	typ := device.Type
	if typ == "" {
		typ = "INVERTER"
	}

	var records []types.RawRecord
	for _, day := range dayRange(start, end) {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		date := day.Format(time.DateOnly)
		var res struct {
			ParamDataList []solarmanFrame `json:"paramDataList"`
		}
		payload := map[string]any{
			"deviceSn":   device.SN,
			"deviceType": typ,
			"startTime":  date,
			"endTime":    date,
			"timeType":   1,
		}
		if err := s.call(ctx, "solarman historical", "/device/v1.0/historical", payload, &res); err != nil {
			if types.IsPermanent(err) && !types.IsAuth(err) {
				log.Ctx(ctx).WarnContext(ctx, "solarman day refused",
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
		for _, frame := range res.ParamDataList {
			if rec, ok := s.frameRecord(ctx, device.SN, frame, now); ok {
				records = append(records, rec)
			}
		}
	}
	return records, nil
}

func (s *Solarman) frameRecord(ctx context.Context, sn string, frame solarmanFrame, now time.Time) (types.RawRecord, bool) {
	ts, recent, err := solarmanCollectTime(frame.CollectTime, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "solarman frame has unusable collectTime", slog.String("deviceSN", sn), slog.Any("error", err))
		return nil, false
	}
	if recent {
		log.Ctx(ctx).DebugContext(ctx, "skipping recent solarman frame", slog.String("deviceSN", sn), slog.String("timestamp", ts))
		return nil, false
	}
	if len(frame.DataList) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "skipping empty solarman frame", slog.String("deviceSN", sn), slog.String("timestamp", ts))
		return nil, false
	}
	rec := solarmanItems(frame.DataList)
	rec["timestamp"] = ts
	return rec, true
}

// FetchRealtime reads the device's current data list. The vendor does not
// timestamp it, so the record is stamped with now.
func (s *Solarman) FetchRealtime(ctx context.Context, device types.Device) ([]types.RawRecord, error) {
	if device.SN == "" {
		return nil, ErrMissingDeviceIDs
	}
	payload := map[string]any{"deviceSn": device.SN}
	if device.VendorID != "" {
		payload["deviceId"] = numericID(device.VendorID)
	}
	var res struct {
		DataList []solarmanDataItem `json:"dataList"`
	}
	if err := s.call(ctx, "solarman current data", "/device/v1.0/currentData", payload, &res); err != nil {
		return nil, err
	}
	if len(res.DataList) == 0 {
		return nil, nil
	}
	rec := solarmanItems(res.DataList)
	rec["timestamp"] = s.now().UTC().Format(types.TimestampLayout)
	return []types.RawRecord{rec}, nil
}

func solarmanItems(items []solarmanDataItem) types.RawRecord {
	rec := make(types.RawRecord, len(items)+1)
	for _, item := range items {
		key := strings.ToLower(strings.TrimSpace(item.Key))
		if key == "" || key == "timestamp" {
			continue
		}
		rec[key] = item.Value
	}
	return rec
}

// solarmanCollectTime renders collectTime as a canonical timestamp. Epoch
// values longer than 10 digits are milliseconds. recent is only reported for
// epoch values, preformatted strings are taken as is.
func solarmanCollectTime(v any, now time.Time) (ts string, recent bool, err error) {
	var epoch float64
	switch t := v.(type) {
	case nil:
		return "", false, errors.New("missing collectTime")
	case float64:
		epoch = t
	case string:
		if parsed, perr := time.ParseInLocation(types.TimestampLayout, t, time.UTC); perr == nil {
			return parsed.Format(types.TimestampLayout), false, nil
		}
		f, perr := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if perr != nil {
			return "", false, &types.DataFormatError{Field: "collectTime", Value: t, Err: perr}
		}
		epoch = f
	default:
		return "", false, fmt.Errorf("unexpected collectTime type %T", v)
	}
	if epoch <= 0 {
		return "", false, &types.DataFormatError{Field: "collectTime", Value: fmt.Sprint(v), Err: errors.New("not positive")}
	}
	var at time.Time
	if len(strconv.FormatInt(int64(epoch), 10)) > 10 {
		at = time.UnixMilli(int64(epoch)).UTC()
	} else {
		at = time.Unix(int64(epoch), 0).UTC()
	}
	return at.Format(types.TimestampLayout), now.Sub(at) < solarmanRecentCutoff, nil
}
