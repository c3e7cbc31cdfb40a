package provider

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunledger/sunledger/pkg/types"
)

func hexSHA1(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// signedParams returns the part of the raw query covered by the signature.
func signedParams(t *testing.T, r *http.Request) (salt, params string) {
	t.Helper()
	salt = r.URL.Query().Get("salt")
	_, params, ok := strings.Cut(r.URL.RawQuery, "&salt="+salt)
	require.True(t, ok)
	if tok := r.URL.Query().Get("token"); tok != "" {
		params = strings.TrimPrefix(params, "&token="+tok)
	}
	return salt, params
}

func shinemonitorServer(t *testing.T, dataHandler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/public/", r.URL.Path)
		q := r.URL.Query()
		salt, params := signedParams(t, r)
		if q.Get("action") == "auth" {
			assert.Equal(t, "user", q.Get("usr"))
			assert.Equal(t, "ck", q.Get("company-key"))
			assert.Equal(t, hexSHA1(salt+hexSHA1("pw")+params), q.Get("sign"))
			writeJSON(t, w, map[string]any{"err": 0, "dat": map[string]any{"secret": "sec", "token": "tok", "expire": 604800}})
			return
		}
		assert.Equal(t, "tok", q.Get("token"))
		assert.Equal(t, hexSHA1(salt+"sec"+"tok"+params), q.Get("sign"))
		dataHandler(w, r)
	}))
}

func shinemonitorCred() types.Credential {
	return types.Credential{ID: "c2", CustomerID: "cust", Provider: types.ProviderShinemonitor, Username: "user", Password: "pw"}
}

func TestShinemonitorSign(t *testing.T) {
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", sha1Hex("abc"))
	assert.Equal(t, hexSHA1("1"+hexSHA1("pw")+"&action=auth"), shinemonitorAuthSign("1", "pw", "&action=auth"))
	assert.Equal(t, hexSHA1("1sectok&action=x"), shinemonitorSign("1", "sec", "tok", "&action=x"))
}

func TestCanonicalTitle(t *testing.T) {
	assert.Equal(t, "pv1 input voltage", CanonicalTitle(" PV1 Input Voltage(V) "))
	assert.Equal(t, "grid frequency", CanonicalTitle("Grid frequency (Hz)"))
	assert.Equal(t, "timestamp", CanonicalTitle("Timestamp"))
	assert.Equal(t, "(v)", CanonicalTitle("(V)"))
}

func TestShinemonitor(t *testing.T) {
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	opts := func(ts *httptest.Server) Options {
		o := testOptions(ts, now)
		o.ShinemonitorCompanyKey = "ck"
		return o
	}

	t.Run("Authenticate", func(t *testing.T) {
		ts := shinemonitorServer(t, nil)
		defer ts.Close()

		c := NewShinemonitor(shinemonitorCred(), opts(ts))
		tok, err := c.Authenticate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok", tok.Value)
		assert.Equal(t, now.Add(604800*time.Second-TokenSafetyMargin), tok.ExpiresAt)
	})

	t.Run("Authenticate Refused", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, map[string]any{"err": 2, "desc": "ERR_PASSWORD"})
		}))
		defer ts.Close()

		c := NewShinemonitor(shinemonitorCred(), opts(ts))
		_, err := c.Authenticate(context.Background())
		assert.True(t, types.IsAuth(err))
	})

	t.Run("Plants Are Zero Based", func(t *testing.T) {
		var pages []string
		ts := shinemonitorServer(t, func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			require.Equal(t, "queryPlants", q.Get("action"))
			assert.Equal(t, "50", q.Get("pagesize"))
			pages = append(pages, q.Get("page"))
			plants := make([]map[string]any, 50)
			for i := range plants {
				plants[i] = map[string]any{"pid": i, "name": "p", "nominalPower": "5.5"}
			}
			if q.Get("page") == "1" {
				plants = plants[:10]
			}
			writeJSON(t, w, map[string]any{"err": 0, "dat": map[string]any{"total": 60, "plant": plants}})
		})
		defer ts.Close()

		c := NewShinemonitor(shinemonitorCred(), opts(ts))
		plants, err := c.ListPlants(context.Background(), shinemonitorCred())
		require.NoError(t, err)
		assert.Len(t, plants, 60)
		assert.Equal(t, []string{"0", "1"}, pages)
		assert.Equal(t, 5.5, plants[0].Capacity)
	})

	t.Run("Devices", func(t *testing.T) {
		ts := shinemonitorServer(t, func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			require.Equal(t, "queryDevices", q.Get("action"))
			assert.Equal(t, "9", q.Get("plantid"))
			writeJSON(t, w, map[string]any{"err": 0, "dat": map[string]any{
				"total":  1,
				"device": []map[string]any{{"sn": "SN1", "pn": "PN1", "devcode": 512, "devaddr": 1}},
			}})
		})
		defer ts.Close()

		c := NewShinemonitor(shinemonitorCred(), opts(ts))
		devices, err := c.ListDevices(context.Background(), "9")
		require.NoError(t, err)
		assert.Equal(t, []types.Device{{SN: "SN1", PlantID: "9", ProductNo: "PN1", DevCode: "512", DevAddr: "1"}}, devices)
	})

	day := map[string]any{
		"title": []map[string]any{{"title": "Serial number"}, {"title": "Timestamp"}, {"title": "PV1 Input voltage(V)"}, {"title": "Grid frequency(Hz)"}},
		"row": []map[string]any{
			{"field": []any{"SN1", "2024-05-01 10:00:00", "300.5", ""}},
			{"field": []any{"SN1", "2024-05-01 10:05:00", nil, "50.01"}},
		},
	}
	device := types.Device{SN: "SN1", ProductNo: "PN1", DevCode: "512", DevAddr: "1"}

	t.Run("Historical", func(t *testing.T) {
		var dates []string
		ts := shinemonitorServer(t, func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			require.Equal(t, "queryDeviceDataOneDay", q.Get("action"))
			assert.Equal(t, "PN1", q.Get("pn"))
			assert.Equal(t, "512", q.Get("devcode"))
			assert.Equal(t, q.Get("startDate"), q.Get("endDate"))
			dates = append(dates, q.Get("startDate"))
			if q.Get("startDate") == "2024-05-02" {
				writeJSON(t, w, map[string]any{"err": 12, "desc": "ERR_NO_RECORD"})
				return
			}
			writeJSON(t, w, map[string]any{"err": 0, "dat": day})
		})
		defer ts.Close()

		c := NewShinemonitor(shinemonitorCred(), opts(ts))
		recs, err := c.FetchHistorical(context.Background(), device, now.Add(-24*time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-05-01", "2024-05-02"}, dates)
		require.Len(t, recs, 2)
		assert.Equal(t, types.RawRecord{
			"serial number":     "SN1",
			"pv1 input voltage": "300.5",
			"timestamp":         "2024-05-01 10:00:00",
		}, recs[0])
		assert.Equal(t, "50.01", recs[1]["grid frequency"])
	})

	t.Run("Realtime", func(t *testing.T) {
		ts := shinemonitorServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "2024-05-02", r.URL.Query().Get("date"))
			writeJSON(t, w, map[string]any{"err": 0, "dat": day})
		})
		defer ts.Close()

		c := NewShinemonitor(shinemonitorCred(), opts(ts))
		recs, err := c.FetchRealtime(context.Background(), device)
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("Missing Device Ids", func(t *testing.T) {
		c := NewShinemonitor(shinemonitorCred(), Options{})
		_, err := c.FetchRealtime(context.Background(), types.Device{SN: "SN1"})
		assert.ErrorIs(t, err, ErrMissingDeviceIDs)
	})
}
