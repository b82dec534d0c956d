package geo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const amapDefaultURL = "https://restapi.amap.com"

type AMap struct {
	Key     string
	BaseURL string
	Client  *http.Client
}

func NewAMap(key, baseURL string, client *http.Client) *AMap {
	if baseURL == "" {
		baseURL = amapDefaultURL
	}
	return &AMap{Key: key, BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

type amapResponse struct {
	Status    string `json:"status"`
	Info      string `json:"info"`
	Regeocode struct {
		// a string, or [] when nothing is there
		FormattedAddress json.RawMessage `json:"formatted_address"`
	} `json:"regeocode"`
}

func (a *AMap) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	q := url.Values{}
	q.Set("key", a.Key)
	// AMap takes longitude first
	q.Set("location", strconv.FormatFloat(lon, 'f', 6, 64)+","+strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("radius", "2000")

	req, err := http.NewRequest(http.MethodGet, a.BaseURL+"/v3/geocode/regeo?"+q.Encode(), nil)
	if err != nil {
		return "", lookupErr("build request: %v", err)
	}

	var body amapResponse
	if err := getJSON(ctx, a.Client, req, &body); err != nil {
		return "", err
	}
	if body.Status != "1" {
		return "", lookupErr("amap: %s", body.Info)
	}

	var addr string
	if err := json.Unmarshal(body.Regeocode.FormattedAddress, &addr); err != nil || addr == "" {
		return "", lookupErr("amap: no address for %f,%f", lat, lon)
	}
	return addr, nil
}
