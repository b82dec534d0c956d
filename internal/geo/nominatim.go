package geo

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const nominatimDefaultURL = "https://nominatim.openstreetmap.org"

// Nominatim asks the OSM reverse endpoint. Requests are spaced by at least
// MinInterval to stay inside the public usage policy.
type Nominatim struct {
	BaseURL     string
	Language    string
	UserAgent   string
	MinInterval time.Duration
	Client      *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

func NewNominatim(baseURL, language string, minInterval time.Duration, client *http.Client) *Nominatim {
	if baseURL == "" {
		baseURL = nominatimDefaultURL
	}
	if language == "" {
		language = "en"
	}
	return &Nominatim{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Language:    language,
		UserAgent:   "koktohay-api",
		MinInterval: minInterval,
		Client:      client,
	}
}

type nominatimResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

func (n *Nominatim) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	if err := n.throttle(ctx); err != nil {
		return "", lookupErr("throttle: %v", err)
	}

	u := fmt.Sprintf("%s/reverse?format=json&lat=%f&lon=%f", n.BaseURL, lat, lon)
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return "", lookupErr("build request: %v", err)
	}
	req.Header.Set("Accept-Language", n.Language)
	req.Header.Set("User-Agent", n.UserAgent)

	var body nominatimResponse
	if err := getJSON(ctx, n.Client, req, &body); err != nil {
		return "", err
	}
	if body.Error != "" {
		return "", lookupErr("nominatim: %s", body.Error)
	}
	if body.DisplayName == "" {
		return "", lookupErr("nominatim: no address for %f,%f", lat, lon)
	}
	return body.DisplayName, nil
}

func (n *Nominatim) throttle(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if wait := n.MinInterval - time.Since(n.lastRequest); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	n.lastRequest = time.Now()
	return nil
}
