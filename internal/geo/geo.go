package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Darmau/koktohay-api/internal/entities"
)

// Lookup resolves coordinates to a human readable address.
type Lookup interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

func lookupErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", entities.ErrLocationLookup, fmt.Sprintf(format, args...))
}

func getJSON(ctx context.Context, client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return lookupErr("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return lookupErr("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return lookupErr("decode response: %v", err)
	}
	return nil
}
