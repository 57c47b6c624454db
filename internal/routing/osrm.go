package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-tracking/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string, timeout time.Duration) *OSRMClient {
	return &OSRMClient{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: timeout}}
}

// Route queries /route/v1/driving and returns the full GeoJSON geometry.
func (o *OSRMClient) Route(ctx context.Context, start, end models.LonLat) (*Route, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson",
		o.Endpoint, start.Lon, start.Lat, end.Lon, end.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("osrm: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var out struct {
		Routes []struct {
			Geometry json.RawMessage `json:"geometry"`
			Distance float64         `json:"distance"`
			Duration float64         `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return nil, fmt.Errorf("%w: osrm code %v", ErrNoRoute, out.Code)
	}
	r := out.Routes[0]
	return &Route{RouteData: r.Geometry, DistanceKm: r.Distance / 1000, DurationS: int(r.Duration)}, nil
}
