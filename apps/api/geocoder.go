package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	mapboxDefaultBaseURL    = "https://api.mapbox.com"
	nominatimDefaultBaseURL = "https://nominatim.openstreetmap.org"
	nominatimMinInterval    = time.Second
	geocodeTimeout          = 30 * time.Second
)

type GeocodeResult struct {
	Address    string
	City       string
	PostalCode string
}

// Label joins the parts into the single line stored on a report.
func (r GeocodeResult) Label() string {
	parts := make([]string, 0, 3)
	for _, part := range []string{r.Address, r.PostalCode, r.City} {
		if trimmed := strings.TrimSpace(part); trimmed != "" && !containsString(parts, trimmed) {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, ", ")
}

// Geocoder turns coordinates into an address. A nil result with a nil error
// means nothing was found.
type Geocoder interface {
	Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error)
}

type MapboxGeocoder struct {
	AccessToken string
	BaseURL     string
	Client      *http.Client
}

func (g *MapboxGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	if g.AccessToken == "" {
		return nil, errors.New("mapbox access token missing")
	}

	query := url.Values{}
	query.Set("longitude", fmt.Sprintf("%f", lng))
	query.Set("latitude", fmt.Sprintf("%f", lat))
	query.Set("access_token", g.AccessToken)
	query.Set("types", "address")
	query.Set("limit", "1")
	u := valueOr(g.BaseURL, mapboxDefaultBaseURL) + "/search/geocode/v6/reverse?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClientOrDefault(g.Client).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("mapbox error (%d): %s", resp.StatusCode, string(body))
	}

	var data struct {
		Features []struct {
			Properties struct {
				FullAddress string `json:"full_address"`
				Context     struct {
					Place struct {
						Name string `json:"name"`
					} `json:"place"`
					Postcode struct {
						Name string `json:"name"`
					} `json:"postcode"`
				} `json:"context"`
			} `json:"properties"`
		} `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	if len(data.Features) == 0 {
		return nil, nil
	}

	feat := data.Features[0]
	return &GeocodeResult{
		Address:    feat.Properties.FullAddress,
		City:       feat.Properties.Context.Place.Name,
		PostalCode: feat.Properties.Context.Postcode.Name,
	}, nil
}

// NominatimGeocoder uses OpenStreetMap. The public instance allows one
// request per second and requires a User-Agent.
type NominatimGeocoder struct {
	UserAgent string
	BaseURL   string
	Client    *http.Client

	mu       sync.Mutex
	lastCall time.Time
}

func (g *NominatimGeocoder) throttle(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if wait := nominatimMinInterval - time.Since(g.lastCall); wait > 0 && !g.lastCall.IsZero() {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	g.lastCall = time.Now()
	return nil
}

func (g *NominatimGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	if err := g.throttle(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("format", "jsonv2")
	query.Set("lat", fmt.Sprintf("%f", lat))
	query.Set("lon", fmt.Sprintf("%f", lng))
	query.Set("addressdetails", "1")
	u := valueOr(g.BaseURL, nominatimDefaultBaseURL) + "/reverse?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", g.UserAgent)

	resp, err := httpClientOrDefault(g.Client).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nominatim error: %d", resp.StatusCode)
	}

	var data struct {
		DisplayName string `json:"display_name"`
		Address     struct {
			Road        string `json:"road"`
			HouseNumber string `json:"house_number"`
			City        string `json:"city"`
			Town        string `json:"town"`
			Village     string `json:"village"`
			Postcode    string `json:"postcode"`
		} `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}

	city := data.Address.City
	if city == "" {
		city = data.Address.Town
	}
	if city == "" {
		city = data.Address.Village
	}

	addr := data.Address.Road
	if data.Address.HouseNumber != "" {
		addr = strings.TrimSpace(data.Address.HouseNumber + " " + addr)
	}
	if addr == "" {
		addr = data.DisplayName
	}
	if addr == "" && city == "" {
		return nil, nil
	}

	return &GeocodeResult{Address: addr, City: city, PostalCode: data.Address.Postcode}, nil
}

// FallbackGeocoder asks Primary first and Secondary when Primary fails or
// finds nothing.
type FallbackGeocoder struct {
	Primary   Geocoder
	Secondary Geocoder
}

func (g *FallbackGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	res, err := g.Primary.Geocode(ctx, lat, lng)
	if err == nil && res != nil {
		return res, nil
	}
	if g.Secondary == nil {
		return res, err
	}
	return g.Secondary.Geocode(ctx, lat, lng)
}

func valueOr(value, fallback string) string {
	if trimmed := strings.TrimRight(strings.TrimSpace(value), "/"); trimmed != "" {
		return trimmed
	}
	return fallback
}

func httpClientOrDefault(client *http.Client) *http.Client {
	if client == nil {
		return http.DefaultClient
	}
	return client
}

// geocodeReport fills in the address of a report filed with coordinates
// only. Reports that already carry an address are left alone.
func (a *App) geocodeReport(ctx context.Context, reportID int) error {
	if a.geocoder == nil {
		return nil
	}
	report, err := a.store.GetReport(ctx, reportID)
	if err != nil {
		return err
	}
	if report == nil {
		return errReportNotFound
	}
	if report.Location == nil || (report.Address != nil && *report.Address != "") {
		return nil
	}

	res, err := a.geocoder.Geocode(ctx, report.Location.Lat, report.Location.Lng)
	if err != nil {
		return err
	}
	if res == nil || res.Label() == "" {
		return nil
	}

	a.log.Info("geocoded report", "report_id", reportID, "address", res.Address, "city", res.City)
	return a.store.SetReportAddress(ctx, reportID, res.Label())
}
