package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeocodeResultLabel(t *testing.T) {
	assert.Equal(t, "Oudegracht 1, 3511 AA, Utrecht", GeocodeResult{Address: "Oudegracht 1", PostalCode: "3511 AA", City: "Utrecht"}.Label())
	assert.Equal(t, "Utrecht", GeocodeResult{Address: " Utrecht ", City: "Utrecht"}.Label())
	assert.Equal(t, "", GeocodeResult{}.Label())
}

func TestMapboxGeocoder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search/geocode/v6/reverse", r.URL.Path)
		assert.Equal(t, "token", r.URL.Query().Get("access_token"))
		assert.Equal(t, "5.120000", r.URL.Query().Get("longitude"))
		_, _ = w.Write([]byte(`{"features":[{"properties":{"full_address":"Neude 5","context":{"place":{"name":"Utrecht"},"postcode":{"name":"3512 AE"}}}}]}`))
	}))
	defer server.Close()

	g := &MapboxGeocoder{AccessToken: "token", BaseURL: server.URL + "/", Client: server.Client()}
	res, err := g.Geocode(context.Background(), 52.09, 5.12)
	require.NoError(t, err)
	assert.Equal(t, &GeocodeResult{Address: "Neude 5", City: "Utrecht", PostalCode: "3512 AE"}, res)

	_, err = (&MapboxGeocoder{}).Geocode(context.Background(), 0, 0)
	assert.Error(t, err, "token is required")
}

func TestMapboxGeocoderNoFeatures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"features":[]}`))
	}))
	defer server.Close()

	res, err := (&MapboxGeocoder{AccessToken: "token", BaseURL: server.URL}).Geocode(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestNominatimGeocoder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reverse", r.URL.Path)
		assert.Equal(t, "CivicReport-Test", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"display_name":"somewhere","address":{"road":"MG Road","house_number":"12","town":"Indiranagar","postcode":"560038"}}`))
	}))
	defer server.Close()

	g := &NominatimGeocoder{UserAgent: "CivicReport-Test", BaseURL: server.URL, Client: server.Client()}
	res, err := g.Geocode(context.Background(), 12.97, 77.64)
	require.NoError(t, err)
	assert.Equal(t, &GeocodeResult{Address: "12 MG Road", City: "Indiranagar", PostalCode: "560038"}, res)
}

func TestNominatimGeocoderErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := (&NominatimGeocoder{BaseURL: server.URL}).Geocode(context.Background(), 1, 1)
	assert.Error(t, err)
}

func TestNominatimThrottleHonoursContext(t *testing.T) {
	g := &NominatimGeocoder{}
	require.NoError(t, g.throttle(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.throttle(ctx), context.Canceled)
}

func TestFallbackGeocoder(t *testing.T) {
	found := &GeocodeResult{Address: "Main St"}

	tests := []struct {
		name          string
		primary       *stubGeocoder
		secondary     *stubGeocoder
		want          *GeocodeResult
		wantErr       bool
		wantSecondary int
	}{
		{name: "primary hit", primary: &stubGeocoder{result: found}, secondary: &stubGeocoder{}, want: found},
		{name: "primary error", primary: &stubGeocoder{err: errTestBoom}, secondary: &stubGeocoder{result: found}, want: found, wantSecondary: 1},
		{name: "primary empty", primary: &stubGeocoder{}, secondary: &stubGeocoder{result: found}, want: found, wantSecondary: 1},
		{name: "no secondary", primary: &stubGeocoder{err: errTestBoom}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &FallbackGeocoder{Primary: tt.primary}
			if tt.secondary != nil {
				g.Secondary = tt.secondary
			}
			res, err := g.Geocode(context.Background(), 1, 2)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
			assert.Equal(t, tt.wantSecondary, tt.secondary.calls)
		})
	}
}

func TestGeocodeReportSkipsAndErrors(t *testing.T) {
	store := newMemStore()
	app := &App{log: slog.New(slog.NewTextHandler(io.Discard, nil)), store: store}
	assert.NoError(t, app.geocodeReport(context.Background(), 1), "no geocoder configured")

	geocoder := &stubGeocoder{}
	app.geocoder = geocoder
	assert.ErrorIs(t, app.geocodeReport(context.Background(), 42), errReportNotFound)

	report, err := store.CreateReport(context.Background(), NewReport{UserID: 1, DepartmentID: 1, Title: "t", Description: "d"})
	require.NoError(t, err)
	assert.NoError(t, app.geocodeReport(context.Background(), report.ID))
	assert.Equal(t, 0, geocoder.calls, "no location, nothing to look up")

	store.reports[0].Location = &ReportLocation{Lat: 1, Lng: 2}
	assert.NoError(t, app.geocodeReport(context.Background(), report.ID))
	assert.Equal(t, 1, geocoder.calls)
	assert.Nil(t, store.reports[0].Address, "empty result leaves the address unset")

	geocoder.err = errTestBoom
	assert.ErrorIs(t, app.geocodeReport(context.Background(), report.ID), errTestBoom)
}
