package geocoder

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNominatim(url string) *Nominatim {
	n := NewNominatim(url+"/", "Belated-test/1.0", 1000, 2)
	n.backoff = time.Millisecond
	return n
}

func TestGeocode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "2 George St, Brisbane", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		assert.Equal(t, "Belated-test/1.0", r.Header.Get("User-Agent"))
		w.Write([]byte(`[{"lat":"-27.4774910","lon":"153.0283950","display_name":"QUT Gardens Point"}]`))
	}))
	defer server.Close()

	lat, lon, err := newTestNominatim(server.URL).Geocode(context.Background(), " 2 George St, Brisbane ")
	require.NoError(t, err)
	assert.InDelta(t, -27.477491, lat, 1e-9)
	assert.InDelta(t, 153.028395, lon, 1e-9)
}

func TestGeocodeNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	_, _, err := newTestNominatim(server.URL).Geocode(context.Background(), "Nowhere at all")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestGeocodeBlankIsNeverSent(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	_, _, err := newTestNominatim(server.URL).Geocode(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestGeocodeRetriesWhenThrottled(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[{"lat":"1.5","lon":"2.5"}]`))
	}))
	defer server.Close()

	lat, lon, err := newTestNominatim(server.URL).Geocode(context.Background(), "Somewhere")
	require.NoError(t, err)
	assert.Equal(t, 1.5, lat)
	assert.Equal(t, 2.5, lon)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGeocodeCapsRetryAfter(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "3600")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[{"lat":"1.5","lon":"2.5"}]`))
	}))
	defer server.Close()

	n := newTestNominatim(server.URL)
	n.maxWait = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := n.Geocode(ctx, "Somewhere")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGeocodeGivesUpWhenThrottled(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, _, err := newTestNominatim(server.URL).Geocode(context.Background(), "Somewhere")
	assert.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "first attempt plus two retries")
}

func TestGeocodeDoesNotRetryOtherFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, _, err := newTestNominatim(server.URL).Geocode(context.Background(), "Somewhere")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGeocodeRejectsBadCoordinates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"lat":"95","lon":"2.5"}]`))
	}))
	defer server.Close()

	_, _, err := newTestNominatim(server.URL).Geocode(context.Background(), "Somewhere")
	assert.Error(t, err)
}

type stubGeocoder struct {
	lat, lon float64
	err      error
	calls    int
}

func (s *stubGeocoder) Geocode(ctx context.Context, location string) (float64, float64, error) {
	s.calls++
	return s.lat, s.lon, s.err
}

func TestFallback(t *testing.T) {
	failing := &stubGeocoder{err: errors.New("down")}
	working := &stubGeocoder{lat: 1, lon: 2}
	unused := &stubGeocoder{lat: 3, lon: 4}

	lat, lon, err := Fallback{failing, working, unused}.Geocode(context.Background(), "Somewhere")
	require.NoError(t, err)
	assert.Equal(t, 1.0, lat)
	assert.Equal(t, 2.0, lon)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 0, unused.calls)
}

func TestFallbackExhausted(t *testing.T) {
	first := &stubGeocoder{err: errors.New("down")}
	second := &stubGeocoder{err: ErrNotFound}

	_, _, err := Fallback{first, second}.Geocode(context.Background(), "Somewhere")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = Fallback{first}.Geocode(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, first.calls, "blank location is not passed on")
}
