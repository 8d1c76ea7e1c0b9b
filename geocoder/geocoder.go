package geocoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"belated/metrics"
	"belated/models"

	"github.com/apex/log"
	"golang.org/x/time/rate"
)

var ErrNotFound = errors.New("location not found")

// Geocoder resolves free-form location text to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, location string) (latitude, longitude float64, err error)
}

// Nominatim queries a Nominatim compatible search endpoint.
type Nominatim struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	// maxWait bounds a single wait between attempts, Retry-After included.
	maxWait time.Duration
}

type searchResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

type retryableError struct {
	status     int
	retryAfter time.Duration
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("geocoder returned status %d", e.status)
}

func NewNominatim(baseURL, userAgent string, rps float64, maxRetries int) *Nominatim {
	return &Nominatim{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		maxRetries: maxRetries,
		backoff:    2 * time.Second,
		maxWait:    30 * time.Second,
	}
}

func (n *Nominatim) Geocode(ctx context.Context, location string) (float64, float64, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return 0, 0, ErrNotFound
	}

	backoff := n.backoff
	for attempt := 0; ; attempt++ {
		if err := n.limiter.Wait(ctx); err != nil {
			return 0, 0, err
		}
		lat, lon, err := n.search(ctx, location)
		var retryable *retryableError
		if err == nil || !errors.As(err, &retryable) || attempt >= n.maxRetries {
			recordResult(err)
			return lat, lon, err
		}

		wait := backoff
		if retryable.retryAfter > 0 {
			wait = retryable.retryAfter
		}
		if wait > n.maxWait {
			wait = n.maxWait
		}
		log.Warnf("Geocoding %q was throttled (status %d), retrying in %v (attempt %d)", location, retryable.status, wait, attempt+1)
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
}

func (n *Nominatim) search(ctx context.Context, location string) (float64, float64, error) {
	params := url.Values{}
	params.Set("q", location)
	params.Set("format", "json")
	params.Set("limit", "1")
	reqURL := fmt.Sprintf("%s/search?%s", n.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", n.userAgent)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return 0, 0, &retryableError{status: resp.StatusCode, retryAfter: retryAfter(resp.Header.Get("Retry-After"))}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, 0, fmt.Errorf("geocoder returned status %d: %s", resp.StatusCode, string(body))
	}

	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return 0, 0, fmt.Errorf("failed to decode geocoder response: %w", err)
	}
	if len(results) == 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrNotFound, location)
	}
	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude %q: %w", results[0].Lon, err)
	}
	if err := models.ValidateCoordinate(lat, lon); err != nil {
		return 0, 0, err
	}
	log.Debugf("Geocoded %q to %s (%f, %f)", location, results[0].DisplayName, lat, lon)
	return lat, lon, nil
}

func retryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func recordResult(err error) {
	var retryable *retryableError
	switch {
	case err == nil:
		metrics.GeocodeRequestsTotal.WithLabelValues("success").Inc()
	case errors.Is(err, ErrNotFound):
		metrics.GeocodeRequestsTotal.WithLabelValues("not_found").Inc()
	case errors.As(err, &retryable):
		metrics.GeocodeRequestsTotal.WithLabelValues("throttled").Inc()
	default:
		metrics.GeocodeRequestsTotal.WithLabelValues("error").Inc()
	}
}

// Fallback tries each geocoder in turn and returns the first answer.
type Fallback []Geocoder

func (f Fallback) Geocode(ctx context.Context, location string) (float64, float64, error) {
	if strings.TrimSpace(location) == "" {
		return 0, 0, ErrNotFound
	}
	err := error(ErrNotFound)
	for i, g := range f {
		lat, lon, gerr := g.Geocode(ctx, location)
		if gerr == nil {
			return lat, lon, nil
		}
		err = gerr
		if i < len(f)-1 {
			log.WithError(gerr).Warnf("Geocoding %q failed, trying the next provider", location)
		}
	}
	return 0, 0, fmt.Errorf("could not geocode %q (tried %d providers): %w", location, len(f), err)
}
