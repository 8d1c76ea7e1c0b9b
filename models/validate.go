package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var emailRegexp = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func ValidEmail(email string) bool {
	return emailRegexp.MatchString(email)
}

func ValidateCoordinate(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, lon)
	}
	return nil
}

func ValidateTravelPlan(mode TravelMode, eta *time.Time) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTravelMode, mode)
	}
	if mode.RequiresEta() && eta == nil {
		return fmt.Errorf("%w: %s requires an eta", ErrInvalidTravelPlan, mode)
	}
	if !mode.RequiresEta() && eta != nil {
		return fmt.Errorf("%w: %s does not take an eta", ErrInvalidTravelPlan, modeName(mode))
	}
	return nil
}

func modeName(mode TravelMode) string {
	if mode == TravelModeUnspecified {
		return "unspecified"
	}
	return string(mode)
}
