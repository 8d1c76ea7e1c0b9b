package models

import "time"

type Position struct {
	Email     string    `json:"email"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}
