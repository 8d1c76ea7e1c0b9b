package models

// Assessment is the arrival verdict for one participant.
type Assessment struct {
	Late            bool   `json:"late"`
	Comfortable     bool   `json:"comfortable"`
	Message         string `json:"message"`
	VehicleRequired string `json:"vehicle_required,omitempty"`
}

type ParticipantReport struct {
	Participant Participant `json:"participant"`
	Assessment
}
