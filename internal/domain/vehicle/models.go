package vehicle

import (
	"time"
)

// SessionIDLength is the length of a session identifier in the
// YYYYMMDDHHMMSSmmm format.
const SessionIDLength = 17

type Session struct {
	SessionID    string    `json:"session_id"`
	LicensePlate string    `json:"license_plate,omitempty"`
	CarBrand     string    `json:"car_brand,omitempty"`
	TireBrand    string    `json:"tire_brand,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SessionFields carries a partial update for a session record. Nil
// pointers leave the stored value untouched.
type SessionFields struct {
	LicensePlate *string
	CarBrand     *string
	TireBrand    *string
	RawDetection []byte
}

// LicenseDetection is the parsed result of a license-plate classification.
type LicenseDetection struct {
	LicensePlate string `json:"license_plate"`
	CarBrand     string `json:"car_brand"`
}

// TireDetection is the parsed result of a tire-brand classification.
type TireDetection struct {
	TireBrand string `json:"tire_brand"`
}
