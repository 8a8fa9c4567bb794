package models

// Provider names the source of a position fix
type Provider string

const (
	ProviderGPS     Provider = "gps"
	ProviderNetwork Provider = "network"
	ProviderManual  Provider = "manual"
)

// LocationRecord is the latest fix for one role, overwritten in place
type LocationRecord struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Accuracy  float64  `json:"accuracy"`
	UpdatedAt int64    `json:"updatedAt"`
	Provider  Provider `json:"provider"`
}
