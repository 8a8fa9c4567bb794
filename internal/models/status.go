package models

// ChildStatus is the union of independently written presence, battery and SOS fields.
// It is only ever written through field-level merges.
type ChildStatus struct {
	Online          bool  `json:"online"`
	LastSeen        int64 `json:"lastSeen"`
	Battery         int   `json:"battery"`
	SOS             bool  `json:"sos"`
	BeaconBattery   int   `json:"beaconBattery,omitempty"`
	BeaconConnected bool  `json:"beaconConnected,omitempty"`
}

// Field names used for merge writes on ChildStatus
const (
	StatusOnline          = "online"
	StatusLastSeen        = "lastSeen"
	StatusBattery         = "battery"
	StatusSOS             = "sos"
	StatusBeaconBattery   = "beaconBattery"
	StatusBeaconConnected = "beaconConnected"
)
