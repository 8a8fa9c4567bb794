package models

import "fmt"

// CommandType is a directive the parent can place in the command slot
type CommandType string

const (
	CommandVibrate         CommandType = "VIBRATE"
	CommandStopVibrate     CommandType = "STOP_VIBRATE"
	CommandRequestLocation CommandType = "REQUEST_LOCATION"

	// Beacon codes travel to the locally paired beacon, never through the slot
	CommandBuzzerOn  CommandType = "BUZZER_ON"
	CommandBuzzerOff CommandType = "BUZZER_OFF"
	CommandLEDOn     CommandType = "LED_ON"
	CommandLEDOff    CommandType = "LED_OFF"
)

// IsReplicated reports whether the type is carried by the shared command slot
func (t CommandType) IsReplicated() bool {
	switch t {
	case CommandVibrate, CommandStopVibrate, CommandRequestLocation:
		return true
	}
	return false
}

// IsBeaconCode reports whether the type is a beacon wire code
func (t CommandType) IsBeaconCode() bool {
	switch t {
	case CommandBuzzerOn, CommandBuzzerOff, CommandLEDOn, CommandLEDOff:
		return true
	}
	return false
}

// ParseCommandType validates a command name
func ParseCommandType(s string) (CommandType, error) {
	t := CommandType(s)
	if t.IsReplicated() || t.IsBeaconCode() {
		return t, nil
	}
	return "", fmt.Errorf("unknown command %q", s)
}

// CommandStatus tracks a command through pending -> executed
type CommandStatus string

const (
	CommandPending  CommandStatus = "pending"
	CommandExecuted CommandStatus = "executed"
)

// Command occupies the single families/{id}/commands slot
type Command struct {
	Type       CommandType   `json:"type"`
	Status     CommandStatus `json:"status"`
	Timestamp  int64         `json:"timestamp"`
	ExecutedAt int64         `json:"executedAt,omitempty"`
}

// SameIssue reports whether two commands came from the same send
func (c Command) SameIssue(o Command) bool {
	return c.Type == o.Type && c.Timestamp == o.Timestamp
}
