package beacon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"guardian/internal/models"
)

// Phase separates what was asked of an actuator from what the beacon reported
type Phase string

const (
	PhaseUnknown   Phase = "unknown"
	PhaseRequested Phase = "requested"
	PhaseConfirmed Phase = "confirmed"
)

// Actuator is the two-phase state of the buzzer or the LED
type Actuator struct {
	On    bool  `json:"on"`
	Phase Phase `json:"phase"`
}

// State is the adapter's local picture of the beacon
type State struct {
	Connected  bool      `json:"connected"`
	Device     string    `json:"device,omitempty"`
	Battery    int       `json:"battery"` // -1 until reported
	SOS        bool      `json:"sos"`
	Buzzer     Actuator  `json:"buzzer"`
	LED        Actuator  `json:"led"`
	LastRaw    string    `json:"lastRaw,omitempty"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Event is delivered for every parsed status string
type Event struct {
	Reading Reading
	// SOSRaised is set on the rising edge of the beacon's SOS flag
	SOSRaised bool
	// SOSCleared is set on the falling edge
	SOSCleared bool
}

// Adapter owns one Link and turns its traffic into State and Events. It
// knows nothing about the shared store.
type Adapter struct {
	link   Link
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	handle   *DeviceHandle
	state    State
	stateFns []func(State)
	eventFns []func(Event)
	detach   []func()
}

// NewAdapter attaches to link
func NewAdapter(link Link, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		link:   link,
		logger: logger,
		now:    time.Now,
		state:  unknownState(),
	}
	a.detach = append(a.detach,
		link.OnStatusChange(a.handleStatus),
		link.OnDataReceived(a.handleData))
	return a
}

func unknownState() State {
	return State{
		Battery: -1,
		Buzzer:  Actuator{Phase: PhaseUnknown},
		LED:     Actuator{Phase: PhaseUnknown},
	}
}

// OnState registers a callback for every state change
func (a *Adapter) OnState(fn func(State)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stateFns = append(a.stateFns, fn)
}

// OnEvent registers a callback for every parsed status string
func (a *Adapter) OnEvent(fn func(Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eventFns = append(a.eventFns, fn)
}

// Pair connects the beacon
func (a *Adapter) Pair(ctx context.Context) (DeviceHandle, error) {
	h, err := a.link.Pair(ctx)
	if err != nil {
		return DeviceHandle{}, err
	}
	a.mu.Lock()
	a.handle = &h
	a.state.Device = h.Name
	a.mu.Unlock()
	return h, nil
}

// Send forwards a beacon code. On success the matching actuator moves to
// Requested; only a status string from the beacon confirms it.
func (a *Adapter) Send(ctx context.Context, code models.CommandType) error {
	if !code.IsBeaconCode() {
		return fmt.Errorf("%s is not a beacon code", code)
	}
	a.mu.Lock()
	h := a.handle
	a.mu.Unlock()
	if h == nil {
		return models.ErrNotConnected
	}
	if err := a.link.Send(ctx, *h, string(code)); err != nil {
		return err
	}

	a.update(func(s *State) {
		switch code {
		case models.CommandBuzzerOn:
			s.Buzzer = Actuator{On: true, Phase: PhaseRequested}
		case models.CommandBuzzerOff:
			s.Buzzer = Actuator{On: false, Phase: PhaseRequested}
		case models.CommandLEDOn:
			s.LED = Actuator{On: true, Phase: PhaseRequested}
		case models.CommandLEDOff:
			s.LED = Actuator{On: false, Phase: PhaseRequested}
		}
	})
	return nil
}

// State returns a copy of the current state
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Close detaches from the link and closes it
func (a *Adapter) Close() error {
	a.mu.Lock()
	detach := a.detach
	a.detach = nil
	a.mu.Unlock()
	for _, d := range detach {
		d()
	}
	return a.link.Close()
}

func (a *Adapter) handleStatus(connected bool) {
	a.update(func(s *State) {
		s.Connected = connected
		if !connected {
			// Nothing we asked for can be trusted once the link is gone
			s.Buzzer = Actuator{Phase: PhaseUnknown}
			s.LED = Actuator{Phase: PhaseUnknown}
			s.SOS = false
		}
	})
	if !connected {
		a.mu.Lock()
		a.handle = nil
		a.mu.Unlock()
		a.logger.Info("beacon disconnected")
	}
}

func (a *Adapter) handleData(raw string) {
	r := Parse(raw)
	var ev Event
	ev.Reading = r

	a.update(func(s *State) {
		s.LastRaw = raw
		s.LastUpdate = a.now()
		if r.Battery != nil {
			s.Battery = *r.Battery
		}
		if r.SOS != nil {
			ev.SOSRaised = *r.SOS && !s.SOS
			ev.SOSCleared = !*r.SOS && s.SOS
			s.SOS = *r.SOS
		}
		if r.Buzzer != nil {
			s.Buzzer = Actuator{On: *r.Buzzer, Phase: PhaseConfirmed}
		}
		if r.LED != nil {
			s.LED = Actuator{On: *r.LED, Phase: PhaseConfirmed}
		}
	})
	if r.Empty() {
		a.logger.Debug("unrecognized beacon data", zap.String("raw", raw))
	}

	a.mu.Lock()
	fns := append([]func(Event){}, a.eventFns...)
	a.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (a *Adapter) update(mutate func(*State)) {
	a.mu.Lock()
	mutate(&a.state)
	state := a.state
	fns := append([]func(State){}, a.stateFns...)
	a.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}
