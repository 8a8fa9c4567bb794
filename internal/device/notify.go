package device

import (
	"sync"

	"go.uber.org/zap"
)

// Notification is a fire-and-forget local alert
type Notification struct {
	Title              string
	Body               string
	RequireInteraction bool
}

// Notifier shows local notifications. Failures are the notifier's problem;
// callers never wait on or retry a notification.
type Notifier interface {
	Notify(n Notification)
}

// LogNotifier renders notifications as log lines
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(note Notification) {
	n.logger.Warn("notification",
		zap.String("title", note.Title),
		zap.String("body", note.Body),
		zap.Bool("require_interaction", note.RequireInteraction))
}

// Vibrator drives the phone's vibration motor
type Vibrator interface {
	Start()
	Stop()
}

// Recorder is an in-memory Notifier and Vibrator
type Recorder struct {
	mu            sync.Mutex
	notifications []Notification
	vibrating     bool
	starts        int
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vibrating = true
	r.starts++
}

func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vibrating = false
}

// Notifications returns a copy of what was shown
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

// Vibrating reports the motor state and how many times it was started
func (r *Recorder) Vibrating() (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vibrating, r.starts
}

// LogVibrator stands in for a vibration motor on hosts without one
type LogVibrator struct {
	logger *zap.Logger
}

func NewLogVibrator(logger *zap.Logger) *LogVibrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogVibrator{logger: logger}
}

func (v *LogVibrator) Start() { v.logger.Info("vibration started") }
func (v *LogVibrator) Stop()  { v.logger.Info("vibration stopped") }
