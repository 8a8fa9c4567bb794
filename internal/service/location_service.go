package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"guardian/internal/device"
	"guardian/internal/models"
	"guardian/internal/store"
)

// EarthRadiusMeters is the mean radius used by Distance
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate in degrees
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// PointOf extracts the coordinate of a location record
func PointOf(r *models.LocationRecord) Point {
	return Point{Lat: r.Lat, Lng: r.Lng}
}

// Distance is the haversine great-circle distance in meters
func Distance(a, b Point) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// SafeZone is a circle the child is expected to stay inside
type SafeZone struct {
	Center       Point   `json:"center" yaml:"center"`
	RadiusMeters float64 `json:"radiusMeters" yaml:"radius_meters"`
}

// Contains reports whether p lies inside the zone, boundary included
func (z SafeZone) Contains(p Point) bool {
	return Distance(z.Center, p) <= z.RadiusMeters
}

// IsFresh reports whether a record was updated less than staleAfter before now.
// This is location freshness, not connectivity.
func IsFresh(r *models.LocationRecord, now time.Time, staleAfter time.Duration) bool {
	if r == nil {
		return false
	}
	return now.UnixMilli()-r.UpdatedAt < staleAfter.Milliseconds()
}

// LocationService publishes this client's location and follows the peer's.
// A service belongs to one role and refuses to write the other role's record.
type LocationService struct {
	clock
	conn       store.Conn
	owner      models.Role
	staleAfter time.Duration
	logger     *zap.Logger
}

// NewLocationService creates a location service writing as owner
func NewLocationService(conn store.Conn, owner models.Role, staleAfter time.Duration, logger *zap.Logger) *LocationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocationService{clock: newClock(), conn: conn, owner: owner, staleAfter: staleAfter, logger: logger}
}

// PublishLocation overwrites the role's record with rec
func (s *LocationService) PublishLocation(ctx context.Context, familyID string, role models.Role, rec models.LocationRecord) error {
	if role != s.owner {
		return fmt.Errorf("%w: %s client cannot publish %s location", models.ErrPermissionDenied, s.owner, role)
	}
	if rec.Lat < -90 || rec.Lat > 90 || rec.Lng < -180 || rec.Lng > 180 {
		return fmt.Errorf("coordinates out of range: %f,%f", rec.Lat, rec.Lng)
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = s.nowMs()
	}
	if rec.Provider == "" {
		rec.Provider = models.ProviderGPS
	}
	if err := s.conn.Set(ctx, models.LocationPath(familyID, role), rec); err != nil {
		return fmt.Errorf("failed to publish location: %w", err)
	}
	return nil
}

// SubscribeToPeerLocation follows the other role's record. fn receives nil
// while no record exists.
func (s *LocationService) SubscribeToPeerLocation(familyID string, observer models.Role, fn func(*models.LocationRecord)) store.Unsubscribe {
	path := models.LocationPath(familyID, observer.Peer())
	return s.conn.Subscribe(path, func(snap store.Snapshot) {
		if !snap.Exists() {
			fn(nil)
			return
		}
		var rec models.LocationRecord
		if err := snap.Decode(&rec); err != nil {
			s.logger.Warn("malformed location record", zap.String("path", path), zap.Error(err))
			fn(nil)
			return
		}
		fn(&rec)
	})
}

// IsOnline is location freshness against the service clock
func (s *LocationService) IsOnline(r *models.LocationRecord) bool {
	return IsFresh(r, s.Now(), s.staleAfter)
}

// Tracker pipes a positioning source into PublishLocation
type Tracker struct {
	clock
	locations *LocationService
	source    device.Source
	opts      device.Options
	familyID  string
	role      models.Role
	activity  *ActivityService
	logger    *zap.Logger

	mu        sync.Mutex
	stopWatch device.ClearWatch
	last      *models.LocationRecord
	permitted bool
	onFix     func(models.LocationRecord)
}

// NewTracker creates a tracker for one family and role
func NewTracker(locations *LocationService, source device.Source, opts device.Options,
	familyID string, role models.Role, activity *ActivityService, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		clock:     newClock(),
		locations: locations,
		source:    source,
		opts:      opts,
		familyID:  familyID,
		role:      role,
		activity:  activity,
		logger:    logger,
		permitted: true,
	}
}

// OnFix registers a callback run after each published fix
func (t *Tracker) OnFix(fn func(models.LocationRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFix = fn
}

// Start begins the continuous watch, replacing any earlier one
func (t *Tracker) Start() {
	t.mu.Lock()
	old := t.stopWatch
	t.stopWatch = nil
	t.mu.Unlock()
	if old != nil {
		old()
	}

	stopWatch := t.source.Watch(t.opts, t.handleFix, t.handleError)

	t.mu.Lock()
	t.stopWatch = stopWatch
	t.mu.Unlock()
}

// Stop clears the watch
func (t *Tracker) Stop() {
	t.mu.Lock()
	stopWatch := t.stopWatch
	t.stopWatch = nil
	t.mu.Unlock()
	if stopWatch != nil {
		stopWatch()
	}
}

// LocateNow takes a one-shot fix and publishes it
func (t *Tracker) LocateNow(ctx context.Context) (*models.LocationRecord, error) {
	fix, err := t.source.Current(ctx, t.opts)
	if err != nil {
		t.handleError(err)
		return nil, err
	}
	return t.publish(ctx, fix)
}

// Republish writes the last known fix again with a fresh timestamp
func (t *Tracker) Republish(ctx context.Context) error {
	t.mu.Lock()
	last := t.last
	t.mu.Unlock()
	if last == nil {
		return models.ErrNotFound
	}
	rec := *last
	rec.UpdatedAt = t.nowMs()
	return t.locations.PublishLocation(ctx, t.familyID, t.role, rec)
}

// Last returns the last published record
func (t *Tracker) Last() *models.LocationRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil
	}
	rec := *t.last
	return &rec
}

// Permitted reports whether the last positioning attempt succeeded
func (t *Tracker) Permitted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.permitted
}

func (t *Tracker) handleFix(fix device.Fix) {
	if _, err := t.publish(context.Background(), fix); err != nil {
		t.logger.Warn("location publish failed",
			zap.String("family", t.familyID),
			zap.String("role", t.role.String()),
			zap.Error(err))
	}
}

func (t *Tracker) publish(ctx context.Context, fix device.Fix) (*models.LocationRecord, error) {
	rec := models.LocationRecord{
		Lat:       fix.Lat,
		Lng:       fix.Lng,
		Accuracy:  fix.Accuracy,
		UpdatedAt: t.nowMs(),
		Provider:  fix.Provider,
	}
	t.mu.Lock()
	t.permitted = true
	t.mu.Unlock()

	if err := t.locations.PublishLocation(ctx, t.familyID, t.role, rec); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.last = &rec
	onFix := t.onFix
	t.mu.Unlock()
	if onFix != nil {
		onFix(rec)
	}
	return &rec, nil
}

// handleError records the failure; the watch is left as is and the next
// fix attempt is the retry.
func (t *Tracker) handleError(err error) {
	t.mu.Lock()
	t.permitted = false
	t.mu.Unlock()

	t.logger.Warn("positioning failed", zap.String("family", t.familyID), zap.Error(err))
	if t.activity != nil {
		t.activity.Record(context.Background(), t.familyID, models.LogDanger, "GPS error",
			"Could not get location: "+err.Error())
	}
}
