package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"guardian/internal/beacon"
	"guardian/internal/device"
	"guardian/internal/models"
	"guardian/internal/service"
)

var (
	fixesPath   string
	beaconTCP   string
	beaconDev   string
	batteryFlag int
	refresh     time.Duration
	zoneLat     float64
	zoneLng     float64
	zoneRadius  float64
)

var parentCmd = &cobra.Command{
	Use:   "parent",
	Short: "Run the parent session until interrupted",
	Long: `Follows the child's location, status and command slot and prints the
parent view every --refresh interval. An SOS from the child rings the terminal
bell and raises a notification until it is cleared.

Position fixes are read as "lat,lng[,accuracy]" lines from --fixes ("-" for stdin).`,
	Args: cobra.NoArgs,
	RunE: runParent,
}

var childCmd = &cobra.Command{
	Use:   "child",
	Short: "Run the child session until interrupted",
	Long: `Publishes the child's location, presence and battery and executes the
parent's commands. A paired beacon's SOS button raises SOS like the phone does.`,
	Args: cobra.NoArgs,
	RunE: runChild,
}

func init() {
	for _, c := range []*cobra.Command{parentCmd, childCmd} {
		c.Flags().StringVar(&fixesPath, "fixes", "", `Read position fixes from this file ("-" for stdin)`)
		c.Flags().StringVar(&beaconTCP, "beacon-tcp", "", "Pair a beacon bridged to this TCP address")
		c.Flags().StringVar(&beaconDev, "beacon-dev", "", "Pair a beacon on this serial device, e.g. /dev/rfcomm0")
		c.Flags().DurationVar(&refresh, "refresh", 2*time.Second, "How often the view is printed")
	}
	childCmd.Flags().IntVar(&batteryFlag, "battery", -1, "Report a fixed battery level instead of reading sysfs")
	parentCmd.Flags().Float64Var(&zoneLat, "zone-lat", 0, "Safe zone center latitude")
	parentCmd.Flags().Float64Var(&zoneLng, "zone-lng", 0, "Safe zone center longitude")
	parentCmd.Flags().Float64Var(&zoneRadius, "zone-radius", 0, "Safe zone radius in meters (0 disables the zone)")
}

// startFixes feeds fixes from fixesPath until ctx ends. It returns nil when
// no source was given.
func startFixes(ctx context.Context) (*device.Feed, error) {
	if fixesPath == "" {
		return nil, nil
	}
	var r io.ReadCloser = os.Stdin
	if fixesPath != "-" {
		f, err := os.Open(fixesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open fixes: %w", err)
		}
		r = f
	}
	feed := device.NewFeed()
	go func() {
		defer r.Close()
		if err := device.ScanFixes(ctx, r, feed); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("position source ended", zap.Error(err))
		}
	}()
	return feed, nil
}

// newBeacon builds the adapter for whichever beacon flag is set
func newBeacon() *beacon.Adapter {
	log := logger.Named("beacon")
	switch {
	case beaconTCP != "":
		return beacon.NewAdapter(beacon.NewTCPLink(beaconTCP, log), log)
	case beaconDev != "":
		return beacon.NewAdapter(beacon.NewDeviceLink(beaconDev, log), log)
	default:
		return nil
	}
}

// runView prints the view every refresh until ctx or the session ends
func runView(ctx context.Context, done <-chan struct{}, show func()) {
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	show()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			show()
		}
	}
}

func runParent(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	profile, err := c.resume(ctx, models.RoleParent)
	if err != nil {
		return err
	}
	feed, err := startFixes(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	devs := service.Devices{
		Notifier: device.NewLogNotifier(logger.Named("notify")),
		Beacon:   newBeacon(),
		Alert:    func() { fmt.Fprint(out, "\a") },
	}
	if feed != nil {
		devs.Position = feed
	}
	sc := sessionConfig()
	if zoneRadius > 0 {
		sc.SafeZone = &service.SafeZone{
			Center:       service.Point{Lat: zoneLat, Lng: zoneLng},
			RadiusMeters: zoneRadius,
		}
	}

	sess, err := service.NewParentSession(c.conn, c.identity, profile, sc, devs, logger.Named("parent"))
	if err != nil {
		return err
	}
	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer sess.Close()

	runView(ctx, sess.Done(), func() { printParentView(out, sess.View(), sc.SafeZone != nil) })
	return sess.Err()
}

func runChild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	profile, err := c.resume(ctx, models.RoleChild)
	if err != nil {
		return err
	}
	feed, err := startFixes(ctx)
	if err != nil {
		return err
	}
	devs := service.Devices{
		Notifier: device.NewLogNotifier(logger.Named("notify")),
		Vibrator: device.NewLogVibrator(logger.Named("vibrator")),
		Beacon:   newBeacon(),
	}
	if feed != nil {
		devs.Position = feed
	}
	if batteryFlag >= 0 {
		devs.Battery = device.FixedBattery(batteryFlag)
	} else {
		devs.Battery = device.NewSysfsBattery()
	}

	sess, err := service.NewChildSession(c.conn, c.identity, profile, sessionConfig(), devs, logger.Named("child"))
	if err != nil {
		return err
	}
	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer sess.Close()

	out := cmd.OutOrStdout()
	runView(ctx, sess.Done(), func() { printChildView(out, sess.View()) })
	return sess.Err()
}

func printParentView(w io.Writer, v service.ParentView, zone bool) {
	fmt.Fprintf(w, "[%s] %s\n", time.Now().Format(time.TimeOnly), v.ChildName)
	switch {
	case !v.StatusKnown:
		fmt.Fprintln(w, "  status:   unknown")
	default:
		fmt.Fprintf(w, "  status:   %s, battery %d%%\n", onlineWord(v.ChildOnline), v.Status.Battery)
		if v.Status.SOS {
			fmt.Fprintln(w, "  SOS:      RAISED")
		}
	}
	fmt.Fprintf(w, "  location: %s\n", locationLine(v.Child, v.LocationOnline))
	if v.HasDistance {
		fmt.Fprintf(w, "  distance: %.0f m\n", v.DistanceMeters)
	}
	if zone {
		fmt.Fprintf(w, "  in zone:  %t\n", v.InSafeZone)
	}
	if v.Command.Command != nil {
		fmt.Fprintf(w, "  command:  %s (%s)\n", v.Command.Command.Type, v.Command.Phase)
	}
	if v.Beacon != nil {
		fmt.Fprintf(w, "  beacon:   %s\n", beaconLine(*v.Beacon))
	}
	if len(v.Logs) > 0 {
		fmt.Fprintf(w, "  latest:   %s %s\n", v.Logs[0].Title, v.Logs[0].Message)
	}
}

func printChildView(w io.Writer, v service.ChildView) {
	fmt.Fprintf(w, "[%s] %s\n", time.Now().Format(time.TimeOnly), onlineWord(v.Connected))
	if v.Permitted {
		fmt.Fprintf(w, "  location: %s\n", locationLine(v.Own, true))
	} else {
		fmt.Fprintln(w, "  location: permission denied")
	}
	if v.HasDistance {
		fmt.Fprintf(w, "  parent:   %.0f m away\n", v.DistanceMeters)
	}
	if v.SOS {
		fmt.Fprintln(w, "  SOS:      RAISED")
	}
	if v.LastCommand != nil {
		fmt.Fprintf(w, "  command:  %s (%s)\n", v.LastCommand.Type, v.LastCommand.Status)
	}
	if v.Beacon != nil {
		fmt.Fprintf(w, "  beacon:   %s\n", beaconLine(*v.Beacon))
	}
}

func onlineWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func locationLine(r *models.LocationRecord, fresh bool) string {
	if r == nil {
		return "none"
	}
	line := fmt.Sprintf("%.5f,%.5f ±%.0fm via %s", r.Lat, r.Lng, r.Accuracy, r.Provider)
	if !fresh {
		line += " (stale)"
	}
	return line
}

func beaconLine(s beacon.State) string {
	if !s.Connected {
		return "disconnected"
	}
	battery := "battery unknown"
	if s.Battery >= 0 {
		battery = fmt.Sprintf("battery %d%%", s.Battery)
	}
	return fmt.Sprintf("%s, %s, buzzer %t, led %t, sos %t", s.Device, battery, s.Buzzer.On, s.LED.On, s.SOS)
}
