package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"guardian/internal/analysis"
	"guardian/internal/models"
	"guardian/internal/service"
)

var waitFor time.Duration

var sendCmd = &cobra.Command{
	Use:   "send [command]",
	Short: "Send a command to the child or to a local beacon",
	Long: `Writes a command into the family's command slot and waits for the child
to execute it. Beacon codes (BUZZER_ON, BUZZER_OFF, LED_ON, LED_OFF) go straight
to the beacon given with --beacon-tcp or --beacon-dev instead.

Commands:
  VIBRATE, STOP_VIBRATE, REQUEST_LOCATION, BUZZER_ON, BUZZER_OFF, LED_ON, LED_OFF`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

var sosCmd = &cobra.Command{
	Use:       "sos [on|off]",
	Short:     "Raise or clear the child's SOS",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runSOS,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Summarize the family's safety state",
	Long: `Reads the child's status and location and grades them. With GEMINI_API_KEY
set the summary comes from the model, within AI_DAILY_QUOTA calls per day;
otherwise, and whenever the model fails, fixed rules decide.`,
	Args: cobra.NoArgs,
	RunE: runAnalyze,
}

func init() {
	sendCmd.Flags().DurationVar(&waitFor, "wait", 10*time.Second, "How long to wait for the child to execute (0 returns at once)")
	sendCmd.Flags().StringVar(&beaconTCP, "beacon-tcp", "", "Beacon bridged to this TCP address")
	sendCmd.Flags().StringVar(&beaconDev, "beacon-dev", "", "Beacon on this serial device")
}

func runSend(cmd *cobra.Command, args []string) error {
	t, err := models.ParseCommandType(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := oneShot(cmd)
	defer cancel()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	profile, err := c.resume(ctx, models.RoleParent)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if t.IsBeaconCode() {
		if err := sendToBeacon(ctx, t); err != nil {
			return err
		}
		c.activity.Record(ctx, profile.FamilyID, models.LogCommand, "Beacon command", "Sent "+string(t)+" to beacon")
		fmt.Fprintf(out, "%s sent to beacon\n", t)
		return nil
	}

	commands := service.NewCommandService(c.conn, cfg.CommandFreshness, c.activity, logger.Named("commands"))
	sent, err := commands.SendCommand(ctx, profile.FamilyID, t)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s sent\n", t)
	if waitFor <= 0 {
		return nil
	}

	phase, err := awaitCommand(cmd.Context(), commands, profile.FamilyID, sent)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", t, phase)
	return nil
}

func sendToBeacon(ctx context.Context, t models.CommandType) error {
	adapter := newBeacon()
	if adapter == nil {
		return fmt.Errorf("%w: %s needs --beacon-tcp or --beacon-dev", models.ErrNotConnected, t)
	}
	defer adapter.Close()
	if _, err := adapter.Pair(ctx); err != nil {
		return err
	}
	return adapter.Send(ctx, t)
}

// awaitCommand follows the slot until sent is executed, turns expired, is
// replaced, or waitFor runs out. It returns the last phase seen.
func awaitCommand(ctx context.Context, commands *service.CommandService, familyID string, sent models.Command) (service.CommandPhase, error) {
	ctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()

	tracker := service.NewCommandTracker(commands, familyID, cfg.CommandReevaluate, func(service.CommandState) {})
	tracker.Start()
	defer tracker.Stop()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	phase := service.PhasePending
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return phase, nil
			}
			return phase, ctx.Err()
		case <-ticker.C:
			st := tracker.State()
			if st.Command == nil || !st.Command.SameIssue(sent) {
				if st.Command != nil {
					return "replaced", nil
				}
				continue
			}
			phase = st.Phase
			if phase == service.PhaseExecuted || phase == service.PhaseExpired {
				return phase, nil
			}
		}
	}
}

func runSOS(cmd *cobra.Command, args []string) error {
	var on bool
	switch args[0] {
	case "on":
		on = true
	case "off":
	default:
		return fmt.Errorf("expected on or off, got %q", args[0])
	}
	ctx, cancel := oneShot(cmd)
	defer cancel()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	profile, err := c.resume(ctx, models.RoleChild)
	if err != nil {
		return err
	}
	presence := service.NewPresenceService(c.conn, c.activity, logger.Named("presence"))
	if err := presence.SetSos(ctx, profile.FamilyID, on); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "SOS %s\n", args[0])
	return nil
}

// report is the printed form of an analysis
type report struct {
	Family         string             `yaml:"family"`
	RiskLevel      analysis.RiskLevel `yaml:"risk_level"`
	Message        string             `yaml:"message"`
	Recommendation string             `yaml:"recommendation"`
	Source         string             `yaml:"source"`
	State          analysis.State     `yaml:"state"`
	AICallsToday   string             `yaml:"ai_calls_today,omitempty"`
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, cancel := oneShot(cmd)
	defer cancel()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	profile, err := c.resume(ctx, "")
	if err != nil {
		return err
	}
	state, err := familyState(ctx, c, profile.FamilyID)
	if err != nil {
		return err
	}

	var model analysis.Summarizer
	if cfg.GenAIAPIKey != "" {
		g, err := analysis.NewGenAISummarizer(ctx, cfg.GenAIAPIKey, cfg.GenAIModel)
		if err != nil {
			logger.Warn("AI summaries unavailable", zap.Error(err))
		} else {
			model = g
		}
	}
	quota := analysis.NewQuota(cfg.AIUsageFile, cfg.AIDailyQuota)
	result := analysis.NewAnalyzer(model, quota, logger.Named("analysis")).Summarize(ctx, state)

	r := report{
		Family:         profile.FamilyID,
		RiskLevel:      result.RiskLevel,
		Message:        result.Message,
		Recommendation: result.Recommendation,
		Source:         result.Source,
		State:          state,
	}
	if model != nil {
		if used, err := quota.Used(); err == nil {
			r.AICallsToday = fmt.Sprintf("%d/%d", used, quota.Limit())
		}
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

// familyState reads the child's status and location into an analysis state
func familyState(ctx context.Context, c *client, familyID string) (analysis.State, error) {
	state := analysis.State{BeaconBattery: -1}

	snap, err := c.conn.Get(ctx, models.ChildStatusPath(familyID))
	if err != nil {
		return state, fmt.Errorf("failed to read child status: %w", err)
	}
	if snap.Exists() {
		var status models.ChildStatus
		if err := snap.Decode(&status); err != nil {
			return state, fmt.Errorf("malformed child status: %w", err)
		}
		state.ChildOnline = status.Online
		state.PhoneBattery = status.Battery
		state.SOS = status.SOS
		state.BeaconConnected = status.BeaconConnected
		if status.BeaconConnected {
			state.BeaconBattery = status.BeaconBattery
		}
	}

	snap, err = c.conn.Get(ctx, models.LocationPath(familyID, models.RoleChild))
	if err != nil {
		return state, fmt.Errorf("failed to read child location: %w", err)
	}
	if snap.Exists() {
		var loc models.LocationRecord
		if err := snap.Decode(&loc); err != nil {
			return state, fmt.Errorf("malformed child location: %w", err)
		}
		state.HasLocation = service.IsFresh(&loc, time.Now(), cfg.LocationStaleAfter)
	}
	return state, nil
}
