package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"guardian/internal/config"
	"guardian/internal/models"
	"guardian/internal/relay"
	"guardian/internal/remote"
	"guardian/internal/security"
	"guardian/internal/service"
)

var (
	// Global flags
	verbose     bool
	storeURL    string
	sessionFile string
	timeout     time.Duration

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Guardian - parent and child safety monitor",
	Long: `Guardian pairs a parent phone with a child phone through a shared realtime store.

The parent sees the child's location, battery and SOS state and can send
commands; the child publishes its state and executes those commands.
Run "guardian-server" first and point GUARDIAN_STORE_URL at its /v1/stream endpoint.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logger, err = config.NewLogger(cfg.Debug || verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if storeURL == "" {
			storeURL = cfg.StoreURL
		}
		if sessionFile == "" {
			sessionFile, err = defaultSessionFile()
			if err != nil {
				return err
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&storeURL, "store", "", "Store websocket URL (default: GUARDIAN_STORE_URL)")
	rootCmd.PersistentFlags().StringVar(&sessionFile, "session-file", "", "Where the login token is kept (default: ~/.guardian/session)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "Timeout for one-shot store operations")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.AddCommand(parentCmd)
	rootCmd.AddCommand(childCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sosCmd)
	rootCmd.AddCommand(analyzeCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// client is one store connection plus the services every command needs
type client struct {
	conn     *remote.Client
	activity *service.ActivityService
	identity *service.IdentityService
}

// connect dials the store. The dial is bounded by timeout; the connection
// itself lives until Close.
func connect(ctx context.Context) (*client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := remote.Dial(dialCtx, storeURL, remote.WithLogger(logger.Named("store")))
	if err != nil {
		return nil, err
	}
	operator, err := newOperator(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	activity := service.NewActivityService(conn, cfg.LogCapacity, logger.Named("activity"))
	tokens := security.NewTokenIssuer(cfg.TokenSecret, cfg.TokenIssuer)
	identity := service.NewIdentityService(conn, tokens, operator, cfg.OperatorWhatsApp,
		cfg.RegistrationWindow, activity, logger.Named("identity"))
	return &client{conn: conn, activity: activity, identity: identity}, nil
}

func (c *client) Close() error {
	return c.conn.Close()
}

// newOperator mails registration codes through SES when it is configured and
// only logs them otherwise
func newOperator(ctx context.Context) (relay.Operator, error) {
	if cfg.SESFromEmail != "" && cfg.OperatorEmail != "" {
		return relay.NewSESOperator(ctx, cfg.SESRegion, cfg.SESFromEmail, cfg.SESFromName, cfg.OperatorEmail, logger.Named("relay"))
	}
	return relay.NewLogOperator(logger.Named("relay")), nil
}

// resume rebuilds the stored login and checks it has the wanted role. An
// empty role accepts either.
func (c *client) resume(ctx context.Context, want models.Role) (*models.Profile, error) {
	token, err := loadToken()
	if err != nil {
		return nil, err
	}
	profile, err := c.identity.Resume(ctx, token)
	if err != nil {
		if errors.Is(err, models.ErrSessionExpired) {
			return nil, fmt.Errorf("%w: log in again", err)
		}
		return nil, err
	}
	if want != "" && profile.Role != want {
		return nil, fmt.Errorf("logged in as %s, this command needs a %s login", profile.Role, want)
	}
	return profile, nil
}

func defaultSessionFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".guardian", "session"), nil
}

func saveToken(token string) error {
	if err := os.MkdirAll(filepath.Dir(sessionFile), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	return os.WriteFile(sessionFile, []byte(token+"\n"), 0600)
}

func loadToken() (string, error) {
	data, err := os.ReadFile(sessionFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", errors.New("not logged in: run guardian login or guardian confirm first")
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// sessionConfig maps the loaded configuration onto session timings
func sessionConfig() service.SessionConfig {
	sc := service.DefaultSessionConfig()
	sc.CommandFreshness = cfg.CommandFreshness
	sc.CommandReevaluate = cfg.CommandReevaluate
	sc.LocationStaleAfter = cfg.LocationStaleAfter
	sc.LogCapacity = cfg.LogCapacity
	sc.AlarmInterval = cfg.AlarmInterval
	sc.BatteryPollInterval = cfg.BatteryPollInterval
	sc.Position.Timeout = cfg.PositionTimeout
	sc.Position.MaxAge = cfg.PositionMaxAge
	return sc
}
