package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"guardian/internal/credentials"
	"guardian/internal/models"
	"guardian/internal/relay"
	"guardian/internal/security"
	"guardian/internal/store"
	"guardian/internal/validation"
)

// DefaultParentName is the display name given to every parent account
const DefaultParentName = "Parent"

// Ticket is handed back by Register
type Ticket struct {
	UsernameKey string
	// OperatorLink opens the operator chat; empty when no number is configured
	OperatorLink string
	ExpiresAt    time.Time
}

// IdentityService handles registration, login and session fencing
type IdentityService struct {
	clock
	conn           store.Conn
	tokens         *security.TokenIssuer
	operator       relay.Operator
	operatorNumber string
	window         time.Duration
	activity       *ActivityService
	logger         *zap.Logger
}

// NewIdentityService creates a new identity service. window is how long a
// pending registration stays confirmable.
func NewIdentityService(conn store.Conn, tokens *security.TokenIssuer, operator relay.Operator,
	operatorNumber string, window time.Duration, activity *ActivityService, logger *zap.Logger) *IdentityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityService{
		clock:          newClock(),
		conn:           conn,
		tokens:         tokens,
		operator:       operator,
		operatorNumber: operatorNumber,
		window:         window,
		activity:       activity,
		logger:         logger,
	}
}

// Register stores a pending registration and hands its code to the operator
func (s *IdentityService) Register(ctx context.Context, username, password, childName, childContact string) (*Ticket, error) {
	if err := validation.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := validation.ValidatePassword(password); err != nil {
		return nil, err
	}
	if err := validation.ValidateName(childName); err != nil {
		return nil, err
	}
	if err := validation.ValidateContact(childContact); err != nil {
		return nil, err
	}

	key := credentials.UsernameKey(username)
	taken, err := s.exists(ctx, models.UserPath(key))
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, models.ErrDuplicateUsername
	}

	// A live pending record holds the name until it expires
	now := s.Now()
	pending, err := s.pending(ctx, key)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if pending != nil && !pending.IsExpired(now.UnixMilli(), s.window.Milliseconds()) {
		return nil, models.ErrDuplicateUsername
	}

	code, err := credentials.GenerateVerificationCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}
	passwordHash, err := security.HashPassword(password)
	if err != nil {
		return nil, err
	}

	record := models.PendingRegistration{
		UsernameKey:  key,
		PasswordHash: passwordHash,
		ChildName:    childName,
		ChildContact: childContact,
		Code:         code,
		CreatedAt:    now.UnixMilli(),
	}
	if err := s.conn.Set(ctx, models.PendingPath(key), record); err != nil {
		return nil, fmt.Errorf("failed to store registration: %w", err)
	}

	if err := s.operator.Deliver(ctx, relay.Request{Username: key, ChildName: childName, Code: code}); err != nil {
		// Without a delivered code the record can never be confirmed
		if rmErr := s.conn.Remove(ctx, models.PendingPath(key)); rmErr != nil {
			s.logger.Warn("failed to withdraw registration", zap.String("username", key), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("failed to reach operator: %w", err)
	}

	s.logger.Info("registration pending", zap.String("username", key))
	return &Ticket{
		UsernameKey:  key,
		OperatorLink: relay.DeepLink(s.operatorNumber, key, childName),
		ExpiresAt:    now.Add(s.window),
	}, nil
}

// ConfirmRegistration turns a pending registration into a family. Both
// accounts, the family record and the removal of the pending record commit
// in one multi-path write.
func (s *IdentityService) ConfirmRegistration(ctx context.Context, username, submittedCode string) (*models.Profile, error) {
	key := credentials.UsernameKey(username)
	pending, err := s.pending(ctx, key)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	if pending.IsExpired(now.UnixMilli(), s.window.Milliseconds()) {
		if err := s.conn.Remove(ctx, models.PendingPath(key)); err != nil {
			s.logger.Warn("failed to drop expired registration", zap.String("username", key), zap.Error(err))
		}
		return nil, models.ErrExpired
	}
	if subtle.ConstantTimeCompare([]byte(pending.Code), []byte(submittedCode)) != 1 {
		return nil, models.ErrBadCode
	}

	childKey := credentials.ChildUsername(key)
	for _, k := range []string{key, childKey} {
		taken, err := s.exists(ctx, models.UserPath(k))
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, models.ErrDuplicateUsername
		}
	}

	pin, err := credentials.GenerateChildPIN()
	if err != nil {
		return nil, fmt.Errorf("failed to generate child PIN: %w", err)
	}
	pinHash, err := security.HashPassword(pin)
	if err != nil {
		return nil, err
	}

	familyID := credentials.GenerateFamilyID(now)
	token, err := s.tokens.Mint(key, familyID, models.RoleParent)
	if err != nil {
		return nil, err
	}

	parent := models.Account{
		UsernameKey:  key,
		PasswordHash: pending.PasswordHash,
		Role:         models.RoleParent,
		FamilyID:     familyID,
		DisplayName:  DefaultParentName,
		SessionToken: token,
	}
	child := models.Account{
		UsernameKey:  childKey,
		PasswordHash: pinHash,
		Role:         models.RoleChild,
		FamilyID:     familyID,
		DisplayName:  pending.ChildName,
		Contact:      pending.ChildContact,
	}
	family := models.Family{
		FamilyID:          familyID,
		ParentUsernameKey: key,
		ChildUsernameKey:  childKey,
		CreatedAt:         now.UnixMilli(),
		ChildCredentials:  models.ChildCredentials{Username: childKey, PIN: pin},
	}

	err = s.conn.Update(ctx, "", map[string]any{
		models.UserPath(key):        parent,
		models.UserPath(childKey):   child,
		models.FamilyPath(familyID): family,
		models.PendingPath(key):     nil,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create family: %w", err)
	}

	s.logger.Info("family created", zap.String("username", key), zap.String("family", familyID))
	if s.activity != nil {
		s.activity.Record(ctx, familyID, models.LogInfo, "Family created", "Accounts for "+key+" and "+childKey+" are active")
	}
	return models.ProfileOf(&parent), nil
}

// Login checks the password, mints a new sessionToken and overwrites the
// stored one. Any other client logged into the account is fenced out.
func (s *IdentityService) Login(ctx context.Context, username, password string) (*models.Profile, error) {
	key := credentials.UsernameKey(username)
	snap, err := s.conn.Get(ctx, models.UserPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read account: %w", err)
	}
	if !snap.Exists() {
		return nil, models.ErrBadCredentials
	}
	var account models.Account
	if err := snap.Decode(&account); err != nil {
		return nil, fmt.Errorf("malformed account %s: %w", key, err)
	}
	if !security.CheckPassword(password, account.PasswordHash) {
		return nil, models.ErrBadCredentials
	}

	token, err := s.tokens.Mint(key, account.FamilyID, account.Role)
	if err != nil {
		return nil, err
	}
	if err := s.conn.Set(ctx, models.SessionTokenPath(key), token); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	account.UsernameKey = key
	account.SessionToken = token

	s.logger.Info("login", zap.String("username", key), zap.String("role", account.Role.String()))
	if s.activity != nil {
		s.activity.Record(ctx, account.FamilyID, models.LogLogin, "Login",
			fmt.Sprintf("%s %s signed in", account.Role, account.DisplayName))
	}
	return models.ProfileOf(&account), nil
}

// Resume rebuilds a profile from a stored sessionToken. It fails with
// ErrSessionExpired when another login has replaced the token since.
func (s *IdentityService) Resume(ctx context.Context, token string) (*models.Profile, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	snap, err := s.conn.Get(ctx, models.UserPath(claims.Subject))
	if err != nil {
		return nil, fmt.Errorf("failed to read account: %w", err)
	}
	if !snap.Exists() {
		return nil, models.ErrNotFound
	}
	var account models.Account
	if err := snap.Decode(&account); err != nil {
		return nil, fmt.Errorf("malformed account %s: %w", claims.Subject, err)
	}
	if account.SessionToken != token {
		return nil, models.ErrSessionExpired
	}
	account.UsernameKey = claims.Subject
	return models.ProfileOf(&account), nil
}

// WatchSession calls onExpired once, the first time the account's stored
// token is seen to differ from knownToken. An absent token is ignored. The
// watch stays attached until the returned function is called.
func (s *IdentityService) WatchSession(usernameKey, knownToken string, onExpired func()) store.Unsubscribe {
	var once sync.Once
	return s.conn.Subscribe(models.SessionTokenPath(usernameKey), func(snap store.Snapshot) {
		current := snap.String()
		if current == "" || current == knownToken {
			return
		}
		once.Do(func() {
			s.logger.Info("session replaced", zap.String("username", usernameKey))
			onExpired()
		})
	})
}

// ChildCredentials reads the family's child login for display to the parent
func (s *IdentityService) ChildCredentials(ctx context.Context, familyID string) (*models.ChildCredentials, error) {
	snap, err := s.conn.Get(ctx, models.ChildCredentialsPath(familyID))
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		return nil, models.ErrNotFound
	}
	var creds models.ChildCredentials
	if err := snap.Decode(&creds); err != nil {
		return nil, fmt.Errorf("malformed child credentials: %w", err)
	}
	return &creds, nil
}

func (s *IdentityService) pending(ctx context.Context, key string) (*models.PendingRegistration, error) {
	snap, err := s.conn.Get(ctx, models.PendingPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read registration: %w", err)
	}
	if !snap.Exists() {
		return nil, models.ErrNotFound
	}
	var p models.PendingRegistration
	if err := snap.Decode(&p); err != nil {
		return nil, fmt.Errorf("malformed registration %s: %w", key, err)
	}
	return &p, nil
}

func (s *IdentityService) exists(ctx context.Context, path string) (bool, error) {
	snap, err := s.conn.Get(ctx, path)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return snap.Exists(), nil
}
