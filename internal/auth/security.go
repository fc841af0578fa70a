package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"carevault.org/internal/audit"
	"carevault.org/internal/ids"
	"carevault.org/internal/obs"
)

// Account security action tags.
const (
	ActionLoginSuccess  = "LOGIN_SUCCESS"
	ActionLoginFailed   = "LOGIN_FAILED"
	ActionAccountLocked = "ACCOUNT_LOCKED"
	ActionUnlockUser    = "ADMIN_UNLOCK_USER"
	ActionOtpRequested  = "OTP_REQUESTED"
	ActionPasswordReset = "PASSWORD_RESET"
)

// OtpResponseMessage is returned for every reset request regardless of
// whether the email exists, so the endpoint cannot be used to enumerate
// accounts.
const OtpResponseMessage = "If this email exists, a reset code has been sent."

// Notifier delivers out-of-band messages (reset codes) to users.
type Notifier interface {
	Send(ctx context.Context, email, message string) error
}

// SecurityService implements login throttling, lockout and the OTP-based
// password reset flow.
type SecurityService struct {
	store    Store
	auditor  *audit.Recorder
	notifier Notifier

	threshold int
	lockFor   time.Duration
	otpTTL    time.Duration
	now       func() time.Time
}

// SecurityOption configures SecurityService behavior.
type SecurityOption func(*SecurityService)

// WithSecurityClock overrides the time source (useful for tests).
func WithSecurityClock(fn func() time.Time) SecurityOption {
	return func(s *SecurityService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLockoutPolicy overrides the failure threshold and lock duration.
func WithLockoutPolicy(threshold int, lockFor time.Duration) SecurityOption {
	return func(s *SecurityService) {
		if threshold > 0 {
			s.threshold = threshold
		}
		if lockFor > 0 {
			s.lockFor = lockFor
		}
	}
}

// WithOtpTTL overrides how long a reset code stays valid.
func WithOtpTTL(ttl time.Duration) SecurityOption {
	return func(s *SecurityService) {
		if ttl > 0 {
			s.otpTTL = ttl
		}
	}
}

// NewSecurityService constructs the account security service.
func NewSecurityService(store Store, auditor *audit.Recorder, notifier Notifier, opts ...SecurityOption) (*SecurityService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if auditor == nil {
		return nil, fmt.Errorf("%w: auditor is required", ErrInvalidInput)
	}
	if notifier == nil {
		return nil, fmt.Errorf("%w: notifier is required", ErrInvalidInput)
	}
	s := &SecurityService{
		store:     store,
		auditor:   auditor,
		notifier:  notifier,
		threshold: 5,
		lockFor:   15 * time.Minute,
		otpTTL:    10 * time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Login verifies credentials and drives the lockout state machine. Unknown
// email and wrong password are indistinguishable to the caller; both return
// ErrUnauthenticated. A locked or disabled account is rejected before the
// password is checked, so attempts against it never advance the counter.
func (s *SecurityService) Login(ctx context.Context, email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	now := s.now().UTC()

	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveLoginFailure()
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if user.Status != UserStatusActive {
		obs.ObserveLoginFailure()
		return nil, ErrUnauthenticated
	}
	if user.Locked(now) {
		if _, aerr := s.auditor.Record(ctx, user.ID, ActionLoginFailed, "attempt while locked", audit.OutcomeDenied); aerr != nil {
			return nil, aerr
		}
		return nil, ErrAccountLocked
	}
	// An expired lock clears on the first attempt after its deadline; the
	// failure counter restarts from zero.
	if user.LockedUntil != nil {
		if err := s.store.Users(ctx).ResetFailures(ctx, user.ID); err != nil {
			return nil, err
		}
		user.FailedLogins = 0
		user.LockedUntil = nil
	}

	if verr := VerifyPassword(user.PasswordHash, password); verr != nil {
		return nil, s.registerFailure(ctx, user)
	}

	// Success clears any stale counter, including an expired lock.
	if user.FailedLogins > 0 || user.LockedUntil != nil {
		if err := s.store.Users(ctx).ResetFailures(ctx, user.ID); err != nil {
			return nil, err
		}
		user.FailedLogins = 0
		user.LockedUntil = nil
	}
	if _, err := s.auditor.Record(ctx, user.ID, ActionLoginSuccess, "", audit.OutcomeSuccess); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *SecurityService) registerFailure(ctx context.Context, user *User) error {
	obs.ObserveLoginFailure()
	until := s.now().UTC().Add(s.lockFor)
	attempts, lockedUntil, err := s.store.Users(ctx).RegisterFailure(ctx, user.ID, s.threshold, until)
	if err != nil {
		return err
	}
	if lockedUntil != nil {
		if attempts == s.threshold {
			obs.ObserveLockout()
			details := fmt.Sprintf("locked until %s after %d failures", lockedUntil.Format(time.RFC3339), attempts)
			if _, aerr := s.auditor.Record(ctx, user.ID, ActionAccountLocked, details, audit.OutcomeDenied); aerr != nil {
				return aerr
			}
		} else if _, aerr := s.auditor.Record(ctx, user.ID, ActionLoginFailed, "attempt while locked", audit.OutcomeDenied); aerr != nil {
			return aerr
		}
		return ErrAccountLocked
	}
	if _, aerr := s.auditor.Record(ctx, user.ID, ActionLoginFailed, fmt.Sprintf("attempt %d", attempts), audit.OutcomeDenied); aerr != nil {
		return aerr
	}
	return ErrUnauthenticated
}

// Unlock clears a lock ahead of its expiry. The actor needs user management
// permission.
func (s *SecurityService) Unlock(ctx context.Context, actor Principal, userID string) error {
	if err := Require(actor, PermManageUsers); err != nil {
		return err
	}
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).ResetFailures(ctx, userID); err != nil {
		return err
	}
	_, err = s.auditor.Record(ctx, actorID(actor), ActionUnlockUser, "user "+user.Email, audit.OutcomeSuccess)
	return err
}

// RequestOtp starts a password reset. The response is identical whether or
// not the email maps to an account; delivery happens out of band so response
// timing stays flat.
func (s *SecurityService) RequestOtp(ctx context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return OtpResponseMessage, nil
	}

	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return OtpResponseMessage, nil
		}
		return "", err
	}

	code, err := generateOtpCode()
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	ch := &OtpChallenge{
		ID:        ids.New(),
		Email:     user.Email,
		CodeHash:  hashOtpCode(code),
		ExpiresAt: now.Add(s.otpTTL),
		CreatedAt: now,
	}
	if err := s.store.OtpChallenges(ctx).Replace(ctx, ch); err != nil {
		return "", err
	}
	if _, err := s.auditor.Record(ctx, user.ID, ActionOtpRequested, "", audit.OutcomeSuccess); err != nil {
		return "", err
	}

	// Delivery must not block or fail the request; a delivery error leaves a
	// challenge the user simply never learns the code for.
	go func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.notifier.Send(dctx, user.Email, "Your password reset code is "+code); err != nil {
			obs.LogEvent(map[string]any{
				"ts":    time.Now().UTC().Format(time.RFC3339Nano),
				"type":  "otp_delivery_failed",
				"error": err.Error(),
			})
		}
	}()

	return OtpResponseMessage, nil
}

// ConfirmReset redeems a valid code for a new password. The code is
// single-use; the challenge is consumed before the password changes, and the
// reset clears any lockout so the holder can sign in immediately.
func (s *SecurityService) ConfirmReset(ctx context.Context, email, code, newPassword string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if len(newPassword) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	now := s.now().UTC()
	if err := s.store.OtpChallenges(ctx).Consume(ctx, email, hashOtpCode(code), now); err != nil {
		return err
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}
	if err := s.store.Users(ctx).ResetFailures(ctx, user.ID); err != nil {
		return err
	}
	_, err = s.auditor.Record(ctx, user.ID, ActionPasswordReset, "", audit.OutcomeSuccess)
	return err
}

func generateOtpCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func hashOtpCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
