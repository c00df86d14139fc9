package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"wheelauth/internal/domain/models"
	"wheelauth/internal/lib/jwt"
	"wheelauth/internal/lib/sl"
	"wheelauth/internal/storage"
)

type Auth struct {
	logger          *slog.Logger
	users           UserStorage
	tokens          TokenStorage
	hasher          PasswordHasher
	jwtSecret       string
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	refreshPepper   string
	storeTimeout    time.Duration
	kdfSem          *semaphore.Weighted
}

type UserStorage interface {
	SaveUser(ctx context.Context, user *models.User) error
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, userID string) (*models.User, error)
}

type TokenStorage interface {
	SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error
	RefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldHash string, newToken *models.RefreshToken) error
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
}

type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, digest string) bool
}

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidToken       = errors.New("invalid refresh token")
)

// Device carries optional provenance metadata recorded with refresh tokens.
type Device struct {
	Info   string
	Origin string
}

// Session is the result of a successful issuance: a token pair plus the
// sanitized owner view.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         models.UserView
}

// New returns a new instance of the Auth service.
func New(
	logger *slog.Logger,
	users UserStorage,
	tokens TokenStorage,
	hasher PasswordHasher,
	jwtSecret string,
	accessTokenTTL time.Duration,
	refreshTokenTTL time.Duration,
	refreshPepper string,
	storeTimeout time.Duration,
) *Auth {
	return &Auth{
		logger:          logger,
		users:           users,
		tokens:          tokens,
		hasher:          hasher,
		jwtSecret:       jwtSecret,
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		refreshPepper:   refreshPepper,
		storeTimeout:    storeTimeout,
		kdfSem:          semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
}

// Register creates a new identity and logs it in.
func (a *Auth) Register(
	ctx context.Context,
	email, password, fullName, timezone string,
	device Device,
) (*Session, error) {
	const op = "auth.Register"
	log := a.logger.With(slog.String("op", op), slog.String("email", email))
	log.Info("register request")

	passHash, err := a.hashPassword(ctx, password)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	user := &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		PassHash:  passHash,
		FullName:  fullName,
		Timezone:  timezone,
		CreatedAt: time.Now().UTC(),
	}

	storeCtx, cancel := a.storeCtx(ctx)
	defer cancel()
	if err := a.users.SaveUser(storeCtx, user); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			log.Warn("user already exists")
			return nil, fmt.Errorf("%s: %w", op, ErrUserAlreadyExists)
		}
		log.Error("failed to save user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	session, err := a.issueSession(ctx, user, device)
	if err != nil {
		log.Error("failed to issue session", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.String("userID", user.ID))

	return session, nil
}

// Login authenticates the user and issues a fresh token pair. An unknown
// email and a wrong password are indistinguishable to the caller.
func (a *Auth) Login(
	ctx context.Context,
	email, password string,
	device Device,
) (*Session, error) {
	const op = "auth.Login"
	log := a.logger.With(slog.String("op", op))
	log.Info("login request", slog.String("email", email))

	storeCtx, cancel := a.storeCtx(ctx)
	user, err := a.users.UserByEmail(storeCtx, email)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found", slog.String("email", email))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ok, err := a.verifyPassword(ctx, password, user.PassHash)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		log.Warn("invalid password", slog.String("userID", user.ID))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	session, err := a.issueSession(ctx, user, device)
	if err != nil {
		log.Error("failed to issue session", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged in", slog.String("userID", user.ID))

	return session, nil
}

// Refresh exchanges a valid refresh token for a new pair, rotating the
// presented record. Presenting any non-active record is treated as replay:
// every session of the owning user is revoked.
func (a *Auth) Refresh(ctx context.Context, rawToken string, device Device) (*Session, error) {
	const op = "auth.Refresh"
	log := a.logger.With(slog.String("op", op))
	log.Info("refresh request")

	tokenHash := a.hashRefreshSecret(rawToken)

	storeCtx, cancel := a.storeCtx(ctx)
	record, err := a.tokens.RefreshTokenByHash(storeCtx, tokenHash)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			log.Warn("refresh token not found")
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		log.Error("failed to get refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !record.IsValid(time.Now()) {
		a.containReplay(ctx, log, record)
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	rawSecret, newRecord, err := a.newRefreshRecord(record.UserID, device)
	if err != nil {
		log.Error("failed to generate refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// The rotation must commit even if the client goes away mid-request:
	// a half-applied revoke+create would strand the user.
	rotateCtx, cancel := a.detachedStoreCtx(ctx)
	err = a.tokens.RotateRefreshToken(rotateCtx, tokenHash, newRecord)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrTokenRevoked) || errors.Is(err, storage.ErrTokenNotFound) {
			// Lost the rotation race: someone else already spent this token.
			a.containReplay(ctx, log, record)
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		log.Error("failed to rotate refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	storeCtx, cancel = a.storeCtx(ctx)
	user, err := a.users.UserByID(storeCtx, record.UserID)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("token owner no longer exists", slog.String("userID", record.UserID))
			a.containReplay(ctx, log, record)
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	accessToken, err := jwt.NewToken(user, a.jwtSecret, a.accessTokenTTL)
	if err != nil {
		log.Error("failed to generate access token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("tokens refreshed", slog.String("userID", user.ID))

	return &Session{
		AccessToken:  accessToken,
		RefreshToken: rawSecret,
		User:         user.View(),
	}, nil
}

// Logout revokes every refresh token of the user. Idempotent.
func (a *Auth) Logout(ctx context.Context, userID string) error {
	const op = "auth.Logout"
	log := a.logger.With(slog.String("op", op), slog.String("userID", userID))

	storeCtx, cancel := a.detachedStoreCtx(ctx)
	defer cancel()

	revoked, err := a.tokens.RevokeAllForUser(storeCtx, userID)
	if err != nil {
		log.Error("failed to revoke sessions", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged out", slog.Int64("revoked", revoked))

	return nil
}

// CurrentUser returns the sanitized identity view for the given user id.
func (a *Auth) CurrentUser(ctx context.Context, userID string) (models.UserView, error) {
	const op = "auth.CurrentUser"
	log := a.logger.With(slog.String("op", op), slog.String("userID", userID))

	storeCtx, cancel := a.storeCtx(ctx)
	defer cancel()

	user, err := a.users.UserByID(storeCtx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found")
			return models.UserView{}, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		log.Error("failed to get user", sl.Err(err))
		return models.UserView{}, fmt.Errorf("%s: %w", op, err)
	}

	return user.View(), nil
}

// containReplay handles presentation of a non-active refresh token: possible
// theft, so every session of the owner is revoked. The caller only ever sees
// the opaque invalid-token error.
func (a *Auth) containReplay(ctx context.Context, log *slog.Logger, record *models.RefreshToken) {
	log.Warn("refresh token replay detected, revoking all user sessions",
		slog.String("userID", record.UserID),
		slog.String("tokenID", record.ID),
	)

	storeCtx, cancel := a.detachedStoreCtx(ctx)
	defer cancel()

	revoked, err := a.tokens.RevokeAllForUser(storeCtx, record.UserID)
	if err != nil {
		log.Error("failed to revoke user sessions after replay", sl.Err(err))
		return
	}
	log.Warn("user sessions revoked after replay", slog.Int64("revoked", revoked))
}

// issueSession mints an access token and a fresh refresh record for the user.
func (a *Auth) issueSession(ctx context.Context, user *models.User, device Device) (*Session, error) {
	accessToken, err := jwt.NewToken(user, a.jwtSecret, a.accessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	rawSecret, record, err := a.newRefreshRecord(user.ID, device)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	storeCtx, cancel := a.detachedStoreCtx(ctx)
	defer cancel()
	if err := a.tokens.SaveRefreshToken(storeCtx, record); err != nil {
		return nil, fmt.Errorf("save refresh token: %w", err)
	}

	return &Session{
		AccessToken:  accessToken,
		RefreshToken: rawSecret,
		User:         user.View(),
	}, nil
}

// newRefreshRecord generates a raw refresh secret and the record holding its
// hash. The raw secret is returned to the caller and never stored.
func (a *Auth) newRefreshRecord(userID string, device Device) (string, *models.RefreshToken, error) {
	rawSecret, err := generateRefreshSecret()
	if err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()
	record := &models.RefreshToken{
		ID:            uuid.NewString(),
		UserID:        userID,
		TokenHash:     a.hashRefreshSecret(rawSecret),
		DeviceInfo:    device.Info,
		OriginAddress: device.Origin,
		CreatedAt:     now,
		ExpiresAt:     now.Add(a.refreshTokenTTL),
	}
	return rawSecret, record, nil
}

func (a *Auth) hashPassword(ctx context.Context, password string) (string, error) {
	if err := a.kdfSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer a.kdfSem.Release(1)
	return a.hasher.Hash(password)
}

func (a *Auth) verifyPassword(ctx context.Context, password, digest string) (bool, error) {
	if err := a.kdfSem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer a.kdfSem.Release(1)
	return a.hasher.Verify(password, digest), nil
}

func (a *Auth) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.storeTimeout)
}

// detachedStoreCtx bounds a store mutation by the op timeout but not by the
// caller's cancellation, so in-flight writes commit even on disconnect.
func (a *Auth) detachedStoreCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), a.storeTimeout)
}

// hashRefreshSecret computes the peppered SHA-256 lookup key of a secret.
func (a *Auth) hashRefreshSecret(secret string) string {
	h := sha256.New()
	h.Write([]byte(secret + a.refreshPepper))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// generateRefreshSecret returns a 256-bit cryptographically random secret.
func generateRefreshSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
