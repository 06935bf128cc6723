// Package gate is the operator sign-in in front of every surface. One
// operator session exists at a time: signing in replaces it, signing out
// revokes it. The session token is an HS256 JWT, and its id is kept in the
// operator_session table so a restart restores the session and a sign-out
// invalidates tokens already handed out.
package gate

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/btcapture/dbopen"
	"github.com/hazyhaar/btcapture/idgen"
)

// MinSecretLen is the minimum HS256 key length. 32 bytes = 256 bits.
const MinSecretLen = 32

const (
	RoleOperator    = "operator"
	DefaultUsername = "admin"
	DefaultTTL      = 24 * time.Hour
)

var (
	ErrSecretTooShort = fmt.Errorf("gate: secret must be at least %d bytes", MinSecretLen)
	ErrNoCredentials  = errors.New("gate: password or password hash required")

	// ErrUnauthorized is returned by Verify for missing, invalid, expired
	// or revoked tokens.
	ErrUnauthorized = errors.New("gate: unauthorized")
)

// Claims is the session token payload.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Result is the outcome of Authenticate. A wrong username or password is a
// Result with Success false, not an error.
type Result struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
}

// Config holds the operator credentials. PasswordHash (bcrypt) wins over
// Password when both are set.
type Config struct {
	Username     string
	Password     string
	PasswordHash string
	Secret       []byte
	TTL          time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithClock sets the time source for token issue and expiry checks.
func WithClock(fn func() time.Time) Option {
	return func(g *Gate) { g.now = fn }
}

// WithSessionDB persists the operator session in db. Without it the
// session lives in memory only.
func WithSessionDB(db *sql.DB) Option {
	return func(g *Gate) { g.db = db }
}

// WithBcryptCost sets the cost used to hash a plain Password.
func WithBcryptCost(cost int) Option {
	return func(g *Gate) { g.cost = cost }
}

// WithSessionIDs sets the generator for token ids.
func WithSessionIDs(gen idgen.Generator) Option {
	return func(g *Gate) { g.newID = gen }
}

// Gate checks operator credentials and owns the single operator session.
type Gate struct {
	username string
	hash     []byte
	secret   []byte
	ttl      time.Duration
	cost     int
	logger   *slog.Logger
	now      func() time.Time
	newID    idgen.Generator
	db       *sql.DB

	mu      sync.RWMutex
	token   string
	current *Claims
}

// New validates cfg, hashes a plain password and prepares the session table
// when a session DB is configured.
func New(cfg Config, opts ...Option) (*Gate, error) {
	if len(cfg.Secret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	g := &Gate{
		username: cfg.Username,
		secret:   cfg.Secret,
		ttl:      cfg.TTL,
		cost:     bcrypt.DefaultCost,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    idgen.Prefixed("sess_", idgen.UUIDv7()),
	}
	if g.username == "" {
		g.username = DefaultUsername
	}
	if g.ttl <= 0 {
		g.ttl = DefaultTTL
	}
	for _, o := range opts {
		o(g)
	}

	switch {
	case cfg.PasswordHash != "":
		if _, err := bcrypt.Cost([]byte(cfg.PasswordHash)); err != nil {
			return nil, fmt.Errorf("gate: password hash: %w", err)
		}
		g.hash = []byte(cfg.PasswordHash)
	case cfg.Password != "":
		h, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), g.cost)
		if err != nil {
			return nil, fmt.Errorf("gate: hash password: %w", err)
		}
		g.hash = h
	default:
		return nil, ErrNoCredentials
	}

	if g.db != nil {
		if err := dbopen.ApplySchema(g.db, Schema); err != nil {
			return nil, fmt.Errorf("gate: %w", err)
		}
	}
	return g, nil
}

// Authenticate checks the credentials and, on success, opens a new operator
// session replacing any previous one.
func (g *Gate) Authenticate(ctx context.Context, username, password string) (Result, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(g.username)) == 1
	// Always run bcrypt so a wrong username costs as much as a wrong password.
	passErr := bcrypt.CompareHashAndPassword(g.hash, []byte(password))
	if !userOK || passErr != nil {
		g.logger.Warn("gate: sign-in rejected", "username", username)
		return Result{}, nil
	}

	now := g.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        g.newID(),
			Subject:   g.username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
		Username: g.username,
		Role:     RoleOperator,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return Result{}, fmt.Errorf("gate: sign token: %w", err)
	}

	if err := g.persist(ctx, claims, token); err != nil {
		return Result{}, err
	}

	g.mu.Lock()
	g.token, g.current = token, claims
	g.mu.Unlock()

	g.logger.Info("gate: operator signed in", "username", g.username, "session_id", claims.ID)
	return Result{Success: true, Token: token}, nil
}

// Authorized reports whether an unexpired operator session is open.
func (g *Gate) Authorized() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current != nil && g.now().Before(g.current.ExpiresAt.Time)
}

// Token returns the current session token, or "".
func (g *Gate) Token() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.current == nil {
		return ""
	}
	return g.token
}

// Verify parses token, pinned to HS256, and checks that it belongs to the
// open session.
func (g *Gate) Verify(token string) (*Claims, error) {
	claims, err := g.parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	g.mu.RLock()
	cur := g.current
	g.mu.RUnlock()
	if cur == nil || cur.ID != claims.ID {
		return nil, fmt.Errorf("%w: session revoked", ErrUnauthorized)
	}
	return claims, nil
}

func (g *Gate) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithTimeFunc(g.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// SignOut closes the operator session. Tokens issued for it stop verifying.
func (g *Gate) SignOut(ctx context.Context) error {
	g.mu.Lock()
	cur := g.current
	g.token, g.current = "", nil
	g.mu.Unlock()

	if g.db != nil {
		if _, err := dbopen.Exec(ctx, g.db, `DELETE FROM operator_session`); err != nil {
			return fmt.Errorf("gate: sign out: %w", err)
		}
	}
	if cur != nil {
		g.logger.Info("gate: operator signed out", "session_id", cur.ID)
	}
	return nil
}

// Restore reloads the persisted session at startup. A stored token that no
// longer verifies (expired, or signed with another secret) is deleted.
func (g *Gate) Restore(ctx context.Context) error {
	if g.db == nil {
		return nil
	}
	var token string
	err := g.db.QueryRowContext(ctx, `SELECT token FROM operator_session WHERE slot = 1`).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("gate: restore: %w", err)
	}

	claims, err := g.parse(token)
	if err != nil {
		g.logger.Info("gate: stored session discarded", "error", err)
		if _, derr := dbopen.Exec(ctx, g.db, `DELETE FROM operator_session`); derr != nil {
			return fmt.Errorf("gate: restore: %w", derr)
		}
		return nil
	}

	g.mu.Lock()
	g.token, g.current = token, claims
	g.mu.Unlock()
	g.logger.Info("gate: operator session restored", "session_id", claims.ID)
	return nil
}

func (g *Gate) persist(ctx context.Context, c *Claims, token string) error {
	if g.db == nil {
		return nil
	}
	_, err := dbopen.Exec(ctx, g.db,
		`INSERT INTO operator_session (slot, session_id, username, token, expires_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET
		   session_id = excluded.session_id,
		   username   = excluded.username,
		   token      = excluded.token,
		   expires_at = excluded.expires_at`,
		c.ID, c.Username, token, c.ExpiresAt.Time.UnixMilli())
	if err != nil {
		return fmt.Errorf("gate: persist session: %w", err)
	}
	return nil
}
