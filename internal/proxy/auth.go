package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wtfsayo/mcpay-sub006/internal/model"
)

// Request surfaces an API key may arrive through.
const (
	headerAPIKey        = "X-API-Key"
	headerWalletAddress = "X-Wallet-Address"
	sessionCookieName   = "mcpay-session"
)

// SessionValidator resolves a session cookie to a user. The shipped proxy
// delegates to an external auth provider; a nil validator disables session
// auth entirely.
type SessionValidator interface {
	ValidateSession(ctx context.Context, sessionToken string) (model.User, error)
}

// AuthResolver maps request credentials to a user identity. Resolution
// never fails a request: any lookup error downgrades to anonymous.
type AuthResolver struct {
	store    model.Store
	sessions SessionValidator
	logger   *zap.Logger
	now      func() time.Time
}

func NewAuthResolver(store model.Store, sessions SessionValidator, logger *zap.Logger) *AuthResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthResolver{store: store, sessions: sessions, logger: logger, now: time.Now}
}

// Resolve tries API key, then session cookie, then bare wallet address.
// The body is the captured request body; a JSON object carrying "apiKey"
// counts as an API-key presentation.
func (a *AuthResolver) Resolve(ctx context.Context, r *http.Request, body []byte) (*model.User, string) {
	if key := extractAPIKey(r, body); key != "" {
		if user, ok := a.resolveAPIKey(ctx, key); ok {
			return user, model.AuthAPIKey
		}
	}

	if a.sessions != nil {
		if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
			if user, ok := a.resolveSession(ctx, cookie.Value); ok {
				return user, model.AuthSession
			}
		}
	}

	if address := strings.TrimSpace(r.Header.Get(headerWalletAddress)); address != "" {
		if user, ok := a.resolveWallet(ctx, address); ok {
			return user, model.AuthWalletHeader
		}
	}

	return nil, model.AuthNone
}

func (a *AuthResolver) resolveAPIKey(ctx context.Context, key string) (*model.User, bool) {
	user, err := a.store.GetUserByAPIKeyHash(ctx, HashAPIKey(key))
	if err != nil {
		if !errors.Is(err, model.ErrUserNotFound) {
			a.logger.Warn("api key lookup failed", zap.Error(err))
		}
		return nil, false
	}

	// usage stamps are best-effort
	now := a.now().UTC()
	if err := a.store.StampAPIKeyUsed(ctx, HashAPIKey(key), now); err != nil {
		a.logger.Debug("api key stamp failed", zap.Error(err))
	}
	if err := a.store.StampUserLogin(ctx, user.ID, now); err != nil {
		a.logger.Debug("user login stamp failed", zap.Error(err))
	}
	return &user, true
}

func (a *AuthResolver) resolveSession(ctx context.Context, token string) (*model.User, bool) {
	user, err := a.sessions.ValidateSession(ctx, token)
	if err != nil {
		return nil, false
	}
	if err := a.store.StampUserLogin(ctx, user.ID, a.now().UTC()); err != nil {
		a.logger.Debug("user login stamp failed", zap.Error(err))
	}
	return &user, true
}

// resolveWallet finds the user owning address, creating one on first
// sight when the address shape is recognizable.
func (a *AuthResolver) resolveWallet(ctx context.Context, address string) (*model.User, bool) {
	user, err := a.store.GetUserByWalletAddress(ctx, address)
	if err == nil {
		return &user, true
	}
	if !errors.Is(err, model.ErrUserNotFound) {
		a.logger.Warn("wallet lookup failed", zap.Error(err))
		return nil, false
	}

	blockchain := model.InferBlockchain(address)
	if blockchain == "" {
		return nil, false
	}
	created, err := a.store.CreateUserWithWallet(ctx, address, blockchain)
	if err != nil {
		a.logger.Warn("wallet user creation failed", zap.Error(err))
		return nil, false
	}
	return &created, true
}

// extractAPIKey pulls an API key from the header, bearer token, query
// string, or a top-level JSON body field, in that order.
func extractAPIKey(r *http.Request, body []byte) string {
	if key := strings.TrimSpace(r.Header.Get(headerAPIKey)); key != "" {
		return key
	}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	query := r.URL.Query()
	for _, param := range []string{"apiKey", "api_key"} {
		if key := strings.TrimSpace(query.Get(param)); key != "" {
			return key
		}
	}
	if len(body) > 0 {
		var probe struct {
			APIKey string `json:"apiKey"`
		}
		if err := json.Unmarshal(body, &probe); err == nil {
			return strings.TrimSpace(probe.APIKey)
		}
	}
	return ""
}

// HashAPIKey is the storage form of an API key; raw keys are never
// persisted.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
