package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"phonestock/backend/internal/domain"
)

type AuthManager struct {
	mu        sync.RWMutex
	secret    []byte
	tokenTTL  time.Duration
	userStore UserStore
	users     map[string]credential
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type credential struct {
	password string
	role     string
	active   bool
	created  time.Time
}

type stockClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	manager := &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		userStore: userStore,
		users:     make(map[string]credential),
	}
	// Startup load runs before any request context exists.
	manager.refreshUsers(context.Background())
	return manager
}

func (a *AuthManager) Login(req domain.LoginRequest) (domain.LoginResponse, error) {
	a.refreshUsers(context.Background())

	username := strings.TrimSpace(req.Username)
	a.mu.RLock()
	cred, ok := a.users[username]
	a.mu.RUnlock()
	if !ok {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.password), []byte(req.Password)) != nil {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}
	if !cred.active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, cred.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &stockClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return domain.Actor{}, err
	}
	if !token.Valid || claims.Subject == "" {
		return domain.Actor{}, errors.New("invalid token")
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := stockClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthManager) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.UserAccount, error) {
	username := strings.TrimSpace(req.Username)
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if username == "" || len(req.Password) < 8 {
		return domain.UserAccount{}, errors.New("username and a password of at least 8 characters are required")
	}
	if role != domain.RoleAdmin && role != domain.RoleDSR {
		return domain.UserAccount{}, fmt.Errorf("unknown role %q", req.Role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.UserAccount{}, err
	}

	user := domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      role,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.userStore.CreateUser(ctx, user); err != nil {
		return domain.UserAccount{}, err
	}

	a.mu.Lock()
	a.users[username] = credential{
		password: user.Password,
		role:     user.Role,
		active:   user.Active,
		created:  user.CreatedAt,
	}
	a.mu.Unlock()

	user.Password = ""
	return user, nil
}

// ListUsers returns accounts with passwords stripped, sorted by username.
func (a *AuthManager) ListUsers() []domain.UserAccount {
	a.mu.RLock()
	defer a.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(a.users))
	for username, cred := range a.users {
		users = append(users, domain.UserAccount{
			Username:  username,
			Role:      cred.role,
			Active:    cred.active,
			CreatedAt: cred.created,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

// refreshUsers reloads credentials from the user store so accounts added by
// another process become usable. Plain-text passwords left over from manual
// seeding are upgraded to bcrypt in place.
func (a *AuthManager) refreshUsers(ctx context.Context) {
	if a.userStore == nil {
		return
	}
	users, err := a.userStore.ListUsers(ctx)
	if err != nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range users {
		password := u.Password
		if !isPasswordHash(password) {
			if hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost); err == nil {
				password = string(hash)
				_ = a.userStore.UpdateUserPassword(ctx, u.Username, password)
			}
		}
		a.users[u.Username] = credential{
			password: password,
			role:     u.Role,
			active:   u.Active,
			created:  u.CreatedAt,
		}
	}
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
