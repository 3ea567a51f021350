package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"printflow/api/internal/auth"
	"printflow/api/internal/authpw"
	"printflow/api/internal/board"
	"printflow/api/internal/config"
	"printflow/api/internal/freshness"
	"printflow/api/internal/metrics"
	"printflow/api/internal/rbac"
	"printflow/api/internal/search"
	"printflow/api/internal/store"
	"printflow/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       int64
	Username     string
	Role         string
	StockAccess  bool
	SectorIDs    []int64
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) isAdmin() bool {
	return rbac.Normalize(s.Role) == rbac.RoleAdmin
}

// viewer is the visibility identity of the session.
func (s Session) viewer() board.Viewer {
	return board.Viewer{IsAdmin: s.isAdmin(), PermittedSectors: s.SectorIDs}
}

// visibleSectorFilter returns the sector ids a listing must be limited to, or
// nil when the session sees every sector.
func (s Session) visibleSectorFilter() []int64 {
	if s.isAdmin() || len(s.SectorIDs) == 0 {
		return nil
	}
	return s.SectorIDs
}

type dataStore interface {
	GetUserByID(context.Context, int64) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	CountUsers(context.Context) (int, error)
	CreateUser(context.Context, store.UserInput) (store.User, error)
	UpdateUser(context.Context, int64, store.UserInput) (store.User, error)
	UpdateUserPassword(context.Context, int64, string) error
	DeleteUser(context.Context, int64) error

	ListSectors(context.Context) ([]store.Sector, error)
	CreateSector(context.Context, string) (store.Sector, error)
	DeleteSector(context.Context, int64) error
	ListStatuses(context.Context) ([]store.Status, error)
	CreateStatus(context.Context, string, string) (store.Status, error)
	DeleteStatus(context.Context, int64) error

	ListActiveCards(context.Context) ([]store.Card, error)
	ListArchivedCards(context.Context, []int64, int) ([]store.Card, error)
	GetCard(context.Context, int64) (store.Card, error)
	CreateCard(context.Context, store.Card) (store.Card, error)
	UpdateCard(context.Context, int64, store.CardPatch) (store.Card, error)
	SetCardArchived(context.Context, int64, bool) (store.Card, error)
	DeleteCard(context.Context, int64) error
	MaxCardID(context.Context) (int64, error)

	ListComments(context.Context, int64) ([]store.Comment, error)
	InsertComment(context.Context, store.Comment) (store.Comment, error)

	ListChatMessages(context.Context, int) ([]store.ChatMessage, error)
	InsertChatMessage(context.Context, string, string) (store.ChatMessage, error)
	ClearChat(context.Context) error
	MaxChatMessageID(context.Context) (int64, error)

	ListMaterials(context.Context) ([]store.Material, error)
	GetMaterial(context.Context, int64) (store.Material, error)
	CreateMaterial(context.Context, string, string) (store.Material, error)
	RecordMovement(context.Context, store.MaterialMovement) (store.MaterialMovement, error)
	ListMovements(context.Context, int64, int) ([]store.MaterialMovement, error)

	Ping(context.Context) error
}

// sessionStore keeps refresh tokens and revoked access tokens. Both the
// Postgres store and the Redis session store implement it.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	signal    *freshness.Signal
	search    *search.Service
	metrics   *metrics.Metrics
	passwords *authpw.Service
}

// New wires the service. sessions may be nil, in which case refresh tokens
// live in Postgres.
func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchService *search.Service, m *metrics.Metrics) *Service {
	if sessions == nil {
		sessions = dataStore
	}
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		signal:    freshness.New(dataStore),
		search:    searchService,
		metrics:   m,
		passwords: authpw.NewService(dataStore),
	}
}

// Bootstrap seeds a first-run installation with the admin account, default
// sectors and default statuses, then rebuilds the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		if err := s.seed(ctx); err != nil {
			return err
		}
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) seed(ctx context.Context) error {
	hash, err := s.passwords.Hash(s.cfg.AdminPassword)
	if err != nil {
		return err
	}
	if _, err := s.store.CreateUser(ctx, store.UserInput{
		Username:     s.cfg.AdminUsername,
		Role:         store.RoleAdmin,
		PasswordHash: hash,
		StockAccess:  true,
	}); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	sectors, err := s.store.ListSectors(ctx)
	if err != nil {
		return err
	}
	if len(sectors) == 0 {
		for _, name := range []string{"Front Desk", "Production", "Shipping"} {
			if _, err := s.store.CreateSector(ctx, name); err != nil {
				return fmt.Errorf("seed sector %s: %w", name, err)
			}
		}
	}

	statuses, err := s.store.ListStatuses(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		seeds := []struct{ Name, Color string }{
			{Name: "Pending", Color: defaultStatusColor},
			{Name: "Done", Color: "#4CAF50"},
		}
		for _, seed := range seeds {
			if _, err := s.store.CreateStatus(ctx, seed.Name, seed.Color); err != nil {
				return fmt.Errorf("seed status %s: %w", seed.Name, err)
			}
		}
	}

	log.WithField("admin", s.cfg.AdminUsername).Info("app.bootstrap_seeded")
	return nil
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Username: username, Password: password})
	if err != nil {
		if errors.Is(err, authpw.ErrMissingCredentials) {
			return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "username and password are required", nil)
		}
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	stored, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, stored.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Username,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewSecret()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		Role:         user.Role,
		StockAccess:  user.StockAccess,
		SectorIDs:    user.SectorIDs,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token and reloads the user, so role
// and sector changes apply to tokens already handed out.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:       token,
		UserID:      user.ID,
		Username:    user.Username,
		Role:        user.Role,
		StockAccess: user.StockAccess,
		SectorIDs:   user.SectorIDs,
		JTI:         claims.JTI,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			log.WithError(err).Warn("app.revoke_access_failed")
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			log.WithError(err).Warn("app.revoke_refresh_failed")
		}
	}
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	if strings.TrimSpace(next) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "newPassword is required", nil)
	}
	if err := s.passwords.ChangePassword(ctx, session.Username, current, next); err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) || errors.Is(err, authpw.ErrMissingCredentials) {
			return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Current password is wrong", nil)
		}
		return err
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) require(session Session, action rbac.Action) error {
	if !s.Can(session.Role, action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

// Poll reports the freshness snapshot clients compare against their last
// one to decide whether to reload.
func (s *Service) Poll(ctx context.Context) map[string]any {
	s.metrics.PollServed()
	return snapshotPayload(s.signal.Poll(ctx))
}

// committed records a successful write. Callers invoke it only after the
// store call returned without error.
func (s *Service) committed(kind string) {
	s.signal.Touch()
	s.metrics.MutationApplied(kind)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions checks the session store when it is separate from Postgres.
func (s *Service) PingSessions(ctx context.Context) (bool, error) {
	if any(s.sessions) == any(s.store) {
		return false, nil
	}
	pinger, ok := s.sessions.(interface{ Ping(context.Context) error })
	if !ok {
		return false, nil
	}
	return true, pinger.Ping(ctx)
}

func (s *Service) SearchBackend() string {
	if s.search == nil {
		return "none"
	}
	return s.search.Backend()
}

func snapshotPayload(snapshot freshness.Snapshot) map[string]any {
	return map[string]any{
		"timestamp":  snapshot.Seconds(),
		"chatId":     snapshot.LastChatID,
		"lastCardId": snapshot.LastCardID,
	}
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"userId":      session.UserID,
		"username":    session.Username,
		"role":        string(rbac.Normalize(session.Role)),
		"stockAccess": rbac.CanUseStock(rbac.Normalize(session.Role), session.StockAccess),
		"sectorIds":   nonNilIDs(session.SectorIDs),
	}
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func validationError(message string) error {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}
