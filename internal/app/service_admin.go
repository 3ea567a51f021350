package app

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"printflow/api/internal/authpw"
	"printflow/api/internal/metrics"
	"printflow/api/internal/rbac"
	"printflow/api/internal/store"
)

const defaultStatusColor = "#CCCCCC"

var statusColorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// SaveUserInput is the admin user form. A nil ID on the service call creates
// a user. On update an empty Password keeps the current one and an omitted
// SectorIDs keeps the current permissions; an explicit empty list clears them.
type SaveUserInput struct {
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	Password    string   `json:"password"`
	StockAccess bool     `json:"stockAccess"`
	SectorIDs   *[]int64 `json:"sectorIds"`
}

// Sectors

func (s *Service) ListSectors(ctx context.Context, session Session) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	sectors, err := s.store.ListSectors(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(sectors))
	for _, sector := range sectors {
		items = append(items, sectorPayload(sector))
	}
	return map[string]any{"sectors": items}, nil
}

func (s *Service) CreateSector(ctx context.Context, session Session, name string) (map[string]any, error) {
	if err := s.require(session, rbac.ActionConfigure); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("name is required")
	}
	sector, err := s.store.CreateSector(ctx, name)
	if err != nil {
		return nil, err
	}
	s.committed(metrics.KindSector)
	return map[string]any{"sector": sectorPayload(sector)}, nil
}

func (s *Service) DeleteSector(ctx context.Context, session Session, sectorID int64) error {
	if err := s.require(session, rbac.ActionConfigure); err != nil {
		return err
	}
	if err := s.store.DeleteSector(ctx, sectorID); err != nil {
		if errors.Is(err, store.ErrSectorInUse) {
			return domainError(http.StatusConflict, "SECTOR_IN_USE", "Sector still has cards", map[string]any{"sectorId": sectorID})
		}
		if errors.Is(err, store.ErrSectorSoleAccess) {
			return domainError(http.StatusConflict, "SECTOR_ONLY_PERMISSION", "Sector is the only permitted sector of a user", map[string]any{"sectorId": sectorID})
		}
		return err
	}
	s.committed(metrics.KindSector)
	return nil
}

// Statuses

func (s *Service) ListStatuses(ctx context.Context, session Session) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	statuses, err := s.store.ListStatuses(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"statuses": statusesPayload(statuses)}, nil
}

func (s *Service) CreateStatus(ctx context.Context, session Session, name, color string) (map[string]any, error) {
	if err := s.require(session, rbac.ActionConfigure); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("name is required")
	}
	color = strings.TrimSpace(color)
	if color == "" {
		color = defaultStatusColor
	}
	if !statusColorPattern.MatchString(color) {
		return nil, validationError("color must look like #RRGGBB")
	}
	status, err := s.store.CreateStatus(ctx, name, strings.ToUpper(color))
	if err != nil {
		return nil, err
	}
	s.committed(metrics.KindStatus)
	return map[string]any{"status": statusPayload(status)}, nil
}

// DeleteStatus removes a status; cards using it show no status afterwards.
func (s *Service) DeleteStatus(ctx context.Context, session Session, statusID int64) error {
	if err := s.require(session, rbac.ActionConfigure); err != nil {
		return err
	}
	if err := s.store.DeleteStatus(ctx, statusID); err != nil {
		return err
	}
	s.committed(metrics.KindStatus)
	return nil
}

// Users

func (s *Service) ListUsers(ctx context.Context, session Session) (map[string]any, error) {
	if err := s.require(session, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, userPayload(user))
	}
	return map[string]any{"users": items}, nil
}

func (s *Service) SaveUser(ctx context.Context, session Session, userID *int64, input SaveUserInput) (map[string]any, error) {
	if err := s.require(session, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	username := strings.TrimSpace(input.Username)
	if username == "" {
		return nil, validationError("username is required")
	}
	role := strings.TrimSpace(input.Role)
	if role == "" {
		role = string(rbac.RoleCollaborator)
	}
	if string(rbac.Normalize(role)) != role {
		return nil, validationError("role must be admin or collaborator")
	}

	password := input.Password
	if userID == nil && password == "" {
		password = authpw.DefaultPassword
	}
	var hash string
	if password != "" {
		var err error
		if hash, err = s.passwords.Hash(password); err != nil {
			return nil, err
		}
	}

	storeInput := store.UserInput{
		Username:     username,
		Role:         role,
		PasswordHash: hash,
		StockAccess:  input.StockAccess,
	}
	if input.SectorIDs != nil {
		storeInput.SectorIDs = *input.SectorIDs
	} else {
		storeInput.KeepSectors = userID != nil
	}

	var (
		user store.User
		err  error
	)
	if userID == nil {
		user, err = s.store.CreateUser(ctx, storeInput)
	} else {
		user, err = s.store.UpdateUser(ctx, *userID, storeInput)
	}
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicate):
			return nil, domainError(http.StatusConflict, "USERNAME_TAKEN", "Username already exists", map[string]any{"username": username})
		case errors.Is(err, store.ErrInvalidReference):
			return nil, validationError("unknown sector")
		}
		return nil, err
	}

	s.committed(metrics.KindUser)
	return map[string]any{"user": userPayload(user)}, nil
}

func (s *Service) DeleteUser(ctx context.Context, session Session, userID int64) error {
	if err := s.require(session, rbac.ActionAdmin); err != nil {
		return err
	}
	if userID == session.UserID {
		return domainError(http.StatusBadRequest, "CANNOT_DELETE_SELF", "You cannot delete your own account", nil)
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	s.committed(metrics.KindUser)
	return nil
}

func sectorPayload(sector store.Sector) map[string]any {
	return map[string]any{
		"id":           sector.ID,
		"name":         sector.Name,
		"displayOrder": sector.DisplayOrder,
	}
}

func statusPayload(status store.Status) map[string]any {
	return map[string]any{
		"id":    status.ID,
		"name":  status.Name,
		"color": status.Color,
	}
}

func statusesPayload(statuses []store.Status) []map[string]any {
	items := make([]map[string]any, 0, len(statuses))
	for _, status := range statuses {
		items = append(items, statusPayload(status))
	}
	return items
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":          user.ID,
		"username":    user.Username,
		"role":        string(rbac.Normalize(user.Role)),
		"stockAccess": user.StockAccess,
		"sectorIds":   nonNilIDs(user.SectorIDs),
		"createdAt":   user.CreatedAt,
	}
}
