package store

import "time"

const (
	RoleAdmin        = "admin"
	RoleCollaborator = "collaborator"
)

type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         string
	StockAccess  bool
	SectorIDs    []int64
	CreatedAt    time.Time
}

type Sector struct {
	ID           int64
	Name         string
	DisplayOrder int
}

type Status struct {
	ID    int64
	Name  string
	Color string
}

// Card is a print job. Deadline is a calendar date normalized to UTC midnight.
type Card struct {
	ID          int64
	Title       string
	Client      string
	Description string
	SectorID    int64
	StatusID    *int64
	Deadline    *time.Time
	IsArchived  bool
	CreatedBy   string
	CreatedAt   time.Time
}

// CardPatch carries the optional fields of a card edit. Nil means unchanged;
// ClearDeadline removes the deadline.
type CardPatch struct {
	Title         *string
	Client        *string
	Description   *string
	SectorID      *int64
	StatusID      *int64
	Deadline      *time.Time
	ClearDeadline bool
}

type Comment struct {
	ID        int64
	CardID    int64
	Author    string
	Body      string
	CreatedAt time.Time
}

type ChatMessage struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}

type Material struct {
	ID        int64
	Name      string
	Unit      string
	Balance   float64
	CreatedAt time.Time
}

type MaterialMovement struct {
	ID           int64
	MaterialID   int64
	Quantity     float64
	BalanceAfter float64
	Note         string
	CreatedBy    string
	CreatedAt    time.Time
}

// UserInput is the admin-facing user save payload. An empty PasswordHash
// keeps the existing hash on update, and KeepSectors leaves the permitted
// sectors untouched instead of replacing them with SectorIDs.
type UserInput struct {
	Username     string
	Role         string
	PasswordHash string
	StockAccess  bool
	SectorIDs    []int64
	KeepSectors  bool
}
