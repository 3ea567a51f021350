package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Users

const userColumns = `id, username, password_hash, role, stock_access, created_at`

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.StockAccess, &user.CreatedAt)
	return user, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
	if err != nil {
		return User{}, err
	}
	if user.SectorIDs, err = s.userSectors(ctx, user.ID); err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
	if err != nil {
		return User{}, err
	}
	if user.SectorIDs, err = s.userSectors(ctx, user.ID); err != nil {
		return User{}, err
	}
	return user, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) userSectors(ctx context.Context, userID int64) ([]int64, error) {
	return loadUserSectors(ctx, s.db, userID)
}

func loadUserSectors(ctx context.Context, q queryer, userID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT sector_id FROM user_sectors WHERE user_id=$1 ORDER BY sector_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user sectors: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user sector: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user sectors: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	index := make(map[int64]int)
	for rows.Next() {
		item, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		item.SectorIDs = make([]int64, 0)
		index[item.ID] = len(items)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	permRows, err := s.db.QueryContext(ctx, `SELECT user_id, sector_id FROM user_sectors ORDER BY user_id, sector_id`)
	if err != nil {
		return nil, fmt.Errorf("list user sectors: %w", err)
	}
	defer permRows.Close()
	for permRows.Next() {
		var userID, sectorID int64
		if err := permRows.Scan(&userID, &sectorID); err != nil {
			return nil, fmt.Errorf("scan user sector: %w", err)
		}
		if i, ok := index[userID]; ok {
			items[i].SectorIDs = append(items[i].SectorIDs, sectorID)
		}
	}
	if err := permRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user sectors: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, input UserInput) (User, error) {
	var user User
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		user, err = scanUser(tx.QueryRowContext(ctx, `
			INSERT INTO users (username, password_hash, role, stock_access)
			VALUES ($1, $2, $3, $4)
			RETURNING `+userColumns,
			input.Username, input.PasswordHash, input.Role, input.StockAccess))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert user: %w", err)
		}
		return replaceUserSectors(ctx, tx, user.ID, input.SectorIDs)
	})
	if err != nil {
		return User{}, err
	}
	user.SectorIDs = normalizedIDs(input.SectorIDs)
	return user, nil
}

// UpdateUser overwrites the user's fields and, unless input.KeepSectors is
// set, the permitted sectors. An empty PasswordHash keeps the stored one.
func (s *PostgresStore) UpdateUser(ctx context.Context, userID int64, input UserInput) (User, error) {
	var user User
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		user, err = scanUser(tx.QueryRowContext(ctx, `
			UPDATE users
			SET username=$2,
				role=$3,
				stock_access=$4,
				password_hash=COALESCE(NULLIF($5, ''), password_hash)
			WHERE id=$1
			RETURNING `+userColumns,
			userID, input.Username, input.Role, input.StockAccess, input.PasswordHash))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			if errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return fmt.Errorf("update user: %w", err)
		}
		if input.KeepSectors {
			user.SectorIDs, err = loadUserSectors(ctx, tx, userID)
			return err
		}
		user.SectorIDs = normalizedIDs(input.SectorIDs)
		return replaceUserSectors(ctx, tx, userID, input.SectorIDs)
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func replaceUserSectors(ctx context.Context, tx *sql.Tx, userID int64, sectorIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_sectors WHERE user_id=$1`, userID); err != nil {
		return fmt.Errorf("clear user sectors: %w", err)
	}
	for _, sectorID := range normalizedIDs(sectorIDs) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO user_sectors (user_id, sector_id) VALUES ($1, $2)`, userID, sectorID); err != nil {
			if isForeignKeyViolation(err) {
				return ErrInvalidReference
			}
			return fmt.Errorf("insert user sector: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2 WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return requireAffected(result)
}

// Sessions

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.password_hash, u.role, u.stock_access, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash))
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Sectors and statuses

func (s *PostgresStore) ListSectors(ctx context.Context) ([]Sector, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, display_order FROM sectors ORDER BY display_order ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sectors: %w", err)
	}
	defer rows.Close()

	items := make([]Sector, 0)
	for rows.Next() {
		var item Sector
		if err := rows.Scan(&item.ID, &item.Name, &item.DisplayOrder); err != nil {
			return nil, fmt.Errorf("scan sector: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sectors: %w", err)
	}
	return items, nil
}

// CreateSector appends a sector after the current last one.
func (s *PostgresStore) CreateSector(ctx context.Context, name string) (Sector, error) {
	var item Sector
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sectors (name, display_order)
		SELECT $1, COALESCE(MAX(display_order), 0) + 1 FROM sectors
		RETURNING id, name, display_order
	`, name).Scan(&item.ID, &item.Name, &item.DisplayOrder)
	if err != nil {
		return Sector{}, fmt.Errorf("insert sector: %w", err)
	}
	return item, nil
}

// DeleteSector refuses while any card, archived or not, still points at it.
func (s *PostgresStore) DeleteSector(ctx context.Context, sectorID int64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var cardCount int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cards WHERE sector_id=$1`, sectorID).Scan(&cardCount); err != nil {
			return fmt.Errorf("count sector cards: %w", err)
		}
		if cardCount > 0 {
			return ErrSectorInUse
		}
		var soleAccess bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM user_sectors us
				JOIN users u ON u.id = us.user_id AND u.role <> $2
				WHERE us.sector_id = $1
				AND NOT EXISTS (SELECT 1 FROM user_sectors o WHERE o.user_id = us.user_id AND o.sector_id <> $1)
			)`, sectorID, RoleAdmin).Scan(&soleAccess); err != nil {
			return fmt.Errorf("check sector permissions: %w", err)
		}
		// Cascading the last permission away would leave the user unrestricted.
		if soleAccess {
			return ErrSectorSoleAccess
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM sectors WHERE id=$1`, sectorID)
		if err != nil {
			if isForeignKeyViolation(err) {
				return ErrSectorInUse
			}
			return fmt.Errorf("delete sector: %w", err)
		}
		return requireAffected(result)
	})
}

func (s *PostgresStore) ListStatuses(ctx context.Context) ([]Status, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, color FROM statuses ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	items := make([]Status, 0)
	for rows.Next() {
		var item Status
		if err := rows.Scan(&item.ID, &item.Name, &item.Color); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statuses: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CreateStatus(ctx context.Context, name, color string) (Status, error) {
	var item Status
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO statuses (name, color) VALUES ($1, $2)
		RETURNING id, name, color
	`, name, color).Scan(&item.ID, &item.Name, &item.Color)
	if err != nil {
		return Status{}, fmt.Errorf("insert status: %w", err)
	}
	return item, nil
}

// DeleteStatus removes the status; cards that used it fall back to no status.
func (s *PostgresStore) DeleteStatus(ctx context.Context, statusID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM statuses WHERE id=$1`, statusID)
	if err != nil {
		return fmt.Errorf("delete status: %w", err)
	}
	return requireAffected(result)
}

// Cards

const cardColumns = `id, title, client, description, sector_id, status_id, deadline, is_archived, created_by, created_at`

func scanCard(row rowScanner) (Card, error) {
	var (
		item     Card
		statusID sql.NullInt64
		deadline sql.NullTime
	)
	err := row.Scan(&item.ID, &item.Title, &item.Client, &item.Description, &item.SectorID, &statusID, &deadline, &item.IsArchived, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Card{}, err
	}
	if statusID.Valid {
		id := statusID.Int64
		item.StatusID = &id
	}
	if deadline.Valid {
		year, month, day := deadline.Time.Date()
		date := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		item.Deadline = &date
	}
	return item, nil
}

func (s *PostgresStore) queryCards(ctx context.Context, query string, args ...any) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	items := make([]Card, 0)
	for rows.Next() {
		item, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return items, nil
}

// ListActiveCards returns every non-archived card in id order.
func (s *PostgresStore) ListActiveCards(ctx context.Context) ([]Card, error) {
	return s.queryCards(ctx, `SELECT `+cardColumns+` FROM cards WHERE is_archived = FALSE ORDER BY id ASC`)
}

// ListArchivedCards returns the newest archived cards. A nil sectorIDs means
// no sector restriction.
func (s *PostgresStore) ListArchivedCards(ctx context.Context, sectorIDs []int64, limit int) ([]Card, error) {
	if sectorIDs == nil {
		return s.queryCards(ctx, `
			SELECT `+cardColumns+` FROM cards
			WHERE is_archived = TRUE
			ORDER BY id DESC
			LIMIT $1
		`, limit)
	}
	return s.queryCards(ctx, `
		SELECT `+cardColumns+` FROM cards
		WHERE is_archived = TRUE AND sector_id = ANY($1)
		ORDER BY id DESC
		LIMIT $2
	`, sectorIDs, limit)
}

func (s *PostgresStore) GetCard(ctx context.Context, cardID int64) (Card, error) {
	return scanCard(s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=$1`, cardID))
}

// CreateCard inserts card into the first sector by display order and the
// first status by id. SectorID and StatusID on the input are ignored.
func (s *PostgresStore) CreateCard(ctx context.Context, card Card) (Card, error) {
	var created Card
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var sectorID int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM sectors ORDER BY display_order ASC, id ASC LIMIT 1`).Scan(&sectorID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoSectors
		}
		if err != nil {
			return fmt.Errorf("pick first sector: %w", err)
		}

		var statusID sql.NullInt64
		err = tx.QueryRowContext(ctx, `SELECT id FROM statuses ORDER BY id ASC LIMIT 1`).Scan(&statusID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("pick first status: %w", err)
		}

		created, err = scanCard(tx.QueryRowContext(ctx, `
			INSERT INTO cards (title, client, description, sector_id, status_id, deadline, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+cardColumns,
			card.Title, card.Client, card.Description, sectorID, statusID, nullDate(card.Deadline), card.CreatedBy))
		if err != nil {
			return fmt.Errorf("insert card: %w", err)
		}
		return nil
	})
	if err != nil {
		return Card{}, err
	}
	return created, nil
}

// UpdateCard applies the non-nil fields of patch.
func (s *PostgresStore) UpdateCard(ctx context.Context, cardID int64, patch CardPatch) (Card, error) {
	item, err := scanCard(s.db.QueryRowContext(ctx, `
		UPDATE cards SET
			title = COALESCE($2, title),
			client = COALESCE($3, client),
			description = COALESCE($4, description),
			sector_id = COALESCE($5, sector_id),
			status_id = COALESCE($6, status_id),
			deadline = CASE WHEN $7 THEN NULL ELSE COALESCE($8, deadline) END
		WHERE id=$1
		RETURNING `+cardColumns,
		cardID,
		nullString(patch.Title),
		nullString(patch.Client),
		nullString(patch.Description),
		nullInt(patch.SectorID),
		nullInt(patch.StatusID),
		patch.ClearDeadline,
		nullDate(patch.Deadline),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Card{}, err
		}
		if isForeignKeyViolation(err) {
			return Card{}, ErrInvalidReference
		}
		return Card{}, fmt.Errorf("update card: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) SetCardArchived(ctx context.Context, cardID int64, archived bool) (Card, error) {
	item, err := scanCard(s.db.QueryRowContext(ctx, `
		UPDATE cards SET is_archived=$2 WHERE id=$1
		RETURNING `+cardColumns, cardID, archived))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Card{}, err
		}
		return Card{}, fmt.Errorf("archive card: %w", err)
	}
	return item, nil
}

// DeleteCard removes the card and, through the foreign key, its comments.
func (s *PostgresStore) DeleteCard(ctx context.Context, cardID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cards WHERE id=$1`, cardID)
	if err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) MaxCardID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM cards`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max card id: %w", err)
	}
	return id, nil
}

// Comments

func (s *PostgresStore) ListComments(ctx context.Context, cardID int64) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, card_id, author, body, created_at
		FROM comments
		WHERE card_id=$1
		ORDER BY id ASC
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.CardID, &item.Author, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	item := comment
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (card_id, author, body) VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, comment.CardID, comment.Author, comment.Body).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return Comment{}, sql.ErrNoRows
		}
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return item, nil
}

// Chat

// ListChatMessages returns the newest limit messages, oldest first.
func (s *PostgresStore) ListChatMessages(ctx context.Context, limit int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author, body, created_at FROM (
			SELECT id, author, body, created_at
			FROM chat_messages
			ORDER BY id DESC
			LIMIT $1
		) recent
		ORDER BY id ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var item ChatMessage
		if err := rows.Scan(&item.ID, &item.Author, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertChatMessage(ctx context.Context, author, body string) (ChatMessage, error) {
	item := ChatMessage{Author: author, Body: body}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (author, body) VALUES ($1, $2)
		RETURNING id, created_at
	`, author, body).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return item, nil
}

// ClearChat deletes every message. Ids keep increasing afterwards so the
// chat counter never has to move backwards.
func (s *PostgresStore) ClearChat(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages`); err != nil {
		return fmt.Errorf("clear chat: %w", err)
	}
	return nil
}

func (s *PostgresStore) MaxChatMessageID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM chat_messages`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max chat message id: %w", err)
	}
	return id, nil
}

// Stock

func (s *PostgresStore) ListMaterials(ctx context.Context) ([]Material, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, unit, balance, created_at FROM materials ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list materials: %w", err)
	}
	defer rows.Close()

	items := make([]Material, 0)
	for rows.Next() {
		var item Material
		if err := rows.Scan(&item.ID, &item.Name, &item.Unit, &item.Balance, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan material: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate materials: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMaterial(ctx context.Context, materialID int64) (Material, error) {
	var item Material
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, unit, balance, created_at FROM materials WHERE id=$1
	`, materialID).Scan(&item.ID, &item.Name, &item.Unit, &item.Balance, &item.CreatedAt)
	if err != nil {
		return Material{}, err
	}
	return item, nil
}

func (s *PostgresStore) CreateMaterial(ctx context.Context, name, unit string) (Material, error) {
	item := Material{Name: name, Unit: unit}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO materials (name, unit) VALUES ($1, $2)
		RETURNING id, balance, created_at
	`, name, unit).Scan(&item.ID, &item.Balance, &item.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Material{}, ErrDuplicate
		}
		return Material{}, fmt.Errorf("insert material: %w", err)
	}
	return item, nil
}

// RecordMovement appends a movement and updates the running balance under a
// row lock. A movement that would make the balance negative is rejected.
func (s *PostgresStore) RecordMovement(ctx context.Context, movement MaterialMovement) (MaterialMovement, error) {
	item := movement
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var balance float64
		err := tx.QueryRowContext(ctx, `SELECT balance FROM materials WHERE id=$1 FOR UPDATE`, movement.MaterialID).Scan(&balance)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return fmt.Errorf("lock material: %w", err)
		}

		next := balance + movement.Quantity
		if next < 0 {
			return ErrInsufficientStock
		}
		if _, err := tx.ExecContext(ctx, `UPDATE materials SET balance=$2 WHERE id=$1`, movement.MaterialID, next); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		item.BalanceAfter = next
		err = tx.QueryRowContext(ctx, `
			INSERT INTO material_movements (material_id, quantity, balance_after, note, created_by)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at
		`, movement.MaterialID, movement.Quantity, next, movement.Note, movement.CreatedBy).Scan(&item.ID, &item.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert movement: %w", err)
		}
		return nil
	})
	if err != nil {
		return MaterialMovement{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListMovements(ctx context.Context, materialID int64, limit int) ([]MaterialMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, material_id, quantity, balance_after, note, created_by, created_at
		FROM material_movements
		WHERE material_id=$1
		ORDER BY id DESC
		LIMIT $2
	`, materialID, limit)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()

	items := make([]MaterialMovement, 0)
	for rows.Next() {
		var item MaterialMovement
		if err := rows.Scan(&item.ID, &item.MaterialID, &item.Quantity, &item.BalanceAfter, &item.Note, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate movements: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func normalizedIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func nullInt(value *int64) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *value, Valid: true}
}

func nullDate(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}
