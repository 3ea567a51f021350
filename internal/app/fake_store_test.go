package app

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"printflow/api/internal/authpw"
	"printflow/api/internal/config"
	"printflow/api/internal/freshness"
	"printflow/api/internal/metrics"
	"printflow/api/internal/store"
)

// fakeStore is an in-memory dataStore and sessionStore. The xxxFn hooks
// replace a single method when a test needs a failure.
type fakeStore struct {
	mu sync.Mutex

	nextID    int64
	users     map[int64]store.User
	sectors   []store.Sector
	statuses  []store.Status
	cards     map[int64]store.Card
	comments  []store.Comment
	chat      []store.ChatMessage
	materials map[int64]store.Material
	movements []store.MaterialMovement
	refresh   map[string]int64
	revoked   map[string]bool

	createCardFn        func(context.Context, store.Card) (store.Card, error)
	insertChatMessageFn func(context.Context, string, string) (store.ChatMessage, error)
	pingFn              func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     map[int64]store.User{},
		cards:     map[int64]store.Card{},
		materials: map[int64]store.Material{},
		refresh:   map[string]int64{},
		revoked:   map[string]bool{},
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

// Users

func (f *fakeStore) GetUserByID(_ context.Context, userID int64) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Username == username {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) ListUsers(context.Context) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.User, 0, len(f.users))
	for _, user := range f.users {
		items = append(items, user)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Username < items[j].Username })
	return items, nil
}

func (f *fakeStore) CountUsers(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), nil
}

func (f *fakeStore) usernameTaken(username string, except int64) bool {
	for _, user := range f.users {
		if user.Username == username && user.ID != except {
			return true
		}
	}
	return false
}

func (f *fakeStore) sectorsExist(ids []int64) bool {
	for _, id := range ids {
		if !f.hasSector(id) {
			return false
		}
	}
	return true
}

func (f *fakeStore) CreateUser(_ context.Context, input store.UserInput) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usernameTaken(input.Username, 0) {
		return store.User{}, store.ErrDuplicate
	}
	if !f.sectorsExist(input.SectorIDs) {
		return store.User{}, store.ErrInvalidReference
	}
	user := store.User{
		ID:           f.id(),
		Username:     input.Username,
		PasswordHash: input.PasswordHash,
		Role:         input.Role,
		StockAccess:  input.StockAccess,
		SectorIDs:    input.SectorIDs,
		CreatedAt:    time.Now(),
	}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) UpdateUser(_ context.Context, userID int64, input store.UserInput) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	if f.usernameTaken(input.Username, userID) {
		return store.User{}, store.ErrDuplicate
	}
	if !input.KeepSectors && !f.sectorsExist(input.SectorIDs) {
		return store.User{}, store.ErrInvalidReference
	}
	user.Username = input.Username
	user.Role = input.Role
	user.StockAccess = input.StockAccess
	if !input.KeepSectors {
		user.SectorIDs = input.SectorIDs
	}
	if input.PasswordHash != "" {
		user.PasswordHash = input.PasswordHash
	}
	f.users[userID] = user
	return user, nil
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID int64, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = hash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) DeleteUser(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[userID]; !ok {
		return sql.ErrNoRows
	}
	delete(f.users, userID)
	return nil
}

// Sectors and statuses

func (f *fakeStore) hasSector(id int64) bool {
	for _, sector := range f.sectors {
		if sector.ID == id {
			return true
		}
	}
	return false
}

func (f *fakeStore) hasStatus(id int64) bool {
	for _, status := range f.statuses {
		if status.ID == id {
			return true
		}
	}
	return false
}

func (f *fakeStore) ListSectors(context.Context) ([]store.Sector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := append([]store.Sector(nil), f.sectors...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].DisplayOrder < items[j].DisplayOrder })
	return items, nil
}

func (f *fakeStore) CreateSector(_ context.Context, name string) (store.Sector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order := 0
	for _, sector := range f.sectors {
		if sector.DisplayOrder > order {
			order = sector.DisplayOrder
		}
	}
	sector := store.Sector{ID: f.id(), Name: name, DisplayOrder: order + 1}
	f.sectors = append(f.sectors, sector)
	return sector, nil
}

func (f *fakeStore) DeleteSector(_ context.Context, sectorID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, card := range f.cards {
		if card.SectorID == sectorID {
			return store.ErrSectorInUse
		}
	}
	for _, user := range f.users {
		if user.Role != store.RoleAdmin && len(user.SectorIDs) == 1 && user.SectorIDs[0] == sectorID {
			return store.ErrSectorSoleAccess
		}
	}
	for i, sector := range f.sectors {
		if sector.ID == sectorID {
			f.sectors = append(f.sectors[:i], f.sectors[i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) ListStatuses(context.Context) ([]store.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Status(nil), f.statuses...), nil
}

func (f *fakeStore) CreateStatus(_ context.Context, name, color string) (store.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := store.Status{ID: f.id(), Name: name, Color: color}
	f.statuses = append(f.statuses, status)
	return status, nil
}

func (f *fakeStore) DeleteStatus(_ context.Context, statusID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, status := range f.statuses {
		if status.ID == statusID {
			f.statuses = append(f.statuses[:i], f.statuses[i+1:]...)
			for id, card := range f.cards {
				if card.StatusID != nil && *card.StatusID == statusID {
					card.StatusID = nil
					f.cards[id] = card
				}
			}
			return nil
		}
	}
	return sql.ErrNoRows
}

// Cards

func (f *fakeStore) sortedCards(keep func(store.Card) bool) []store.Card {
	items := make([]store.Card, 0, len(f.cards))
	for _, card := range f.cards {
		if keep(card) {
			items = append(items, card)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (f *fakeStore) ListActiveCards(context.Context) ([]store.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedCards(func(card store.Card) bool { return !card.IsArchived }), nil
}

func (f *fakeStore) ListArchivedCards(_ context.Context, sectorIDs []int64, limit int) ([]store.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.sortedCards(func(card store.Card) bool {
		if !card.IsArchived {
			return false
		}
		if sectorIDs == nil {
			return true
		}
		for _, id := range sectorIDs {
			if id == card.SectorID {
				return true
			}
		}
		return false
	})
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeStore) GetCard(_ context.Context, cardID int64) (store.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	card, ok := f.cards[cardID]
	if !ok {
		return store.Card{}, sql.ErrNoRows
	}
	return card, nil
}

func (f *fakeStore) CreateCard(ctx context.Context, card store.Card) (store.Card, error) {
	if f.createCardFn != nil {
		return f.createCardFn(ctx, card)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sectors) == 0 {
		return store.Card{}, store.ErrNoSectors
	}
	first := f.sectors[0]
	for _, sector := range f.sectors {
		if sector.DisplayOrder < first.DisplayOrder {
			first = sector
		}
	}
	card.ID = f.id()
	card.SectorID = first.ID
	card.StatusID = nil
	if len(f.statuses) > 0 {
		statusID := f.statuses[0].ID
		card.StatusID = &statusID
	}
	card.CreatedAt = time.Now()
	f.cards[card.ID] = card
	return card, nil
}

// putCard stores card as-is, for tests that need a precise layout.
func (f *fakeStore) putCard(card store.Card) store.Card {
	f.mu.Lock()
	defer f.mu.Unlock()
	if card.ID == 0 {
		card.ID = f.id()
	} else if card.ID > f.nextID {
		f.nextID = card.ID
	}
	f.cards[card.ID] = card
	return card
}

func (f *fakeStore) UpdateCard(_ context.Context, cardID int64, patch store.CardPatch) (store.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	card, ok := f.cards[cardID]
	if !ok {
		return store.Card{}, sql.ErrNoRows
	}
	if patch.SectorID != nil && !f.hasSector(*patch.SectorID) {
		return store.Card{}, store.ErrInvalidReference
	}
	if patch.StatusID != nil && !f.hasStatus(*patch.StatusID) {
		return store.Card{}, store.ErrInvalidReference
	}
	if patch.Title != nil {
		card.Title = *patch.Title
	}
	if patch.Client != nil {
		card.Client = *patch.Client
	}
	if patch.Description != nil {
		card.Description = *patch.Description
	}
	if patch.SectorID != nil {
		card.SectorID = *patch.SectorID
	}
	if patch.StatusID != nil {
		statusID := *patch.StatusID
		card.StatusID = &statusID
	}
	if patch.ClearDeadline {
		card.Deadline = nil
	} else if patch.Deadline != nil {
		deadline := *patch.Deadline
		card.Deadline = &deadline
	}
	f.cards[cardID] = card
	return card, nil
}

func (f *fakeStore) SetCardArchived(_ context.Context, cardID int64, archived bool) (store.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	card, ok := f.cards[cardID]
	if !ok {
		return store.Card{}, sql.ErrNoRows
	}
	card.IsArchived = archived
	f.cards[cardID] = card
	return card, nil
}

func (f *fakeStore) DeleteCard(_ context.Context, cardID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cards[cardID]; !ok {
		return sql.ErrNoRows
	}
	delete(f.cards, cardID)
	kept := f.comments[:0]
	for _, comment := range f.comments {
		if comment.CardID != cardID {
			kept = append(kept, comment)
		}
	}
	f.comments = kept
	return nil
}

func (f *fakeStore) MaxCardID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var highest int64
	for id := range f.cards {
		if id > highest {
			highest = id
		}
	}
	return highest, nil
}

// Comments

func (f *fakeStore) ListComments(_ context.Context, cardID int64) ([]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Comment, 0)
	for _, comment := range f.comments {
		if comment.CardID == cardID {
			items = append(items, comment)
		}
	}
	return items, nil
}

func (f *fakeStore) InsertComment(_ context.Context, comment store.Comment) (store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cards[comment.CardID]; !ok {
		return store.Comment{}, sql.ErrNoRows
	}
	comment.ID = f.id()
	comment.CreatedAt = time.Now()
	f.comments = append(f.comments, comment)
	return comment, nil
}

// Chat

func (f *fakeStore) ListChatMessages(_ context.Context, limit int) ([]store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := append([]store.ChatMessage(nil), f.chat...)
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

func (f *fakeStore) InsertChatMessage(ctx context.Context, author, body string) (store.ChatMessage, error) {
	if f.insertChatMessageFn != nil {
		return f.insertChatMessageFn(ctx, author, body)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	message := store.ChatMessage{ID: f.id(), Author: author, Body: body, CreatedAt: time.Now()}
	f.chat = append(f.chat, message)
	return message, nil
}

func (f *fakeStore) ClearChat(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chat = nil
	return nil
}

func (f *fakeStore) MaxChatMessageID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var highest int64
	for _, message := range f.chat {
		if message.ID > highest {
			highest = message.ID
		}
	}
	return highest, nil
}

// Stock

func (f *fakeStore) ListMaterials(context.Context) ([]store.Material, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Material, 0, len(f.materials))
	for _, material := range f.materials {
		items = append(items, material)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (f *fakeStore) GetMaterial(_ context.Context, materialID int64) (store.Material, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	material, ok := f.materials[materialID]
	if !ok {
		return store.Material{}, sql.ErrNoRows
	}
	return material, nil
}

func (f *fakeStore) CreateMaterial(_ context.Context, name, unit string) (store.Material, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, material := range f.materials {
		if material.Name == name {
			return store.Material{}, store.ErrDuplicate
		}
	}
	material := store.Material{ID: f.id(), Name: name, Unit: unit, CreatedAt: time.Now()}
	f.materials[material.ID] = material
	return material, nil
}

func (f *fakeStore) RecordMovement(_ context.Context, movement store.MaterialMovement) (store.MaterialMovement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	material, ok := f.materials[movement.MaterialID]
	if !ok {
		return store.MaterialMovement{}, sql.ErrNoRows
	}
	next := material.Balance + movement.Quantity
	if next < 0 {
		return store.MaterialMovement{}, store.ErrInsufficientStock
	}
	material.Balance = next
	f.materials[material.ID] = material
	movement.ID = f.id()
	movement.BalanceAfter = next
	movement.CreatedAt = time.Now()
	f.movements = append(f.movements, movement)
	return movement, nil
}

func (f *fakeStore) ListMovements(_ context.Context, materialID int64, limit int) ([]store.MaterialMovement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.MaterialMovement, 0)
	for i := len(f.movements) - 1; i >= 0 && len(items) < limit; i-- {
		if f.movements[i].MaterialID == materialID {
			items = append(items, f.movements[i])
		}
	}
	return items, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// Sessions

func (f *fakeStore) SaveRefreshSession(_ context.Context, hash string, user store.User, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[hash] = user.ID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, hash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[hash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: userID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, hash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

// Helpers

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:         "test-secret",
			AccessTTL:         time.Hour,
			RefreshTTL:        24 * time.Hour,
			AdminUsername:     "admin",
			AdminPassword:     "admin",
			ChatHistoryLimit:  50,
			ArchivedListLimit: 50,
		},
		store:     fs,
		sessions:  fs,
		signal:    freshness.New(fs),
		metrics:   metrics.New(),
		passwords: authpw.NewService(fs),
	}
}

// addUser stores a user with a cheap bcrypt hash of password.
func (f *fakeStore) addUser(t *testing.T, username, role, password string, sectorIDs ...int64) store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user, err := f.CreateUser(context.Background(), store.UserInput{
		Username:     username,
		Role:         role,
		PasswordHash: string(hash),
		SectorIDs:    sectorIDs,
	})
	if err != nil {
		t.Fatalf("add user %s: %v", username, err)
	}
	return user
}

func (f *fakeStore) addSector(t *testing.T, name string) store.Sector {
	t.Helper()
	sector, err := f.CreateSector(context.Background(), name)
	if err != nil {
		t.Fatalf("add sector %s: %v", name, err)
	}
	return sector
}

func (f *fakeStore) addStatus(t *testing.T, name string) store.Status {
	t.Helper()
	status, err := f.CreateStatus(context.Background(), name, defaultStatusColor)
	if err != nil {
		t.Fatalf("add status %s: %v", name, err)
	}
	return status
}

func sessionFor(user store.User) Session {
	return Session{
		UserID:      user.ID,
		Username:    user.Username,
		Role:        user.Role,
		StockAccess: user.StockAccess,
		SectorIDs:   user.SectorIDs,
	}
}

func tokenFor(t *testing.T, svc *Service, user store.User) string {
	t.Helper()
	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session.Token
}

func datePtr(t *testing.T, value string) *time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	return &parsed
}

func int64Ptr(v int64) *int64 { return &v }

func stringPtr(v string) *string { return &v }

func idsPtr(ids ...int64) *[]int64 {
	out := append([]int64{}, ids...)
	return &out
}
