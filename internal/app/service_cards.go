package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"printflow/api/internal/board"
	"printflow/api/internal/metrics"
	"printflow/api/internal/rbac"
	"printflow/api/internal/search"
	"printflow/api/internal/store"
)

type CreateCardInput struct {
	Title       string `json:"title"`
	Client      string `json:"client"`
	Description string `json:"description"`
	Deadline    string `json:"deadline"`
}

// UpdateCardInput carries a partial edit. Nil fields are left unchanged and
// an empty Deadline clears it.
type UpdateCardInput struct {
	Title       *string `json:"title"`
	Client      *string `json:"client"`
	Description *string `json:"description"`
	Deadline    *string `json:"deadline"`
	SectorID    *int64  `json:"sectorId"`
	StatusID    *int64  `json:"statusId"`
}

func (in UpdateCardInput) touchesDetails() bool {
	return in.Title != nil || in.Client != nil || in.Description != nil || in.Deadline != nil
}

func (s *Service) Board(ctx context.Context, session Session) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	// Take the snapshot first so a write landing during the reads makes the
	// next poll differ.
	snapshot := s.signal.Poll(ctx)

	sectors, err := s.store.ListSectors(ctx)
	if err != nil {
		return nil, err
	}
	statuses, err := s.store.ListStatuses(ctx)
	if err != nil {
		return nil, err
	}
	cards, err := s.store.ListActiveCards(ctx)
	if err != nil {
		return nil, err
	}

	view := board.VisibleBoard(session.viewer(), sectors, statuses, cards)
	columns := make([]map[string]any, 0, len(view.Columns))
	for _, column := range view.Columns {
		items := make([]map[string]any, 0, len(column.Cards))
		for _, card := range column.Cards {
			items = append(items, cardPayload(card))
		}
		columns = append(columns, map[string]any{
			"sector": sectorPayload(column.Sector),
			"cards":  items,
		})
	}

	return map[string]any{
		"columns":  columns,
		"statuses": statusesPayload(view.Statuses),
		"updates":  snapshotPayload(snapshot),
	}, nil
}

// visibleCard loads a card the session may see. Hidden cards are reported as
// missing so their existence does not leak.
func (s *Service) visibleCard(ctx context.Context, session Session, cardID int64) (store.Card, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return store.Card{}, err
	}
	if !board.CanSeeSector(session.viewer(), card.SectorID) {
		return store.Card{}, sql.ErrNoRows
	}
	return card, nil
}

func (s *Service) GetCard(ctx context.Context, session Session, cardID int64) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	card, err := s.visibleCard(ctx, session, cardID)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, card.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"card":     cardPayload(card),
		"comments": commentsPayload(comments),
	}, nil
}

func (s *Service) CreateCard(ctx context.Context, session Session, input CreateCardInput) (map[string]any, error) {
	if err := s.require(session, rbac.ActionManageCards); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, validationError("title is required")
	}
	deadline, err := board.ParseDeadline(strings.TrimSpace(input.Deadline))
	if err != nil {
		return nil, validationError("deadline must be YYYY-MM-DD")
	}

	card, err := s.store.CreateCard(ctx, store.Card{
		Title:       title,
		Client:      strings.TrimSpace(input.Client),
		Description: strings.TrimSpace(input.Description),
		Deadline:    deadline,
		CreatedBy:   session.Username,
	})
	if err != nil {
		if errors.Is(err, store.ErrNoSectors) {
			return nil, domainError(http.StatusUnprocessableEntity, "NO_SECTORS", "Create a sector before adding cards", nil)
		}
		return nil, err
	}

	s.signal.AdvanceCard(card.ID)
	s.committed(metrics.KindCard)
	s.indexCard(card)
	return map[string]any{"card": cardPayload(card)}, nil
}

// UpdateCard applies an edit. Every user may reassign sector and status;
// only card managers may change the details.
func (s *Service) UpdateCard(ctx context.Context, session Session, cardID int64, input UpdateCardInput) (map[string]any, error) {
	if err := s.require(session, rbac.ActionMoveCard); err != nil {
		return nil, err
	}
	if input.touchesDetails() {
		if err := s.require(session, rbac.ActionManageCards); err != nil {
			return nil, err
		}
	}
	if _, err := s.visibleCard(ctx, session, cardID); err != nil {
		return nil, err
	}

	patch := store.CardPatch{SectorID: input.SectorID, StatusID: input.StatusID}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, validationError("title cannot be empty")
		}
		patch.Title = &title
	}
	if input.Client != nil {
		client := strings.TrimSpace(*input.Client)
		patch.Client = &client
	}
	if input.Description != nil {
		description := strings.TrimSpace(*input.Description)
		patch.Description = &description
	}
	if input.Deadline != nil {
		deadline, err := board.ParseDeadline(strings.TrimSpace(*input.Deadline))
		if err != nil {
			return nil, validationError("deadline must be YYYY-MM-DD")
		}
		patch.Deadline = deadline
		patch.ClearDeadline = deadline == nil
	}

	card, err := s.store.UpdateCard(ctx, cardID, patch)
	if err != nil {
		if errors.Is(err, store.ErrInvalidReference) {
			return nil, validationError("unknown sector or status")
		}
		return nil, err
	}

	s.committed(metrics.KindCard)
	s.indexCard(card)
	return map[string]any{"card": cardPayload(card)}, nil
}

func (s *Service) MoveCard(ctx context.Context, session Session, cardID int64, sectorID, statusID *int64) (map[string]any, error) {
	if sectorID == nil && statusID == nil {
		return nil, validationError("sectorId or statusId is required")
	}
	return s.UpdateCard(ctx, session, cardID, UpdateCardInput{SectorID: sectorID, StatusID: statusID})
}

func (s *Service) SetCardArchived(ctx context.Context, session Session, cardID int64, archived bool) (map[string]any, error) {
	if err := s.require(session, rbac.ActionManageCards); err != nil {
		return nil, err
	}
	card, err := s.store.SetCardArchived(ctx, cardID, archived)
	if err != nil {
		return nil, err
	}
	s.committed(metrics.KindCard)
	s.indexCard(card)
	return map[string]any{"card": cardPayload(card)}, nil
}

func (s *Service) DeleteCard(ctx context.Context, session Session, cardID int64) error {
	if err := s.require(session, rbac.ActionManageCards); err != nil {
		return err
	}
	if err := s.store.DeleteCard(ctx, cardID); err != nil {
		return err
	}
	s.committed(metrics.KindCard)
	if s.search != nil {
		s.search.DeleteCard(cardID)
	}
	return nil
}

func (s *Service) ArchivedCards(ctx context.Context, session Session) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	cards, err := s.store.ListArchivedCards(ctx, session.visibleSectorFilter(), s.cfg.ArchivedListLimit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(cards))
	for _, card := range cards {
		// The store filters by sector already; re-check in case the filter
		// and the session disagree.
		if !board.CanSeeSector(session.viewer(), card.SectorID) {
			continue
		}
		items = append(items, cardPayload(card))
	}
	return map[string]any{"cards": items}, nil
}

func (s *Service) ListComments(ctx context.Context, session Session, cardID int64) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	if _, err := s.visibleCard(ctx, session, cardID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, cardID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"comments": commentsPayload(comments)}, nil
}

func (s *Service) AddComment(ctx context.Context, session Session, cardID int64, body string) (map[string]any, error) {
	if err := s.require(session, rbac.ActionComment); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(body)
	if text == "" {
		return nil, validationError("body is required")
	}
	if _, err := s.visibleCard(ctx, session, cardID); err != nil {
		return nil, err
	}
	comment, err := s.store.InsertComment(ctx, store.Comment{CardID: cardID, Author: session.Username, Body: text})
	if err != nil {
		return nil, err
	}
	s.committed(metrics.KindComment)
	return map[string]any{"comment": commentPayload(comment)}, nil
}

func (s *Service) Search(ctx context.Context, session Session, text string, includeArchived bool, limit, offset int) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	query := strings.TrimSpace(text)
	if query == "" || s.search == nil {
		return map[string]any{"results": []search.Result{}, "total": 0, "query": query}, nil
	}
	if limit < 0 || offset < 0 {
		return nil, validationError("limit and offset must not be negative")
	}
	resp := s.search.Search(ctx, search.Query{
		Text:            query,
		SectorIDs:       session.visibleSectorFilter(),
		IncludeArchived: includeArchived,
		Limit:           limit,
		Offset:          offset,
	})
	return map[string]any{"results": resp.Results, "total": resp.Total, "query": resp.Query}, nil
}

func (s *Service) indexCard(card store.Card) {
	if s.search == nil {
		return
	}
	s.search.IndexCard(search.CardRecord{
		ID:          card.ID,
		Title:       card.Title,
		Client:      card.Client,
		Description: card.Description,
		SectorID:    card.SectorID,
		Archived:    card.IsArchived,
	})
	log.WithField("card_id", card.ID).Debug("app.card_indexed")
}

func cardPayload(card store.Card) map[string]any {
	var statusID any
	if card.StatusID != nil {
		statusID = *card.StatusID
	}
	var deadline any
	if card.Deadline != nil {
		deadline = board.FormatDeadline(card.Deadline)
	}
	return map[string]any{
		"id":          card.ID,
		"title":       card.Title,
		"client":      card.Client,
		"description": card.Description,
		"sectorId":    card.SectorID,
		"statusId":    statusID,
		"deadline":    deadline,
		"isArchived":  card.IsArchived,
		"createdBy":   card.CreatedBy,
		"createdAt":   card.CreatedAt,
	}
}

func commentPayload(comment store.Comment) map[string]any {
	return map[string]any{
		"id":        comment.ID,
		"cardId":    comment.CardID,
		"author":    comment.Author,
		"body":      comment.Body,
		"createdAt": comment.CreatedAt,
	}
}

func commentsPayload(comments []store.Comment) []map[string]any {
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentPayload(comment))
	}
	return items
}
