// Package board projects sectors, statuses and cards into the per-user
// ordered board. It is pure: callers load the rows and pass them in.
package board

import (
	"sort"
	"time"

	"printflow/api/internal/store"
)

// Viewer is the authenticated caller as far as visibility is concerned.
type Viewer struct {
	IsAdmin          bool
	PermittedSectors []int64
}

type Column struct {
	Sector store.Sector
	Cards  []store.Card
}

type Board struct {
	Columns  []Column
	Statuses []store.Status
}

// CanSeeSector reports whether viewer may observe cards in sectorID. A
// non-admin with no permitted sectors sees everything; this open default is
// kept as-is pending a product decision.
func CanSeeSector(viewer Viewer, sectorID int64) bool {
	if viewer.IsAdmin || len(viewer.PermittedSectors) == 0 {
		return true
	}
	for _, id := range viewer.PermittedSectors {
		if id == sectorID {
			return true
		}
	}
	return false
}

// VisibleSectors filters sectors for viewer and returns them in display order.
func VisibleSectors(viewer Viewer, sectors []store.Sector) []store.Sector {
	ordered := make([]store.Sector, len(sectors))
	copy(ordered, sectors)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].DisplayOrder < ordered[j].DisplayOrder
	})

	visible := make([]store.Sector, 0, len(ordered))
	for _, sector := range ordered {
		if CanSeeSector(viewer, sector.ID) {
			visible = append(visible, sector)
		}
	}
	return visible
}

// VisibleBoard builds the ordered board for viewer. Archived cards are left
// out, cards whose sector is unknown are not placed anywhere, and status ids
// that do not resolve are cleared.
func VisibleBoard(viewer Viewer, sectors []store.Sector, statuses []store.Status, cards []store.Card) Board {
	knownStatus := make(map[int64]struct{}, len(statuses))
	for _, status := range statuses {
		knownStatus[status.ID] = struct{}{}
	}

	visible := VisibleSectors(viewer, sectors)
	bySector := make(map[int64][]store.Card, len(visible))
	for _, sector := range visible {
		bySector[sector.ID] = make([]store.Card, 0)
	}

	for _, card := range cards {
		if card.IsArchived {
			continue
		}
		column, ok := bySector[card.SectorID]
		if !ok {
			continue
		}
		if card.StatusID != nil {
			if _, ok := knownStatus[*card.StatusID]; !ok {
				card.StatusID = nil
			}
		}
		bySector[card.SectorID] = append(column, card)
	}

	columns := make([]Column, 0, len(visible))
	for _, sector := range visible {
		cardsInSector := bySector[sector.ID]
		SortCards(cardsInSector)
		columns = append(columns, Column{Sector: sector, Cards: cardsInSector})
	}

	allStatuses := make([]store.Status, len(statuses))
	copy(allStatuses, statuses)
	return Board{Columns: columns, Statuses: allStatuses}
}

// SortCards orders cards in place by urgency: cards with a deadline come
// first, earliest calendar date first; cards without one follow. Ties keep
// id order.
func SortCards(cards []store.Card) {
	sort.SliceStable(cards, func(i, j int) bool {
		return cardLess(cards[i], cards[j])
	})
}

func cardLess(a, b store.Card) bool {
	switch {
	case a.Deadline != nil && b.Deadline == nil:
		return true
	case a.Deadline == nil && b.Deadline != nil:
		return false
	case a.Deadline != nil && b.Deadline != nil:
		da, db := CalendarDate(*a.Deadline), CalendarDate(*b.Deadline)
		if !da.Equal(db) {
			return da.Before(db)
		}
	}
	return a.ID < b.ID
}

// CalendarDate drops the time of day, keeping the date as written in t's own
// location, and returns it at UTC midnight.
func CalendarDate(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDeadline parses a YYYY-MM-DD deadline. An empty string means no deadline.
func ParseDeadline(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(DateLayout, value)
	if err != nil {
		return nil, err
	}
	date := CalendarDate(parsed)
	return &date, nil
}

// FormatDeadline renders a deadline as YYYY-MM-DD, or "" when absent.
func FormatDeadline(deadline *time.Time) string {
	if deadline == nil {
		return ""
	}
	return CalendarDate(*deadline).Format(DateLayout)
}

const DateLayout = "2006-01-02"
