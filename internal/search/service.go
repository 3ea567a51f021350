package search

import (
	"context"

	log "github.com/sirupsen/logrus"
)

type primaryBackend interface {
	Searcher
	Indexer
}

// RecordLoader returns every indexable card.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]CardRecord, error)
}

type fallbackBackend interface {
	Searcher
	RecordLoader
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  primaryBackend
	fallback fallbackBackend
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if meili != nil {
		s.primary = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
// Results outside the query's sector set are dropped in either case.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: visibleResults(results, q), Total: total, Query: q.Text}
		}
		log.WithError(err).Warn("search.meili_failed_fallback")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.WithError(err).Error("search.pgfts_failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: visibleResults(results, q), Total: total, Query: q.Text}
}

// IndexCard indexes a card (fire-and-forget to Meilisearch).
func (s *Service) IndexCard(card CardRecord) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.IndexCards([]CardRecord{card}); err != nil {
			log.WithError(err).WithField("card_id", card.ID).Warn("search.index_card_failed")
		}
	}()
}

// DeleteCard removes a card from the search index (fire-and-forget).
func (s *Service) DeleteCard(id int64) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.DeleteCard(id); err != nil {
			log.WithError(err).WithField("card_id", id).Warn("search.delete_card_failed")
		}
	}()
}

// ReindexAll pushes cards to Meilisearch synchronously.
func (s *Service) ReindexAll(cards []CardRecord) {
	if !s.primaryReady() || len(cards) == 0 {
		return
	}
	if err := s.primary.IndexCards(cards); err != nil {
		log.WithError(err).Warn("search.reindex_failed")
		return
	}
	log.WithField("cards", len(cards)).Info("search.reindexed")
}

// ReindexAllFromPG reindexes every card from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.primaryReady() || s.fallback == nil {
		return
	}
	cards, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		log.WithError(err).Warn("search.reindex_load_failed")
		return
	}
	s.ReindexAll(cards)
}

// visibleResults drops hits the query may not see. The Meilisearch index can
// lag behind moves and archives, so filters are re-applied here.
func visibleResults(results []Result, q Query) []Result {
	filtered := make([]Result, 0, len(results))
	for _, result := range results {
		if !q.IncludeArchived && result.Archived {
			continue
		}
		if q.SectorIDs != nil && !containsID(q.SectorIDs, result.SectorID) {
			continue
		}
		filtered = append(filtered, result)
	}
	return filtered
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// Backend names the engine that currently answers queries.
func (s *Service) Backend() string {
	if s.primaryReady() {
		return "meilisearch"
	}
	if s.fallback != nil {
		return "postgres"
	}
	return "none"
}
