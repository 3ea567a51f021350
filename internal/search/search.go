package search

import "context"

// Result is a single card hit returned to the caller.
type Result struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Client   string `json:"client"`
	Snippet  string `json:"snippet"`
	SectorID int64  `json:"sectorId"`
	Archived bool   `json:"archived"`
}

// Query describes a search request. A nil SectorIDs means every sector.
type Query struct {
	Text            string
	SectorIDs       []int64
	IncludeArchived bool
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push cards into a search index.
type Indexer interface {
	IndexCards(cards []CardRecord) error
	DeleteCard(id int64) error
}

// CardRecord is the data we index for a card.
type CardRecord struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Client      string `json:"client"`
	Description string `json:"description"`
	SectorID    int64  `json:"sectorId"`
	Archived    bool   `json:"archived"`
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
