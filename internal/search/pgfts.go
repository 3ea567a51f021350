package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches cards.fts with plainto_tsquery and ranks by ts_rank, using
// ts_headline on the description for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := normalizeLimit(q.Limit)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := pgWhere(q)

	countSQL := "SELECT count(*) FROM cards c WHERE " + where
	dataSQL := fmt.Sprintf(`
		SELECT c.id, c.title, c.client,
			ts_headline('simple', c.description, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			c.sector_id, c.is_archived
		FROM cards c
		WHERE %s
		ORDER BY ts_rank(c.fts, plainto_tsquery('simple', $1)) DESC, c.id DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Client, &r.Snippet, &r.SectorID, &r.Archived); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// pgWhere builds the WHERE clause shared by the count and data queries.
// $1 is always the query text.
func pgWhere(q Query) (string, []any) {
	clauses := []string{"c.fts @@ plainto_tsquery('simple', $1)"}
	args := []any{q.Text}
	if q.SectorIDs != nil {
		args = append(args, q.SectorIDs)
		clauses = append(clauses, fmt.Sprintf("c.sector_id = ANY($%d)", len(args)))
	}
	if !q.IncludeArchived {
		clauses = append(clauses, "c.is_archived = FALSE")
	}
	return strings.Join(clauses, " AND "), args
}

// LoadAllRecords returns every card for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CardRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, client, description, sector_id, is_archived
		FROM cards
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("load cards: %w", err)
	}
	defer rows.Close()

	cards := make([]CardRecord, 0)
	for rows.Next() {
		var c CardRecord
		if err := rows.Scan(&c.ID, &c.Title, &c.Client, &c.Description, &c.SectorID, &c.Archived); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return cards, nil
}
