package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the documents table: full-text match on the
// title vector, with a substring match for partial words.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	rows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.updated_at, count(*) OVER () AS total
		FROM documents d
		JOIN user_documents ud ON ud.document_id = d.id AND ud.user_id = $2
		WHERE d.fts @@ plainto_tsquery('simple', $1)
			OR d.title ILIKE '%' || $3 || '%'
		ORDER BY ts_rank(d.fts, plainto_tsquery('simple', $1)) DESC, d.updated_at DESC
		LIMIT $4 OFFSET $5`,
		q.Text, q.UserID, likeEscaper.Replace(q.Text), q.Limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.UpdatedAt, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every document with its members for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.title, EXTRACT(EPOCH FROM d.updated_at)::bigint,
			d.creator_id,
			COALESCE(string_agg(m.user_id, ',' ORDER BY m.granted_at), '')
		FROM documents d
		LEFT JOIN document_members m ON m.document_id = d.id
		GROUP BY d.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	documents := make([]DocumentRecord, 0)
	for rows.Next() {
		var d DocumentRecord
		var creator, members string
		if err := rows.Scan(&d.ID, &d.Title, &d.UpdatedAt, &creator, &members); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.Members = []string{creator}
		if members != "" {
			d.Members = append(d.Members, strings.Split(members, ",")...)
		}
		documents = append(documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return documents, nil
}
