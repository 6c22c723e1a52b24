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

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across proposals and executed resolutions
// using plainto_tsquery and ts_rank, with ts_headline for snippets. Decisions
// rank against the proposal text they resolved.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}

	var subQueries []string

	// Proposals sub-query
	if q.FilterType == "" || q.FilterType == ResultProposal {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'proposal'::text AS type, p.id, p.description AS title,
				ts_headline('english', coalesce(p.reasoning, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS proposal_id, p.status,
				ts_rank(p.fts, %s) AS rank
			FROM proposals p
			WHERE p.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	// Resolutions sub-query
	if q.FilterType == "" || q.FilterType == ResultDecision {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'decision'::text AS type, r.id, r.kind AS title,
				ts_headline('english', coalesce(p.reasoning, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				r.proposal_id, p.status,
				ts_rank(p.fts, %s) AS rank
			FROM resolutions r
			JOIN proposals p ON p.id = r.proposal_id
			WHERE p.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, proposal_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

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
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProposalID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ProposalRecord, []DecisionRecord, error) {
	propRows, err := p.db.QueryContext(ctx, `
		SELECT id, description, reasoning, conflict_kind, trigger_kind, status
		FROM proposals
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load proposals: %w", err)
	}
	defer propRows.Close()

	proposals := make([]ProposalRecord, 0)
	for propRows.Next() {
		var pr ProposalRecord
		if err := propRows.Scan(&pr.ID, &pr.Description, &pr.Reasoning, &pr.ConflictKind, &pr.Trigger, &pr.Status); err != nil {
			return nil, nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, pr)
	}
	if err := propRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate proposals: %w", err)
	}

	decisionRows, err := p.db.QueryContext(ctx, `
		SELECT r.id, r.proposal_id, r.kind, p.status, p.reasoning
		FROM resolutions r
		JOIN proposals p ON p.id = r.proposal_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load decisions: %w", err)
	}
	defer decisionRows.Close()

	decisions := make([]DecisionRecord, 0)
	for decisionRows.Next() {
		var d DecisionRecord
		if err := decisionRows.Scan(&d.ID, &d.ProposalID, &d.Kind, &d.Outcome, &d.Reasoning); err != nil {
			return nil, nil, fmt.Errorf("scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := decisionRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate decisions: %w", err)
	}

	return proposals, decisions, nil
}
