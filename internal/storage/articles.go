package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Article is a candidate item from the ingestion collaborator's table.
// TS is the effective timestamp: published time, falling back to ingestion
// time.
type Article struct {
	ID         string
	Title      string
	URL        string
	Summary    string
	Category   string
	SourceName string
	TS         time.Time
}

// SearchFilter is one alert's saved-search filter applied to the articles
// table. A zero StartTS means no cursor yet; the days lookback bounds the
// scan instead.
type SearchFilter struct {
	Query    string
	Days     int
	Category string
	Source   string
	StartTS  time.Time
	Limit    int
}

const articleColumns = `
	a.id,
	a.title,
	COALESCE(a.url, ''),
	COALESCE(a.summary, ''),
	COALESCE(a.category_guess, ''),
	COALESCE(s.name, ''),
	COALESCE(a.published_at, a.created_at)
`

// SearchCandidates returns articles newer than the filter's start bound that
// match the saved search, oldest first so the cursor advances monotonically
// as candidates are processed in order.
func (db *DB) SearchCandidates(ctx context.Context, f SearchFilter) ([]Article, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+articleColumns+`
		FROM articles a
		LEFT JOIN sources s ON s.id = a.source_id
		WHERE COALESCE(a.published_at, a.created_at) >=
		      COALESCE($1, now() - make_interval(days => $2))
		  AND ($3 = '' OR a.search_tsv @@ websearch_to_tsquery('english', $3))
		  AND ($4 = '' OR a.category_guess = $4)
		  AND ($5 = '' OR s.name ILIKE '%' || $5 || '%')
		ORDER BY COALESCE(a.published_at, a.created_at) ASC
		LIMIT $6
	`, toTimestamptz(f.StartTS), f.Days, f.Query, f.Category, f.Source, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query candidate articles: %w", err)
	}
	defer rows.Close()

	var articles []Article

	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}

		articles = append(articles, article)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidate rows: %w", err)
	}

	return articles, nil
}

// ArticleByID fetches one article for message assembly. ok is false when the
// row has been deleted since the delivery was queued.
func (db *DB) ArticleByID(ctx context.Context, id string) (Article, bool, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+articleColumns+`
		FROM articles a
		LEFT JOIN sources s ON s.id = a.source_id
		WHERE a.id = $1
	`, toUUID(id))

	article, err := scanArticle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Article{}, false, nil
		}

		return Article{}, false, err
	}

	return article, true, nil
}

func scanArticle(row pgx.Row) (Article, error) {
	var (
		article Article
		id      pgtype.UUID
	)

	err := row.Scan(
		&id, &article.Title, &article.URL, &article.Summary,
		&article.Category, &article.SourceName, &article.TS,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Article{}, err
		}

		return Article{}, fmt.Errorf("scan article row: %w", err)
	}

	article.ID = fromUUID(id)

	return article, nil
}
