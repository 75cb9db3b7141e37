package store

import (
	"context"
	"fmt"
)

// Stats is an aggregate view over generation history
type Stats struct {
	Total             int            `json:"total"`
	ByStatus          map[string]int `json:"by_status"`
	ByType            map[string]int `json:"by_type"`
	AvgGenerationTime float64        `json:"avg_generation_time"`
	TotalRetries      int            `json:"total_retries"`
	Projects          int            `json:"projects"`
	Assets            int            `json:"assets"`
}

// Stats returns aggregated job statistics
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	res := Stats{ByStatus: map[string]int{}, ByType: map[string]int{}}

	type group struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}
	groupBy := func(column string, dst map[string]int) error {
		var rows []group
		query := fmt.Sprintf("SELECT %s AS key, COUNT(*) AS count FROM generation_history GROUP BY %s", column, column)
		if err := s.db.SelectContext(ctx, &rows, query); err != nil {
			return fmt.Errorf("failed to group jobs by %s: %w", column, err)
		}
		for _, r := range rows {
			dst[r.Key] = r.Count
		}
		return nil
	}
	if err := groupBy("status", res.ByStatus); err != nil {
		return Stats{}, err
	}
	if err := groupBy("type", res.ByType); err != nil {
		return Stats{}, err
	}
	for _, c := range res.ByStatus {
		res.Total += c
	}

	var totals struct {
		Avg     float64 `db:"avg"`
		Retries int     `db:"retries"`
	}
	err := s.db.GetContext(ctx, &totals, `SELECT
		COALESCE((SELECT AVG(generation_time) FROM generation_history WHERE status = 'complete'), 0) AS avg,
		COALESCE((SELECT SUM(retry_count) FROM generation_history), 0) AS retries`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get job totals: %w", err)
	}
	res.AvgGenerationTime, res.TotalRetries = totals.Avg, totals.Retries

	if err := s.db.GetContext(ctx, &res.Projects, "SELECT COUNT(*) FROM projects"); err != nil {
		return Stats{}, fmt.Errorf("failed to count projects: %w", err)
	}
	if err := s.db.GetContext(ctx, &res.Assets, "SELECT COUNT(*) FROM assets"); err != nil {
		return Stats{}, fmt.Errorf("failed to count assets: %w", err)
	}
	return res, nil
}
