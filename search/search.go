// Package search implements the hybrid vector/tag/keyword planner
// described in §4.7: a dynamically assembled query over images, scored
// by a blend of vector similarity and exact-tag match, with its
// per-result auxiliary data (tags, URL) batch-hydrated to avoid N+1
// queries.
package search

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/127Wzc/imgtag/dbstore"
	"github.com/127Wzc/imgtag/model"
	"github.com/127Wzc/imgtag/storage"
)

var dialect = goqu.Dialect("postgres")

// DefaultLimit bounds result pages when the caller does not specify one.
const DefaultLimit = 50

// Params is the full set of optional search filters from §4.7.
type Params struct {
	Text                string
	QueryVector         []float32
	VectorWeight        float64
	TagWeight           float64
	Threshold           float64
	TagNames            []string
	Keyword             string
	CategoryID          *int64
	ResolutionID        *int64
	UserID              *int64
	VisibleToUserID     *int64
	AdminSkipVisibility bool
	PendingOnly         bool
	DuplicatesOnly      bool
	SortBy              string
	Limit               int
	Offset              int
}

// Result is one hydrated hit: the image row, its current tags, and the
// resolved read URL, plus the score it was ranked by.
type Result struct {
	Image *model.Image
	Tags  []*model.Tag
	URL   string
	Score float64
}

// Service plans and executes searches.
type Service struct {
	pool      *pgxpool.Pool
	tags      *dbstore.TagStore
	locations *dbstore.LocationStore
	endpoints *dbstore.EndpointStore
	storage   *storage.Service
}

// NewService builds a Service.
func NewService(pool *pgxpool.Pool, tags *dbstore.TagStore, locations *dbstore.LocationStore, endpoints *dbstore.EndpointStore, storageSvc *storage.Service) *Service {
	return &Service{pool: pool, tags: tags, locations: locations, endpoints: endpoints, storage: storageSvc}
}

// inListArgs renders "?,?,?" placeholders for names alongside the matching
// args slice, used instead of a single slice-valued "?" since goqu's raw
// literal expansion for slice placeholders is not something this module
// relies on.
func inListArgs(names []string) (string, []any) {
	placeholders := ""
	args := make([]any, len(names))
	for i, n := range names {
		if i != 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = n
	}
	return placeholders, args
}

// pgvectorLiteral renders a []float32 as the textual `vector(D)` literal
// goqu can inline directly into a cast expression; avoiding a bound
// parameter here keeps the dynamic WHERE-clause assembly straightforward
// since the vector appears in both the SELECT and WHERE fragments.
func pgvectorLiteral(v []float32) string {
	s := "["
	for i, f := range v {
		if i != 0 {
			s += ","
		}
		s += fmt.Sprintf("%g", f)
	}
	return s + "]"
}

// Search plans and executes one query, returning hydrated results and the
// total number of images before pagination (for pending_only/duplicates_only
// style admin views this total is frequently more useful than the page).
func (s *Service) Search(ctx context.Context, p Params) ([]*Result, int, error) {
	hasVector := p.Text != "" && len(p.QueryVector) > 0
	ds := s.buildQuery(p, hasVector)

	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	countSQL, countArgs, err := ds.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("search: build count query: %w", err)
	}
	var total int
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("search: count: %w", err)
	}

	page := s.selectColumns(ds, p, hasVector).Limit(uint(limit)).Offset(uint(p.Offset))
	querySQL, queryArgs, err := page.ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("search: build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, querySQL, queryArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("search: query: %w", err)
	}
	defer rows.Close()

	var ids []int64
	scores := map[int64]float64{}
	for rows.Next() {
		var id int64
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, 0, err
		}
		ids = append(ids, id)
		scores[id] = score
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	results, err := s.hydrate(ctx, ids, scores)
	return results, total, err
}

func (s *Service) buildQuery(p Params, hasVector bool) *goqu.SelectDataset {
	ds := dialect.From(goqu.T("images").As("i")).Prepared(true)

	var conds []goqu.Expression
	if !p.AdminSkipVisibility {
		if p.VisibleToUserID != nil {
			conds = append(conds, goqu.Or(
				goqu.I("i.is_public").Eq(true),
				goqu.I("i.uploaded_by").Eq(*p.VisibleToUserID),
			))
		} else {
			conds = append(conds, goqu.I("i.is_public").Eq(true))
		}
	}
	if p.UserID != nil {
		conds = append(conds, goqu.I("i.uploaded_by").Eq(*p.UserID))
	}
	if p.PendingOnly {
		conds = append(conds, goqu.Or(
			goqu.I("i.description").IsNull(),
			goqu.I("i.description").Eq(""),
		))
	}
	if p.DuplicatesOnly {
		conds = append(conds, goqu.L(`i.file_hash IN (SELECT file_hash FROM images WHERE file_hash IS NOT NULL GROUP BY file_hash HAVING count(*) > 1)`))
	}
	if p.CategoryID != nil {
		conds = append(conds, goqu.L(`EXISTS (SELECT 1 FROM image_tags it WHERE it.image_id = i.id AND it.tag_id = ?)`, *p.CategoryID))
	}
	if p.ResolutionID != nil {
		conds = append(conds, goqu.L(`EXISTS (SELECT 1 FROM image_tags it WHERE it.image_id = i.id AND it.tag_id = ?)`, *p.ResolutionID))
	}
	if p.Keyword != "" {
		like := "%" + p.Keyword + "%"
		conds = append(conds, goqu.L(
			`(i.description ILIKE ? OR EXISTS (SELECT 1 FROM image_tags it JOIN tags t ON t.id = it.tag_id WHERE it.image_id = i.id AND t.name ILIKE ?))`,
			like, like,
		))
	}
	if len(p.TagNames) > 0 {
		placeholders, args := inListArgs(p.TagNames)
		args = append(args, len(p.TagNames))
		conds = append(conds, goqu.L(
			fmt.Sprintf(`i.id IN (SELECT it.image_id FROM image_tags it JOIN tags t ON t.id = it.tag_id WHERE t.name IN (%s) GROUP BY it.image_id HAVING count(DISTINCT it.tag_id) = ?)`, placeholders),
			args...,
		))
	}
	if hasVector {
		lit := pgvectorLiteral(p.QueryVector)
		vectorScore := fmt.Sprintf(`(1 - (i.embedding <=> '%s'::vector))`, lit)
		tagScore := `(CASE WHEN EXISTS (SELECT 1 FROM image_tags it JOIN tags t ON t.id = it.tag_id WHERE it.image_id = i.id AND t.name = ?) THEN 1.0 ELSE 0.0 END)`
		conds = append(conds, goqu.L(
			fmt.Sprintf(`(i.embedding IS NOT NULL AND %s > ? OR %s = 1.0)`, vectorScore, tagScore),
			p.Threshold, p.Text,
		))
	}

	return ds.Where(goqu.And(conds...))
}

func (s *Service) selectColumns(ds *goqu.SelectDataset, p Params, hasVector bool) *goqu.SelectDataset {
	if !hasVector {
		return ds.Select(goqu.I("i.id"), goqu.L("0.0")).Order(goqu.I("i.created_at").Desc())
	}

	lit := pgvectorLiteral(p.QueryVector)
	vectorScore := fmt.Sprintf(`(1 - (i.embedding <=> '%s'::vector))`, lit)
	vectorWeight, tagWeight := p.VectorWeight, p.TagWeight
	if vectorWeight == 0 && tagWeight == 0 {
		vectorWeight, tagWeight = 1.0, 1.0
	}
	scoreExpr := fmt.Sprintf(
		`(COALESCE(%s, 0) * %g + (CASE WHEN EXISTS (SELECT 1 FROM image_tags it JOIN tags t ON t.id = it.tag_id WHERE it.image_id = i.id AND t.name = ?) THEN 1.0 ELSE 0.0 END) * %g)`,
		vectorScore, vectorWeight, tagWeight,
	)
	return ds.Select(goqu.I("i.id"), goqu.L(scoreExpr, p.Text)).Order(goqu.L(scoreExpr, p.Text).Desc())
}

// hydrate resolves tags and a read URL for each id in one batched pass
// per auxiliary dataset, the N+1 guard named in §4.7.
func (s *Service) hydrate(ctx context.Context, ids []int64, scores map[int64]float64) ([]*Result, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	images, err := s.imagesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	tagsByImage, err := s.tags.ImagesTagsWithSource(ctx, ids)
	if err != nil {
		return nil, err
	}
	locsByImage, err := s.locations.ByImages(ctx, ids)
	if err != nil {
		return nil, err
	}
	endpoints, err := s.endpoints.List(ctx)
	if err != nil {
		return nil, err
	}
	endpointsByID := make(map[int64]*model.StorageEndpoint, len(endpoints))
	for _, e := range endpoints {
		endpointsByID[e.ID] = e
	}

	out := make([]*Result, 0, len(ids))
	for _, id := range ids {
		img, ok := images[id]
		if !ok {
			continue
		}
		r := &Result{Image: img, Tags: tagsByImage[id], Score: scores[id]}
		if loc := s.storage.PickReadLocation(locsByImage[id], endpointsByID); loc != nil {
			if ep := endpointsByID[loc.EndpointID]; ep != nil {
				r.URL = s.storage.BuildURL(ep, loc.ObjectKey)
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Service) imagesByIDs(ctx context.Context, ids []int64) (map[int64]*model.Image, error) {
	const query = `
SELECT id, file_hash, file_type, file_size_mb, width, height, description,
       original_url, uploaded_by, is_public, created_at, updated_at
FROM images WHERE id = ANY($1)
`
	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]*model.Image{}
	for rows.Next() {
		var img model.Image
		if err := rows.Scan(&img.ID, &img.FileHash, &img.FileType, &img.FileSizeMB, &img.Width, &img.Height,
			&img.Description, &img.OriginalURL, &img.UploadedBy, &img.IsPublic, &img.CreatedAt, &img.UpdatedAt); err != nil {
			return nil, err
		}
		out[img.ID] = &img
	}
	return out, rows.Err()
}
