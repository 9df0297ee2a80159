package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/pkg/httputil"
	"github.com/ignite/cohort-estimator/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// requireComplete loads {runID} and rejects runs that have not published.
func (s *Server) requireComplete(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runID")
		run, err := s.store.GetRun(r.Context(), runID)
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "run not found")
			return
		}
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		if run.Status != domain.RunComplete {
			httputil.Conflict(w, "run "+runID+" is "+string(run.Status))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), runKey, *run)))
	})
}

// GET /api/runs?limit=
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := httputil.Pagination(r, 20, 200)
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	httputil.OK(w, map[string]any{"runs": runs})
}

// GET /api/runs/{runID} returns the manifest whatever the status, so
// callers can poll a running run.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "run not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, run)
}

// GET /api/runs/{runID}/segments?product_id=&level=&viable=true
func (s *Server) listSegments(w http.ResponseWriter, r *http.Request) {
	run := runFrom(r.Context())
	limit, offset := httputil.Pagination(r, defaultLimit, maxLimit)
	q := r.URL.Query()

	f := store.NodeFilter{ProductID: q.Get("product_id"), Limit: limit, Offset: offset}
	if v := q.Get("level"); v != "" {
		level, err := strconv.Atoi(v)
		if err != nil || level < 0 || level > domain.MaxLevel {
			httputil.BadRequest(w, "level must be between 0 and 5")
			return
		}
		f.Level = &level
	}
	if v := q.Get("viable"); v != "" {
		viable, err := strconv.ParseBool(v)
		if err != nil {
			httputil.BadRequest(w, "viable must be a boolean")
			return
		}
		f.ViableOnly = viable
	}

	nodes, total, err := s.store.ListNodes(r.Context(), run.ID, f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if nodes == nil {
		nodes = []domain.SegmentNode{}
	}
	httputil.OK(w, httputil.Page{Items: nodes, Total: total, Limit: limit, Offset: offset})
}

// GET /api/runs/{runID}/resolutions?product_id=
func (s *Server) listResolutions(w http.ResponseWriter, r *http.Request) {
	run := runFrom(r.Context())
	res, err := s.store.LoadResolutions(r.Context(), run.ID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	product := r.URL.Query().Get("product_id")
	out := make([]domain.Resolution, 0, len(res))
	for _, x := range res {
		if product == "" || x.ProductID == product {
			out = append(out, x)
		}
	}
	httputil.OK(w, map[string]any{"resolutions": out})
}

// GET /api/runs/{runID}/validation-errors
func (s *Server) listValidationErrors(w http.ResponseWriter, r *http.Request) {
	run := runFrom(r.Context())
	errs, err := s.store.ListValidationErrors(r.Context(), run.ID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if errs == nil {
		errs = []domain.ValidationError{}
	}
	httputil.OK(w, map[string]any{"validation_errors": errs})
}

// GET /api/runs/{runID}/rollups?entity_id=
func (s *Server) listRollups(w http.ResponseWriter, r *http.Request) {
	run := runFrom(r.Context())
	rows, err := s.store.ListRollups(r.Context(), run.ID, r.URL.Query().Get("entity_id"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if rows == nil {
		rows = []domain.RollupRow{}
	}
	httputil.OK(w, map[string]any{"rollups": rows})
}

// GET /api/runs/{runID}/pairs?product_id=&country=
func (s *Server) listPairs(w http.ResponseWriter, r *http.Request) {
	run := runFrom(r.Context())
	limit, offset := httputil.Pagination(r, defaultLimit, maxLimit)
	q := r.URL.Query()
	if q.Get("product_id") == "" {
		httputil.BadRequest(w, "product_id is required")
		return
	}
	pairs, err := s.store.LoadPairs(r.Context(), run.ID, store.PairFilter{
		ProductID: q.Get("product_id"),
		Country:   q.Get("country"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	total, err := s.store.CountPairs(r.Context(), run.ID, store.PairFilter{ProductID: q.Get("product_id"), Country: q.Get("country")})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if pairs == nil {
		pairs = []domain.UserProductPair{}
	}
	httputil.OK(w, httputil.Page{Items: pairs, Total: total, Limit: limit, Offset: offset})
}

// GET /api/pairs/{distinctID}/{productID}?run_id=
//
// Without run_id the newest complete run is used.
func (s *Server) getPair(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		latest, err := s.store.LatestRun(ctx, domain.RunComplete)
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "no complete run")
			return
		}
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		runID = latest.ID
	} else {
		run, err := s.store.GetRun(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "run not found")
			return
		}
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		if run.Status != domain.RunComplete {
			httputil.Conflict(w, "run "+runID+" is "+string(run.Status))
			return
		}
	}

	pair, err := s.store.GetPair(ctx, runID, chi.URLParam(r, "distinctID"), chi.URLParam(r, "productID"))
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "pair not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"run_id": runID, "pair": pair})
}
