package matching

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifeline-health/lifeline/internal/config"
	"github.com/lifeline-health/lifeline/internal/storage"
	"github.com/lifeline-health/lifeline/pkg/errors"
	"github.com/lifeline-health/lifeline/pkg/models"
)

// Events is the slice of the event dispatcher the matcher publishes to.
// Publication is best-effort and never fails the matching operation.
type Events interface {
	MatchProposed(match *models.Match, req *models.Request, donor *models.Donor)
}

// Matcher orchestrates the candidate filter and scorer for a request,
// ranks the survivors and persists proposed matches.
type Matcher struct {
	store  storage.Store
	engine *Engine
	events Events
	logger *zap.Logger
	cfg    config.MatchingConfig

	mu       sync.Mutex
	reqLocks map[uuid.UUID]*sync.Mutex
}

// NewMatcher creates a matcher. events may be nil (no publication).
func NewMatcher(store storage.Store, engine *Engine, events Events, cfg config.MatchingConfig, logger *zap.Logger) *Matcher {
	return &Matcher{
		store:    store,
		engine:   engine,
		events:   events,
		logger:   logger,
		cfg:      cfg,
		reqLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// requestLock returns the mutex serializing match creation for one
// request. Batch processing runs requests concurrently; this lock keeps
// any single request single-writer.
func (m *Matcher) requestLock(id uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.reqLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.reqLocks[id] = l
	}
	return l
}

// FindBestMatches filters and scores the donor pool for the request,
// creates proposed matches for the top limit candidates and returns
// them ranked. A request that is already matched or in progress yields
// an empty result; a cancelled or completed request is immutable.
func (m *Matcher) FindBestMatches(ctx context.Context, requestID uuid.UUID, limit int) ([]*models.Match, error) {
	lock := m.requestLock(requestID)
	lock.Lock()
	defer lock.Unlock()

	if limit <= 0 {
		limit = m.cfg.DefaultLimit
	}

	req, err := m.store.Requests().GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Closed() {
		return nil, errors.ImmutableState.Explain("request %s is %s; no new matches may be created", req.ID, req.Status)
	}
	if req.Status != models.RequestPending && req.Status != models.RequestSearching {
		return nil, nil
	}

	if req.Status == models.RequestPending {
		err := m.store.Requests().UpdateRequestStatus(ctx, req.ID,
			[]models.RequestStatus{models.RequestPending}, models.RequestSearching)
		if err != nil && !errors.Is(err, errors.ImmutableState) {
			return nil, err
		}
	}

	hospital, err := m.store.Hospitals().GetHospital(ctx, req.HospitalID)
	if err != nil {
		return nil, err
	}
	donors, err := m.store.Donors().ListAvailableDonors(ctx)
	if err != nil {
		return nil, err
	}

	candidates, err := m.engine.FindCandidates(req, hospital, donors, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	donorsByID := make(map[uuid.UUID]*models.Donor, len(donors))
	for _, d := range donors {
		donorsByID[d.ID] = d
	}

	var created []*models.Match
	for _, c := range candidates {
		match := &models.Match{
			ID:           uuid.New(),
			RequestID:    req.ID,
			DonorID:      c.DonorID,
			MatchScore:   c.Score,
			MatchFactors: c.Factors,
			Status:       models.MatchProposed,
			CreatedAt:    time.Now().UTC(),
			UpdatedAt:    time.Now().UTC(),
		}

		err := m.store.Transact(ctx, func(s storage.Store) error {
			cur, err := s.Requests().GetRequest(ctx, req.ID)
			if err != nil {
				return err
			}
			if cur.Status.Closed() {
				return errors.ImmutableState.Explain("request %s is %s", cur.ID, cur.Status)
			}
			return s.Matches().CreateMatch(ctx, match)
		})
		switch {
		case err == nil:
			created = append(created, match)
			if m.events != nil {
				m.events.MatchProposed(match, req, donorsByID[c.DonorID])
			}
		case errors.Is(err, errors.DuplicateMatch):
			// an active match for this pair already exists; keep going
			m.logger.Debug("skipping duplicate match",
				zap.String("request_id", req.ID.String()),
				zap.String("donor_id", c.DonorID.String()))
		default:
			return nil, err
		}
	}
	return created, nil
}

// ProcessAllPending runs the matcher over every pending, unexpired
// request. Requests are processed concurrently; per-request errors are
// aggregated into the stats instead of aborting the batch.
func (m *Matcher) ProcessAllPending(ctx context.Context) (models.BatchStats, error) {
	pending, err := m.store.Requests().ListPendingRequests(ctx, time.Now().UTC())
	if err != nil {
		return models.BatchStats{}, err
	}

	stats := models.BatchStats{Total: len(pending)}
	if len(pending) == 0 {
		return stats, nil
	}

	workers := m.cfg.BatchWorkers
	if workers <= 0 {
		workers = 1
	}

	var (
		statsMu sync.Mutex
		wg      sync.WaitGroup
		queue   = make(chan *models.Request)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range queue {
				matches, err := m.FindBestMatches(ctx, req.ID, m.cfg.DefaultLimit)
				statsMu.Lock()
				if err != nil {
					stats.Errors++
					m.logger.Warn("failed to process pending request",
						zap.String("request_id", req.ID.String()), zap.Error(err))
				} else {
					stats.Processed++
					stats.MatchesFound += len(matches)
				}
				statsMu.Unlock()
			}
		}()
	}
	for _, req := range pending {
		queue <- req
	}
	close(queue)
	wg.Wait()

	return stats, nil
}
