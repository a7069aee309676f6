package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lifeline-health/lifeline/pkg/errors"
	"github.com/lifeline-health/lifeline/pkg/models"
)

// MemoryStore implements Store on process memory. It is the unit-test
// persistence backend and mirrors the gorm store's semantics, including
// conditional updates and the duplicate-match guard. Values are copied
// on the way in and out so callers never share a document.
type MemoryStore struct {
	mu        sync.Mutex
	donors    map[uuid.UUID]*models.Donor
	hospitals map[uuid.UUID]*models.Hospital
	requests  map[uuid.UUID]*models.Request
	matches   map[uuid.UUID]*models.Match
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		donors:    make(map[uuid.UUID]*models.Donor),
		hospitals: make(map[uuid.UUID]*models.Hospital),
		requests:  make(map[uuid.UUID]*models.Request),
		matches:   make(map[uuid.UUID]*models.Match),
	}
}

// memView is a store bound to an already-held lock.
type memView MemoryStore

func (s *MemoryStore) Donors() DonorRepository       { return s.view() }
func (s *MemoryStore) Hospitals() HospitalRepository { return s.view() }
func (s *MemoryStore) Requests() RequestRepository   { return s.view() }
func (s *MemoryStore) Matches() MatchRepository      { return s.view() }

// view wraps every repository call in the store lock.
func (s *MemoryStore) view() *lockedView { return &lockedView{s: s} }

// Transact serializes the whole scope under the store lock, giving the
// same all-or-nothing visibility the gorm store gets from a database
// transaction. Rollback is not simulated; the state machine writes only
// after its guards pass.
func (s *MemoryStore) Transact(ctx context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn((*memView)(s))
}

func (v *memView) Donors() DonorRepository       { return v }
func (v *memView) Hospitals() HospitalRepository { return v }
func (v *memView) Requests() RequestRepository   { return v }
func (v *memView) Matches() MatchRepository      { return v }

// Transact inside a transaction reuses the held lock.
func (v *memView) Transact(ctx context.Context, fn func(Store) error) error {
	return fn(v)
}

func (v *memView) GetDonor(ctx context.Context, id uuid.UUID) (*models.Donor, error) {
	d, ok := v.donors[id]
	if !ok {
		return nil, errors.NotFound.Explain("donor not found")
	}
	return cloneDonor(d), nil
}

func (v *memView) GetDonorByUser(ctx context.Context, userID uuid.UUID) (*models.Donor, error) {
	for _, d := range v.donors {
		if d.UserID == userID {
			return cloneDonor(d), nil
		}
	}
	return nil, errors.NotFound.Explain("donor not found")
}

func (v *memView) ListAvailableDonors(ctx context.Context) ([]*models.Donor, error) {
	var out []*models.Donor
	for _, d := range v.donors {
		if d.IsAvailable {
			out = append(out, cloneDonor(d))
		}
	}
	return out, nil
}

func (v *memView) CreateDonor(ctx context.Context, donor *models.Donor) error {
	v.donors[donor.ID] = cloneDonor(donor)
	return nil
}

func (v *memView) UpdateDonor(ctx context.Context, donor *models.Donor) error {
	if _, ok := v.donors[donor.ID]; !ok {
		return errors.NotFound.Explain("donor not found")
	}
	v.donors[donor.ID] = cloneDonor(donor)
	return nil
}

func (v *memView) GetHospital(ctx context.Context, id uuid.UUID) (*models.Hospital, error) {
	h, ok := v.hospitals[id]
	if !ok {
		return nil, errors.NotFound.Explain("hospital not found")
	}
	c := *h
	return &c, nil
}

func (v *memView) GetHospitalByUser(ctx context.Context, userID uuid.UUID) (*models.Hospital, error) {
	for _, h := range v.hospitals {
		if h.UserID == userID {
			c := *h
			return &c, nil
		}
	}
	return nil, errors.NotFound.Explain("hospital not found")
}

func (v *memView) CreateHospital(ctx context.Context, hospital *models.Hospital) error {
	c := *hospital
	v.hospitals[hospital.ID] = &c
	return nil
}

func (v *memView) UpdateHospital(ctx context.Context, hospital *models.Hospital) error {
	if _, ok := v.hospitals[hospital.ID]; !ok {
		return errors.NotFound.Explain("hospital not found")
	}
	c := *hospital
	v.hospitals[hospital.ID] = &c
	return nil
}

func (v *memView) GetRequest(ctx context.Context, id uuid.UUID) (*models.Request, error) {
	r, ok := v.requests[id]
	if !ok {
		return nil, errors.NotFound.Explain("request not found")
	}
	c := *r
	return &c, nil
}

func (v *memView) ListPendingRequests(ctx context.Context, now time.Time) ([]*models.Request, error) {
	var out []*models.Request
	for _, r := range v.requests {
		if r.Status == models.RequestPending && r.RequiredBy.After(now) {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func (v *memView) CreateRequest(ctx context.Context, req *models.Request) error {
	c := *req
	v.requests[req.ID] = &c
	return nil
}

func (v *memView) UpdateRequestStatus(ctx context.Context, id uuid.UUID, from []models.RequestStatus, to models.RequestStatus) error {
	r, ok := v.requests[id]
	if !ok {
		return errors.NotFound.Explain("request not found")
	}
	for _, f := range from {
		if r.Status == f {
			r.Status = to
			r.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return errors.ImmutableState.Explain("request %s is not in a state that allows moving to %s", id, to)
}

func (v *memView) GetMatch(ctx context.Context, id uuid.UUID) (*models.Match, error) {
	m, ok := v.matches[id]
	if !ok {
		return nil, errors.NotFound.Explain("match not found")
	}
	c := *m
	return &c, nil
}

func (v *memView) CreateMatch(ctx context.Context, match *models.Match) error {
	for _, m := range v.matches {
		if m.RequestID == match.RequestID && m.DonorID == match.DonorID && m.Status.Active() {
			return errors.DuplicateMatch.Explain("an active match already exists for request %s and donor %s", match.RequestID, match.DonorID)
		}
	}
	c := *match
	v.matches[match.ID] = &c
	return nil
}

func (v *memView) UpdateMatch(ctx context.Context, match *models.Match, expected models.MatchStatus) error {
	cur, ok := v.matches[match.ID]
	if !ok {
		return errors.NotFound.Explain("match not found")
	}
	if cur.Status != expected {
		return errors.InvalidTransition.Explain("match %s changed concurrently; expected status %s", match.ID, expected)
	}
	c := *match
	v.matches[match.ID] = &c
	return nil
}

func (v *memView) ListMatchesByRequest(ctx context.Context, requestID uuid.UUID) ([]*models.Match, error) {
	var out []*models.Match
	for _, m := range v.matches {
		if m.RequestID == requestID {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

func (v *memView) ListActiveMatchesByRequest(ctx context.Context, requestID uuid.UUID) ([]*models.Match, error) {
	var out []*models.Match
	for _, m := range v.matches {
		if m.RequestID == requestID && m.Status.Active() {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

func (v *memView) ListMatchesByDonor(ctx context.Context, donorID uuid.UUID) ([]*models.Match, error) {
	var out []*models.Match
	for _, m := range v.matches {
		if m.DonorID == donorID {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

// lockedView acquires the store lock around every single call.
type lockedView struct {
	s *MemoryStore
}

func (l *lockedView) locked(fn func(*memView) error) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return fn((*memView)(l.s))
}

func (l *lockedView) GetDonor(ctx context.Context, id uuid.UUID) (d *models.Donor, err error) {
	err = l.locked(func(v *memView) error { d, err = v.GetDonor(ctx, id); return err })
	return d, err
}

func (l *lockedView) GetDonorByUser(ctx context.Context, userID uuid.UUID) (d *models.Donor, err error) {
	err = l.locked(func(v *memView) error { d, err = v.GetDonorByUser(ctx, userID); return err })
	return d, err
}

func (l *lockedView) ListAvailableDonors(ctx context.Context) (ds []*models.Donor, err error) {
	err = l.locked(func(v *memView) error { ds, err = v.ListAvailableDonors(ctx); return err })
	return ds, err
}

func (l *lockedView) CreateDonor(ctx context.Context, donor *models.Donor) error {
	return l.locked(func(v *memView) error { return v.CreateDonor(ctx, donor) })
}

func (l *lockedView) UpdateDonor(ctx context.Context, donor *models.Donor) error {
	return l.locked(func(v *memView) error { return v.UpdateDonor(ctx, donor) })
}

func (l *lockedView) GetHospital(ctx context.Context, id uuid.UUID) (h *models.Hospital, err error) {
	err = l.locked(func(v *memView) error { h, err = v.GetHospital(ctx, id); return err })
	return h, err
}

func (l *lockedView) GetHospitalByUser(ctx context.Context, userID uuid.UUID) (h *models.Hospital, err error) {
	err = l.locked(func(v *memView) error { h, err = v.GetHospitalByUser(ctx, userID); return err })
	return h, err
}

func (l *lockedView) CreateHospital(ctx context.Context, hospital *models.Hospital) error {
	return l.locked(func(v *memView) error { return v.CreateHospital(ctx, hospital) })
}

func (l *lockedView) UpdateHospital(ctx context.Context, hospital *models.Hospital) error {
	return l.locked(func(v *memView) error { return v.UpdateHospital(ctx, hospital) })
}

func (l *lockedView) GetRequest(ctx context.Context, id uuid.UUID) (r *models.Request, err error) {
	err = l.locked(func(v *memView) error { r, err = v.GetRequest(ctx, id); return err })
	return r, err
}

func (l *lockedView) ListPendingRequests(ctx context.Context, now time.Time) (rs []*models.Request, err error) {
	err = l.locked(func(v *memView) error { rs, err = v.ListPendingRequests(ctx, now); return err })
	return rs, err
}

func (l *lockedView) CreateRequest(ctx context.Context, req *models.Request) error {
	return l.locked(func(v *memView) error { return v.CreateRequest(ctx, req) })
}

func (l *lockedView) UpdateRequestStatus(ctx context.Context, id uuid.UUID, from []models.RequestStatus, to models.RequestStatus) error {
	return l.locked(func(v *memView) error { return v.UpdateRequestStatus(ctx, id, from, to) })
}

func (l *lockedView) GetMatch(ctx context.Context, id uuid.UUID) (m *models.Match, err error) {
	err = l.locked(func(v *memView) error { m, err = v.GetMatch(ctx, id); return err })
	return m, err
}

func (l *lockedView) CreateMatch(ctx context.Context, match *models.Match) error {
	return l.locked(func(v *memView) error { return v.CreateMatch(ctx, match) })
}

func (l *lockedView) UpdateMatch(ctx context.Context, match *models.Match, expected models.MatchStatus) error {
	return l.locked(func(v *memView) error { return v.UpdateMatch(ctx, match, expected) })
}

func (l *lockedView) ListMatchesByRequest(ctx context.Context, requestID uuid.UUID) (ms []*models.Match, err error) {
	err = l.locked(func(v *memView) error { ms, err = v.ListMatchesByRequest(ctx, requestID); return err })
	return ms, err
}

func (l *lockedView) ListActiveMatchesByRequest(ctx context.Context, requestID uuid.UUID) (ms []*models.Match, err error) {
	err = l.locked(func(v *memView) error { ms, err = v.ListActiveMatchesByRequest(ctx, requestID); return err })
	return ms, err
}

func (l *lockedView) ListMatchesByDonor(ctx context.Context, donorID uuid.UUID) (ms []*models.Match, err error) {
	err = l.locked(func(v *memView) error { ms, err = v.ListMatchesByDonor(ctx, donorID); return err })
	return ms, err
}

func cloneDonor(d *models.Donor) *models.Donor {
	c := *d
	c.OrganDonatable = append([]models.OrganAvailability(nil), d.OrganDonatable...)
	c.DonationHistory = append([]models.DonationRecord(nil), d.DonationHistory...)
	if d.Location != nil {
		loc := *d.Location
		c.Location = &loc
	}
	if d.LastDonationDate != nil {
		t := *d.LastDonationDate
		c.LastDonationDate = &t
	}
	return &c
}
