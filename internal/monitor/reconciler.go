package monitor

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChangeType names what happened to a participant.
type ChangeType string

const (
	ChangeJoined  ChangeType = "joined"
	ChangeUpdated ChangeType = "updated"
	ChangeLeft    ChangeType = "left"
	ChangeRemoved ChangeType = "removed"
)

// Change is one participant mutation, carrying the participant as it is after
// the change (or as it was, for removals).
type Change struct {
	Type        ChangeType  `json:"type"`
	Participant Participant `json:"participant"`
}

// Stats summarises the participant list.
type Stats struct {
	Total           int            `json:"total"`
	ByStatus        map[Status]int `json:"byStatus"`
	AverageProgress int            `json:"averageProgress"`
}

// Reconciler holds the authoritative participant list of one test and merges
// inbound events into it. It is safe for concurrent use.
type Reconciler struct {
	mu      sync.RWMutex
	order   []string
	byID    map[string]*Participant
	aliases map[string]string // userId / clientId -> id
	now     func() time.Time
	logger  *zap.Logger
}

// NewReconciler returns an empty list.
func NewReconciler(logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		byID:    make(map[string]*Participant),
		aliases: make(map[string]string),
		now:     time.Now,
		logger:  logger,
	}
}

// lookup resolves any of keys against ids first, then aliases. Caller holds mu.
func (r *Reconciler) lookup(keys ...string) *Participant {
	for _, k := range keys {
		if p, ok := r.byID[k]; ok {
			return p
		}
	}
	for _, k := range keys {
		if id, ok := r.aliases[k]; ok {
			if p, ok := r.byID[id]; ok {
				return p
			}
		}
	}
	return nil
}

func (r *Reconciler) index(p *Participant) {
	for _, k := range []string{p.UserID, p.ClientID} {
		if k != "" && k != p.ID {
			r.aliases[k] = p.ID
		}
	}
}

func (r *Reconciler) insert(p Participant) *Participant {
	stored := p
	r.byID[p.ID] = &stored
	r.order = append(r.order, p.ID)
	r.index(&stored)
	return &stored
}

func (r *Reconciler) warnStatus(rec Record) {
	if rec.Status == nil {
		return
	}
	if _, ok := ParseStatus(*rec.Status); !ok {
		r.logger.Warn("unknown participant status, using joining",
			zap.String("participant_id", rec.PrimaryID()), zap.String("status", *rec.Status))
	}
}

// ApplySnapshot upserts every record of a full participant list. Entries the
// snapshot does not mention are kept; left entries stay left.
func (r *Reconciler) ApplySnapshot(users []Record) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var changes []Change
	for _, rec := range users {
		if rec.PrimaryID() == "" {
			r.logger.Warn("dropping snapshot entry without id")
			continue
		}
		r.warnStatus(rec)

		existing := r.lookup(rec.keys()...)
		if existing == nil {
			p := r.insert(Normalize(rec, now))
			changes = append(changes, Change{Type: ChangeJoined, Participant: *p})
			continue
		}

		before := *existing
		mergeFields(existing, rec)
		switch {
		case before.Status == StatusLeft:
			existing.Status = StatusLeft
		case rec.Status != nil:
			existing.Status = initialStatus(rec.Status, *existing)
		case existing.Status == StatusJoining && existing.IdentityComplete():
			existing.Status = StatusActive
		}
		r.index(existing)
		if *existing != before {
			changes = append(changes, Change{Type: ChangeUpdated, Participant: *existing})
		}
	}
	return changes
}

// ApplyDelta applies the present fields of rec to a known participant.
// Unknown ids are ignored.
func (r *Reconciler) ApplyDelta(rec Record) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.lookup(rec.keys()...)
	if existing == nil {
		r.logger.Debug("delta for unknown participant ignored", zap.String("participant_id", rec.PrimaryID()))
		return nil
	}
	r.warnStatus(rec)

	before := *existing
	mergeFields(existing, rec)
	switch {
	case existing.Status == StatusLeft:
	case rec.Status != nil:
		existing.Status, _ = ParseStatus(*rec.Status)
	case existing.Status == StatusJoining:
		existing.Status = StatusActive
	}
	r.index(existing)
	if *existing == before {
		return nil
	}
	return []Change{{Type: ChangeUpdated, Participant: *existing}}
}

// ApplyJoin adds a participant announced by a single join event. A left entry
// is re-added as joining; any other known participant is left untouched.
func (r *Reconciler) ApplyJoin(rec Record) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.lookup(rec.keys()...); existing != nil {
		if existing.Status != StatusLeft {
			return nil
		}
		mergeFields(existing, rec)
		existing.Status = StatusJoining
		r.index(existing)
		return []Change{{Type: ChangeJoined, Participant: *existing}}
	}

	p := Normalize(rec, r.now())
	p.Status = StatusJoining
	stored := r.insert(p)
	return []Change{{Type: ChangeJoined, Participant: *stored}}
}

// MarkLeft flags a participant as left. The entry stays in the list.
func (r *Reconciler) MarkLeft(id string) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.lookup(id)
	if p == nil || p.Status == StatusLeft {
		return nil
	}
	p.Status = StatusLeft
	return []Change{{Type: ChangeLeft, Participant: *p}}
}

// UpdateProgress sets a participant's progress and nothing else.
func (r *Reconciler) UpdateProgress(id string, progress float64) []Change {
	if math.IsNaN(progress) || math.IsInf(progress, 0) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.lookup(id)
	if p == nil {
		return nil
	}
	v := clampProgress(progress)
	if p.Progress == v {
		return nil
	}
	p.Progress = v
	return []Change{{Type: ChangeUpdated, Participant: *p}}
}

// Remove deletes a participant from the list.
func (r *Reconciler) Remove(id string) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.lookup(id)
	if p == nil {
		return nil
	}
	removed := *p
	delete(r.byID, removed.ID)
	for k, v := range r.aliases {
		if v == removed.ID {
			delete(r.aliases, k)
		}
	}
	for i, oid := range r.order {
		if oid == removed.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return []Change{{Type: ChangeRemoved, Participant: removed}}
}

// Get returns the participant matching id, userId or clientId.
func (r *Reconciler) Get(id string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p := r.lookup(id); p != nil {
		return *p, true
	}
	return Participant{}, false
}

// Len returns the number of participants, left ones included.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// CountByStatus returns a count for every status, zero included.
func (r *Reconciler) CountByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countByStatusLocked()
}

func (r *Reconciler) countByStatusLocked() map[Status]int {
	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	for _, id := range r.order {
		counts[r.byID[id].Status]++
	}
	return counts
}

// AverageProgress is the rounded mean progress of active participants, or 0
// when none is active.
func (r *Reconciler) AverageProgress() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.averageProgressLocked()
}

func (r *Reconciler) averageProgressLocked() int {
	sum, n := 0, 0
	for _, id := range r.order {
		if p := r.byID[id]; p.Status == StatusActive {
			sum += p.Progress
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return int(math.Round(float64(sum) / float64(n)))
}

// Stats returns total, per-status counts and average progress taken from
// one consistent view of the list.
func (r *Reconciler) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Total:           len(r.order),
		ByStatus:        r.countByStatusLocked(),
		AverageProgress: r.averageProgressLocked(),
	}
}

// Sorted returns the list in display order: participants with a first and
// last name come first; arrival order is kept within each group.
func (r *Reconciler) Sorted() []Participant {
	r.mu.RLock()
	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].HasFullName() && !out[j].HasFullName()
	})
	return out
}

// Filter returns the sorted participants whose name or email contains q,
// ignoring case. An empty q matches everyone.
func (r *Reconciler) Filter(q string) []Participant {
	all := r.Sorted()
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return all
	}
	out := all[:0]
	for _, p := range all {
		if strings.Contains(strings.ToLower(p.Name), q) || strings.Contains(strings.ToLower(p.Email), q) {
			out = append(out, p)
		}
	}
	return out
}

// mergeFields copies the present identity and progress fields of rec onto p.
// ID and JoinedAt never change.
func mergeFields(p *Participant, rec Record) {
	if rec.UserID != "" {
		p.UserID = string(rec.UserID)
	}
	if rec.ClientID != "" {
		p.ClientID = string(rec.ClientID)
	}
	if rec.FirstName != nil {
		p.FirstName = deref(rec.FirstName)
	}
	if rec.LastName != nil {
		p.LastName = deref(rec.LastName)
	}
	if rec.Email != nil {
		p.Email = deref(rec.Email)
	}
	if rec.Progress != nil {
		p.Progress = clampProgress(*rec.Progress)
	}
	p.Name = DisplayName(p.ID, p.FirstName, p.LastName)
}
