// Package blockers explains why features are stuck and brings them back.
package blockers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gabelul/autocoder/internal/db"
	"github.com/gabelul/autocoder/pkg/models"
)

// Store is the part of the work queue the classifier needs.
type Store interface {
	ListFeatures(ctx context.Context, filter db.ListFilter) ([]*models.Feature, error)
	BlockFeatures(ctx context.Context, ids []int64, reason models.BlockedReason, note string) (int, error)
	RequeueBlocked(ctx context.Context, entries []models.Requeue) (int, error)
}

// Blocker is one stuck feature and the cause assigned to it.
type Blocker struct {
	FeatureID   int64                `json:"feature_id"`
	Name        string               `json:"name"`
	Status      models.FeatureStatus `json:"status"`
	Cause       Cause                `json:"cause"`
	Signature   string               `json:"signature"`
	Recommended bool                 `json:"retry_recommended"`
	LastError   string               `json:"last_error,omitempty"`
}

// Group collects blockers sharing a cause and signature.
type Group struct {
	Key         string    `json:"key"`
	Cause       Cause     `json:"cause"`
	Signature   string    `json:"signature"`
	Recommended bool      `json:"retry_recommended"`
	Blockers    []Blocker `json:"features"`
}

type Summary struct {
	BlockedTotal     int       `json:"blocked_total"`
	StalledTotal     int       `json:"stalled_total"`
	RecommendedTotal int       `json:"recommended_total"`
	Cycles           [][]int64 `json:"cycles,omitempty"`
	Groups           []Group   `json:"groups"`
}

// Group returns the group with the given key.
func (s *Summary) Group(key string) (*Group, bool) {
	for i := range s.Groups {
		if s.Groups[i].Key == key {
			return &s.Groups[i], true
		}
	}
	return nil, false
}

type Classifier struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func New(store Store, log *zap.Logger) *Classifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Classifier{store: store, log: log, now: time.Now}
}

// SetClock replaces the time source used to schedule staggered retries.
func (c *Classifier) SetClock(fn func() time.Time) {
	c.now = fn
}

// Summarize classifies every BLOCKED feature and every PENDING feature held
// back by a dependency that is BLOCKED or missing.
func (c *Classifier) Summarize(ctx context.Context) (*Summary, error) {
	features, err := c.store.ListFeatures(ctx, db.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}

	byID := make(map[int64]*models.Feature, len(features))
	graph := make(map[int64][]int64, len(features))
	var open []int64
	for _, f := range features {
		byID[f.ID] = f
		graph[f.ID] = f.DependsOn
		if f.Status != models.FeatureStatusDone {
			open = append(open, f.ID)
		}
	}

	sccs := cycles(open, graph)
	cycleOf := make(map[int64]string)
	for _, scc := range sccs {
		sig := idList(scc)
		for _, id := range scc {
			cycleOf[id] = sig
		}
	}

	stalled := stalledBehind(features, byID)

	summary := &Summary{Cycles: sccs}
	index := make(map[string]int)
	for _, f := range features {
		switch {
		case f.Status == models.FeatureStatusBlocked:
			summary.BlockedTotal++
		case f.Status == models.FeatureStatusPending && (stalled[f.ID] || cycleOf[f.ID] != ""):
			summary.StalledTotal++
		default:
			continue
		}

		cause, sig, recommended := classify(f, cycleOf[f.ID], unmetDependencies(f, byID))
		if f.Status != models.FeatureStatusBlocked {
			// Only BLOCKED features can be retried.
			recommended = false
		}
		b := Blocker{
			FeatureID:   f.ID,
			Name:        f.Name,
			Status:      f.Status,
			Cause:       cause,
			Signature:   sig,
			Recommended: recommended,
		}
		if f.LastError != nil {
			b.LastError = *f.LastError
		}
		if recommended {
			summary.RecommendedTotal++
		}

		key := string(cause) + ":" + sig
		i, ok := index[key]
		if !ok {
			i = len(summary.Groups)
			index[key] = i
			summary.Groups = append(summary.Groups, Group{Key: key, Cause: cause, Signature: sig, Recommended: true})
		}
		g := &summary.Groups[i]
		g.Blockers = append(g.Blockers, b)
		g.Recommended = g.Recommended && recommended
	}

	sort.SliceStable(summary.Groups, func(i, j int) bool {
		a, b := summary.Groups[i], summary.Groups[j]
		if a.Recommended != b.Recommended {
			return a.Recommended
		}
		if len(a.Blockers) != len(b.Blockers) {
			return len(a.Blockers) > len(b.Blockers)
		}
		return a.Key < b.Key
	})
	return summary, nil
}

// unmetDependencies lists dependencies that are missing or not DONE.
func unmetDependencies(f *models.Feature, byID map[int64]*models.Feature) []int64 {
	var unmet []int64
	for _, dep := range f.DependsOn {
		d, ok := byID[dep]
		if !ok || d.Status != models.FeatureStatusDone {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// stalledBehind marks features that can never become ready because some
// transitive dependency is BLOCKED or missing.
func stalledBehind(features []*models.Feature, byID map[int64]*models.Feature) map[int64]bool {
	memo := make(map[int64]bool)
	visiting := make(map[int64]bool)

	var stuck func(id int64) bool
	stuck = func(id int64) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		if visiting[id] {
			return false
		}
		visiting[id] = true
		defer delete(visiting, id)

		f := byID[id]
		result := false
		for _, dep := range f.DependsOn {
			d, ok := byID[dep]
			if !ok || d.Status == models.FeatureStatusBlocked || (d.Status != models.FeatureStatusDone && stuck(dep)) {
				result = true
				break
			}
		}
		memo[id] = result
		return result
	}

	out := make(map[int64]bool)
	for _, f := range features {
		if f.Status == models.FeatureStatusPending && stuck(f.ID) {
			out[f.ID] = true
		}
	}
	return out
}

type RetryMode string

const (
	RetryRecommended RetryMode = "recommended"
	RetryAll         RetryMode = "all"
	RetryGroup       RetryMode = "group"
)

func ParseRetryMode(s string) (RetryMode, error) {
	switch m := RetryMode(strings.ToLower(s)); m {
	case RetryRecommended, RetryAll, RetryGroup:
		return m, nil
	case "":
		return RetryRecommended, nil
	}
	return "", fmt.Errorf("unknown retry mode %q (want recommended|all|group)", s)
}

type RetryRequest struct {
	Mode     RetryMode
	GroupKey string
	// MaxImmediate features become claimable at once; the rest follow
	// Stagger apart. A zero Stagger releases everything at once.
	MaxImmediate int
	Stagger      time.Duration
}

type RetryResult struct {
	Selected []int64          `json:"selected"`
	Requeued int              `json:"requeued"`
	Schedule []models.Requeue `json:"schedule"`
}

// Retry returns the selected BLOCKED features to PENDING in claim order,
// spacing them out so a burst of retries does not hit the agent at once.
func (c *Classifier) Retry(ctx context.Context, req RetryRequest) (*RetryResult, error) {
	if req.Mode == "" {
		req.Mode = RetryRecommended
	}
	if req.Mode == RetryGroup && req.GroupKey == "" {
		return nil, fmt.Errorf("retry mode group needs a group key")
	}

	summary, err := c.Summarize(ctx)
	if err != nil {
		return nil, err
	}

	selected := make(map[int64]bool)
	for _, g := range summary.Groups {
		if req.Mode == RetryGroup && g.Key != req.GroupKey {
			continue
		}
		for _, b := range g.Blockers {
			if b.Status != models.FeatureStatusBlocked {
				continue
			}
			if req.Mode == RetryRecommended && !b.Recommended {
				continue
			}
			selected[b.FeatureID] = true
		}
	}
	if req.Mode == RetryGroup {
		if _, ok := summary.Group(req.GroupKey); !ok {
			return nil, fmt.Errorf("no blocker group %q", req.GroupKey)
		}
	}

	// ListFeatures returns claim order, which the schedule follows.
	blocked := models.FeatureStatusBlocked
	features, err := c.store.ListFeatures(ctx, db.ListFilter{Status: &blocked})
	if err != nil {
		return nil, fmt.Errorf("list blocked features: %w", err)
	}

	result := &RetryResult{}
	now := c.now()
	for _, f := range features {
		if !selected[f.ID] {
			continue
		}
		entry := models.Requeue{FeatureID: f.ID}
		if k := len(result.Selected) - req.MaxImmediate; req.Stagger > 0 && k >= 0 {
			entry.NotBefore = now.Add(time.Duration(k+1) * req.Stagger)
		}
		result.Selected = append(result.Selected, f.ID)
		result.Schedule = append(result.Schedule, entry)
	}

	n, err := c.store.RequeueBlocked(ctx, result.Schedule)
	if err != nil {
		return nil, fmt.Errorf("requeue blocked features: %w", err)
	}
	result.Requeued = n
	c.log.Info("retried blocked features",
		zap.String("mode", string(req.Mode)),
		zap.String("group", req.GroupKey),
		zap.Int("selected", len(result.Selected)),
		zap.Int("requeued", n))
	return result, nil
}

// BlockCycles blocks every STAGED or PENDING feature that sits on a
// dependency cycle. Such features can never become ready.
func (c *Classifier) BlockCycles(ctx context.Context) (int, error) {
	features, err := c.store.ListFeatures(ctx, db.ListFilter{})
	if err != nil {
		return 0, fmt.Errorf("list features: %w", err)
	}

	graph := make(map[int64][]int64, len(features))
	var open []int64
	for _, f := range features {
		graph[f.ID] = f.DependsOn
		if f.Status != models.FeatureStatusDone {
			open = append(open, f.ID)
		}
	}

	total := 0
	for _, scc := range cycles(open, graph) {
		note := "dependency cycle: " + idList(scc)
		n, err := c.store.BlockFeatures(ctx, scc, models.BlockedCycle, note)
		if err != nil {
			return total, fmt.Errorf("block cycle %s: %w", idList(scc), err)
		}
		if n > 0 {
			c.log.Warn("blocked dependency cycle", zap.String("members", idList(scc)), zap.Int("blocked", n))
		}
		total += n
	}
	return total, nil
}
