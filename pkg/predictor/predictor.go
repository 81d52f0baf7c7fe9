// Package predictor ranks images by how likely they are to be launched
// next, from a rolling history of UsageEvents. It never blocks a launch
// path: Record and Predictions are both pure in-memory operations, with
// persistence as an explicit, separate save/restore step.
package predictor

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/metrics"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

// DefaultRingCapacity bounds how many events are retained per image and
// per group key before the oldest is overwritten.
const DefaultRingCapacity = 512

// Scoring weights. The design note in spec.md leaves these unspecified;
// recency is weighted heaviest since it is the strongest signal for an
// imminent pre-warm request, frequency next, co-occurrence last since it
// only fires when a group key is supplied at all.
const (
	weightRecency      = 0.5
	weightFrequency    = 0.3
	weightCooccurrence = 0.2
)

// Prediction is one ranked entry returned by Predictions.
type Prediction struct {
	Image       string  `json:"image"`
	Probability float64 `json:"probability"`
}

// PersistStore is the subset of *daemon.Store the predictor needs to save
// and restore its rings across restarts.
type PersistStore interface {
	SavePredictorState([]byte) error
	LoadPredictorState() ([]byte, error)
}

// Predictor tracks per-image and per-group-key launch history.
type Predictor struct {
	mu           sync.RWMutex
	ringCapacity int
	byImage      map[string]*ring
	byGroup      map[string]*ring
}

// New returns an empty Predictor. ringCapacity <= 0 uses DefaultRingCapacity.
func New(ringCapacity int) *Predictor {
	if ringCapacity <= 0 {
		ringCapacity = DefaultRingCapacity
	}
	return &Predictor{
		ringCapacity: ringCapacity,
		byImage:      make(map[string]*ring),
		byGroup:      make(map[string]*ring),
	}
}

// Record appends ev to its image's ring, and to its group key's ring when
// ev.GroupKey is set.
func (p *Predictor) Record(ev types.UsageEvent) {
	rec := eventRecord{
		image:       ev.Image,
		groupKey:    ev.GroupKey,
		occurredAt:  ev.Timestamp.UnixNano(),
		durationSec: ev.DurationSec,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.byImage[ev.Image]
	if !ok {
		r = newRing(p.ringCapacity)
		p.byImage[ev.Image] = r
	}
	r.add(rec)

	if ev.GroupKey != "" {
		g, ok := p.byGroup[ev.GroupKey]
		if !ok {
			g = newRing(p.ringCapacity)
			p.byGroup[ev.GroupKey] = g
		}
		g.add(rec)
	}
}

// Predictions returns the topN images most likely to launch next, scored
// from events within the last kRecent window plus all-time frequency and
// co-occurrence. Probabilities are in [0, 1] and sum to at most 1 across
// ALL scored images, not just the returned topN. With no history it
// returns an empty, non-nil slice.
func (p *Predictor) Predictions(now time.Time, kRecent time.Duration, topN int) []Prediction {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PredictionDuration)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.byImage) == 0 || topN <= 0 {
		return []Prediction{}
	}

	cutoff := now.Add(-kRecent).UnixNano()

	var totalEvents int
	recentGroups := make(map[string]bool)
	for image, r := range p.byImage {
		for _, e := range r.all() {
			totalEvents++
			if e.occurredAt >= cutoff && e.groupKey != "" {
				recentGroups[e.groupKey] = true
			}
		}
		_ = image
	}
	if totalEvents == 0 {
		return []Prediction{}
	}

	raw := make(map[string]float64, len(p.byImage))
	for image, r := range p.byImage {
		events := r.all()
		n := len(events)
		if n == 0 {
			continue
		}

		var recentCount int
		for _, e := range events {
			if e.occurredAt >= cutoff {
				recentCount++
			}
		}
		recency := float64(recentCount) / float64(n)
		frequency := float64(n) / float64(totalEvents)
		cooccurrence := p.cooccurrenceScore(image, recentGroups)

		raw[image] = weightRecency*recency + weightFrequency*frequency + weightCooccurrence*cooccurrence
	}

	var total float64
	for _, score := range raw {
		total += score
	}
	if total > 1 {
		for image, score := range raw {
			raw[image] = score / total
		}
	}

	out := make([]Prediction, 0, len(raw))
	for image, score := range raw {
		out = append(out, Prediction{Image: image, Probability: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability == out[j].Probability {
			return out[i].Image < out[j].Image
		}
		return out[i].Probability > out[j].Probability
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// cooccurrenceScore averages, over every group key with recent activity,
// the share of that group's ring belonging to image. Callers hold p.mu.
func (p *Predictor) cooccurrenceScore(image string, recentGroups map[string]bool) float64 {
	if len(recentGroups) == 0 {
		return 0
	}
	var sum float64
	for group := range recentGroups {
		g, ok := p.byGroup[group]
		if !ok {
			continue
		}
		events := g.all()
		if len(events) == 0 {
			continue
		}
		var count int
		for _, e := range events {
			if e.image == image {
				count++
			}
		}
		sum += float64(count) / float64(len(events))
	}
	return sum / float64(len(recentGroups))
}

// persistedState is the JSON wire format written by SaveTo and read back
// by LoadFrom. Ring order doesn't matter for scoring so events are stored
// as flat lists rather than preserving the circular buffer's write cursor.
type persistedState struct {
	RingCapacity int                `json:"ring_capacity"`
	ByImage      map[string][]ewire `json:"by_image"`
	ByGroup      map[string][]ewire `json:"by_group"`
}

type ewire struct {
	Image       string  `json:"image"`
	GroupKey    string  `json:"group_key,omitempty"`
	OccurredAt  int64   `json:"occurred_at"`
	DurationSec float64 `json:"duration_sec"`
}

// SaveTo serializes the predictor's rings to store as JSON.
func (p *Predictor) SaveTo(store PersistStore) error {
	p.mu.RLock()
	state := persistedState{
		RingCapacity: p.ringCapacity,
		ByImage:      make(map[string][]ewire, len(p.byImage)),
		ByGroup:      make(map[string][]ewire, len(p.byGroup)),
	}
	for key, r := range p.byImage {
		state.ByImage[key] = toWire(r.all())
	}
	for key, r := range p.byGroup {
		state.ByGroup[key] = toWire(r.all())
	}
	p.mu.RUnlock()

	data, err := json.Marshal(state)
	if err != nil {
		return hberrors.Wrap(hberrors.Internal, err, "marshal predictor state")
	}
	if err := store.SavePredictorState(data); err != nil {
		return hberrors.Wrap(hberrors.Internal, err, "persist predictor state")
	}
	return nil
}

// LoadFrom replaces the predictor's rings with whatever was last saved to
// store, or leaves it empty if nothing has been persisted yet.
func (p *Predictor) LoadFrom(store PersistStore) error {
	data, err := store.LoadPredictorState()
	if err != nil {
		return hberrors.Wrap(hberrors.Internal, err, "load predictor state")
	}
	if len(data) == 0 {
		return nil
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return hberrors.Wrap(hberrors.Internal, err, "unmarshal predictor state")
	}

	capacity := state.RingCapacity
	if capacity <= 0 {
		capacity = p.ringCapacity
	}

	byImage := make(map[string]*ring, len(state.ByImage))
	for key, events := range state.ByImage {
		r := newRing(capacity)
		for _, e := range fromWire(events) {
			r.add(e)
		}
		byImage[key] = r
	}
	byGroup := make(map[string]*ring, len(state.ByGroup))
	for key, events := range state.ByGroup {
		r := newRing(capacity)
		for _, e := range fromWire(events) {
			r.add(e)
		}
		byGroup[key] = r
	}

	p.mu.Lock()
	p.ringCapacity = capacity
	p.byImage = byImage
	p.byGroup = byGroup
	p.mu.Unlock()
	return nil
}

func toWire(events []eventRecord) []ewire {
	out := make([]ewire, len(events))
	for i, e := range events {
		out[i] = ewire{Image: e.image, GroupKey: e.groupKey, OccurredAt: e.occurredAt, DurationSec: e.durationSec}
	}
	return out
}

func fromWire(events []ewire) []eventRecord {
	out := make([]eventRecord, len(events))
	for i, e := range events {
		out[i] = eventRecord{image: e.Image, groupKey: e.GroupKey, occurredAt: e.OccurredAt, durationSec: e.DurationSec}
	}
	return out
}
