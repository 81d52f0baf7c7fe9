package predictor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperbox/hyperboxd/pkg/types"
)

func TestPredictionsWithNoHistoryIsEmptyNotNil(t *testing.T) {
	p := New(0)
	preds := p.Predictions(time.Now(), time.Minute, 5)
	require.NotNil(t, preds)
	assert.Empty(t, preds)
}

func TestPredictionsRanksMoreFrequentImageHigher(t *testing.T) {
	p := New(64)
	now := time.Now()

	for i := 0; i < 10; i++ {
		p.Record(types.UsageEvent{Image: "hot:latest", Timestamp: now.Add(-time.Duration(i) * time.Second)})
	}
	p.Record(types.UsageEvent{Image: "cold:latest", Timestamp: now.Add(-time.Minute)})

	preds := p.Predictions(now, 5*time.Minute, 2)
	require.Len(t, preds, 2)
	assert.Equal(t, "hot:latest", preds[0].Image)
	assert.Greater(t, preds[0].Probability, preds[1].Probability)
}

func TestPredictionsProbabilitiesSumToAtMostOne(t *testing.T) {
	p := New(64)
	now := time.Now()
	images := []string{"a", "b", "c", "d"}
	for _, img := range images {
		for i := 0; i < 5; i++ {
			p.Record(types.UsageEvent{Image: img, Timestamp: now})
		}
	}

	preds := p.Predictions(now, time.Minute, len(images))
	var sum float64
	for _, pr := range preds {
		assert.GreaterOrEqual(t, pr.Probability, 0.0)
		assert.LessOrEqual(t, pr.Probability, 1.0)
		sum += pr.Probability
	}
	assert.LessOrEqual(t, sum, 1.0001)
}

func TestPredictionsCooccurrenceBoostsGroupedImage(t *testing.T) {
	p := New(64)
	now := time.Now()

	// web and db always launch together under the same group key; worker
	// never does.
	for i := 0; i < 20; i++ {
		p.Record(types.UsageEvent{Image: "web:latest", GroupKey: "compose-a", Timestamp: now})
		p.Record(types.UsageEvent{Image: "db:latest", GroupKey: "compose-a", Timestamp: now})
	}
	for i := 0; i < 20; i++ {
		p.Record(types.UsageEvent{Image: "worker:latest", Timestamp: now})
	}
	// One more recent web launch to mark "compose-a" as recently active.
	p.Record(types.UsageEvent{Image: "web:latest", GroupKey: "compose-a", Timestamp: now})

	preds := p.Predictions(now, time.Minute, 3)
	byImage := make(map[string]float64, len(preds))
	for _, pr := range preds {
		byImage[pr.Image] = pr.Probability
	}
	assert.Greater(t, byImage["db:latest"], 0.0, "db should get a co-occurrence boost from the active compose-a group")
}

func TestRingOverwritesOldestWhenFull(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 5; i++ {
		r.add(eventRecord{image: "x", occurredAt: int64(i)})
	}
	assert.Equal(t, 3, r.len())
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	p := New(32)
	now := time.Now()
	p.Record(types.UsageEvent{Image: "web:latest", GroupKey: "g1", Timestamp: now})
	p.Record(types.UsageEvent{Image: "db:latest", GroupKey: "g1", Timestamp: now})

	store := &fakePersistStore{}
	require.NoError(t, p.SaveTo(store))

	restored := New(32)
	require.NoError(t, restored.LoadFrom(store))

	before := p.Predictions(now, time.Hour, 5)
	after := restored.Predictions(now, time.Hour, 5)
	assert.Equal(t, before, after)
}

func TestLoadFromEmptyStoreIsNoop(t *testing.T) {
	p := New(32)
	store := &fakePersistStore{}
	require.NoError(t, p.LoadFrom(store))
	assert.Empty(t, p.Predictions(time.Now(), time.Minute, 5))
}

type fakePersistStore struct {
	data []byte
}

func (f *fakePersistStore) SavePredictorState(data []byte) error {
	f.data = append([]byte(nil), data...)
	return nil
}

func (f *fakePersistStore) LoadPredictorState() ([]byte, error) {
	return f.data, nil
}
