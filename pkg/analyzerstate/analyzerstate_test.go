package analyzerstate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-memory Store for exercising the gated CAS logic
// without a real backing datastore.
type memStore struct {
	records map[string]*Record
}

func newMemStore(records ...*Record) *memStore {
	m := &memStore{records: make(map[string]*Record)}
	for _, r := range records {
		m.records[r.ID] = r
	}

	return m
}

func (m *memStore) Get(_ context.Context, analyzerID string) (*Record, error) {
	r, ok := m.records[analyzerID]
	if !ok {
		return nil, fmt.Errorf("no such analyzer: %s", analyzerID)
	}

	return r, nil
}

func (m *memStore) Transition(_ context.Context, analyzerID string, from, to State, mutate func(*Record)) error {
	r, ok := m.records[analyzerID]
	if !ok || r.State != from {
		return &ErrTransitionFailed{AnalyzerID: analyzerID, From: from, To: to}
	}

	r.State = to
	if mutate != nil {
		mutate(r)
	}

	return nil
}

func (m *memStore) RunningAnalyzers(_ context.Context) ([]*Record, error) {
	var out []*Record

	for _, r := range m.records {
		for _, s := range RunningStates {
			if r.State == s {
				out = append(out, r)

				break
			}
		}
	}

	return out, nil
}

func (m *memStore) SensingAnalyzers(_ context.Context) ([]*Record, error) {
	var out []*Record

	for _, r := range m.records {
		if r.State == StateSensing {
			out = append(out, r)
		}
	}

	return out, nil
}

func (m *memStore) PlannedAnalyzers(_ context.Context) ([]*Record, error) {
	var out []*Record

	for _, r := range m.records {
		if r.State == StatePlanned {
			out = append(out, r)
		}
	}

	return out, nil
}

func (m *memStore) ExecutedAnalyzers(_ context.Context) ([]*Record, error) {
	var out []*Record

	for _, r := range m.records {
		if r.State == StateExecuted {
			out = append(out, r)
		}
	}

	return out, nil
}

func TestAllowed(t *testing.T) {
	domain, ok := Allowed(StateDisabled, StateSensing)
	assert.True(t, ok)
	assert.Equal(t, DomainAdmin, domain)

	_, ok = Allowed(StateSensing, StateExecuting)
	assert.False(t, ok, "sensing->executing skips planned and must not be allowed")
}

func TestTransition_WrongDomainRejected(t *testing.T) {
	store := newMemStore(&Record{ID: "a1", State: StateDisabled})

	err := Transition(context.Background(), store, DomainSensor, "a1", StateDisabled, StateSensing, nil)

	var notSupported *ErrTransitionNotSupported
	require.ErrorAs(t, err, &notSupported)
}

func TestTransition_CASLosesRace(t *testing.T) {
	store := newMemStore(&Record{ID: "a1", State: StateSensing})

	err := Transition(context.Background(), store, DomainAdmin, "a1", StateDisabled, StateSensing, nil)

	var failed *ErrTransitionFailed
	require.ErrorAs(t, err, &failed)
}

func TestTransition_Success(t *testing.T) {
	store := newMemStore(&Record{ID: "a1", State: StateDisabled})

	err := Transition(context.Background(), store, DomainAdmin, "a1", StateDisabled, StateSensing, nil)
	require.NoError(t, err)

	r, err := store.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, StateSensing, r.State)
}

func TestBlockedAndUnstableTypes(t *testing.T) {
	running := []*Record{
		{ID: "a1", State: StatePlanned, InputTypes: []string{"raw.ping"}, OutputTypes: []string{"derived.rtt"}},
		{ID: "a2", State: StateDisabled, InputTypes: []string{"raw.trace"}, OutputTypes: []string{"derived.path"}},
	}

	blocked, unstable := BlockedAndUnstableTypes(running)

	_, blockedPing := blocked["raw.ping"]
	_, blockedTrace := blocked["raw.trace"]
	assert.True(t, blockedPing)
	assert.False(t, blockedTrace, "a2 is disabled, not running, and must not contribute")

	_, unstableRTT := unstable["derived.rtt"]
	assert.True(t, unstableRTT)
}

func TestHonourWish_Disable(t *testing.T) {
	store := newMemStore(&Record{ID: "a1", State: StateSensing, Wish: WishDisable})

	r, err := store.Get(context.Background(), "a1")
	require.NoError(t, err)

	honoured, err := HonourWish(context.Background(), store, DomainSensor, r)
	require.NoError(t, err)
	assert.True(t, honoured)
	assert.Equal(t, StateDisabled, r.State)
	assert.Equal(t, WishNone, r.Wish)
}

func TestHonourWish_NoneIsNoop(t *testing.T) {
	store := newMemStore(&Record{ID: "a1", State: StateSensing})

	r, err := store.Get(context.Background(), "a1")
	require.NoError(t, err)

	honoured, err := HonourWish(context.Background(), store, DomainSensor, r)
	require.NoError(t, err)
	assert.False(t, honoured)
}
