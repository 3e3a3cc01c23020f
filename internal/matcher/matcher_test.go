package matcher

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anpr-reconciler/internal/domain/parking"
)

var (
	t0  = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	key = parking.PairKey{SiteID: "site-1", VRM: "AB12CDE"}
)

func seqIDs() IDFunc {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("s%d", n)
	}
}

func mv(id string, dir parking.Direction, at time.Time) parking.Movement {
	return parking.Movement{ID: id, SiteID: key.SiteID, VRM: key.VRM, Direction: dir, Timestamp: at}
}

func TestMatchEntryExitCompletes(t *testing.T) {
	sessions := Match(key, []parking.Movement{
		mv("m1", parking.DirectionEntry, t0),
		mv("m2", parking.DirectionExit, t0.Add(30*time.Hour)),
	}, seqIDs())

	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, parking.SessionCompleted, s.Status)
	assert.Equal(t, "m1", *s.EntryMovementID)
	assert.Equal(t, "m2", *s.ExitMovementID)
	require.NotNil(t, s.DurationMinutes)
	assert.Equal(t, int64(1800), *s.DurationMinutes)
	assert.True(t, s.StartTime.Equal(t0))
}

func TestMatchEntryWithoutExitIsOpen(t *testing.T) {
	sessions := Match(key, []parking.Movement{mv("m1", parking.DirectionEntry, t0)}, seqIDs())

	require.Len(t, sessions, 1)
	assert.Equal(t, parking.SessionOpen, sessions[0].Status)
	assert.Nil(t, sessions[0].EndTime)
	assert.Nil(t, sessions[0].DurationMinutes)
	assert.Nil(t, sessions[0].ExitMovementID)
}

func TestMatchOrphanExitIsAnomalous(t *testing.T) {
	sessions := Match(key, []parking.Movement{mv("m1", parking.DirectionExit, t0)}, seqIDs())

	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, parking.SessionAnomalous, s.Status)
	assert.Nil(t, s.EntryMovementID)
	require.NotNil(t, s.EndTime)
	assert.True(t, s.EndTime.Equal(t0))
	assert.Equal(t, int64(0), *s.DurationMinutes)
}

func TestMatchDoubleEntryKeepsEarlierOpen(t *testing.T) {
	sessions := Match(key, []parking.Movement{
		mv("m1", parking.DirectionEntry, t0),
		mv("m2", parking.DirectionEntry, t0.Add(time.Hour)),
		mv("m3", parking.DirectionExit, t0.Add(3*time.Hour)),
	}, seqIDs())

	require.Len(t, sessions, 2)
	assert.Equal(t, parking.SessionOpen, sessions[0].Status)
	assert.Equal(t, "m1", *sessions[0].EntryMovementID)
	assert.Nil(t, sessions[0].ExitMovementID)

	assert.Equal(t, parking.SessionCompleted, sessions[1].Status)
	assert.Equal(t, "m2", *sessions[1].EntryMovementID)
	assert.Equal(t, "m3", *sessions[1].ExitMovementID)
	assert.Equal(t, int64(120), *sessions[1].DurationMinutes)
}

func TestMatchTwoEntriesNoExitAreBothOpen(t *testing.T) {
	sessions := Match(key, []parking.Movement{
		mv("m1", parking.DirectionEntry, t0),
		mv("m2", parking.DirectionEntry, t0.Add(30*time.Hour)),
	}, seqIDs())

	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Equal(t, parking.SessionOpen, s.Status)
		assert.Nil(t, s.EndTime)
	}
}

func TestMatchIgnoresInternalUnknownAndDiscarded(t *testing.T) {
	discarded := mv("m2", parking.DirectionExit, t0.Add(time.Hour))
	discarded.Discarded = true
	other := mv("x1", parking.DirectionExit, t0.Add(time.Hour))
	other.VRM = "ZZ99ZZZ"

	sessions := Match(key, []parking.Movement{
		mv("m1", parking.DirectionEntry, t0),
		discarded,
		other,
		mv("m3", parking.DirectionInternal, t0.Add(2*time.Hour)),
		mv("m4", parking.DirectionUnknown, t0.Add(3*time.Hour)),
		mv("m5", parking.DirectionExit, t0.Add(4*time.Hour)),
	}, seqIDs())

	require.Len(t, sessions, 1)
	assert.Equal(t, "m5", *sessions[0].ExitMovementID)
	assert.Equal(t, int64(240), *sessions[0].DurationMinutes)
	for _, s := range sessions {
		assert.False(t, s.References("m2"))
		assert.False(t, s.References("x1"))
	}
}

func TestMatchOrdersByTimestampThenID(t *testing.T) {
	// Same instant: ids decide, so "a" (ENTRY) precedes "b" (EXIT).
	sessions := Match(key, []parking.Movement{
		mv("b", parking.DirectionExit, t0),
		mv("a", parking.DirectionEntry, t0),
	}, seqIDs())

	require.Len(t, sessions, 1)
	assert.Equal(t, parking.SessionCompleted, sessions[0].Status)
	assert.Equal(t, int64(0), *sessions[0].DurationMinutes)
}

func TestMatchRoundsDurationToNearestMinute(t *testing.T) {
	sessions := Match(key, []parking.Movement{
		mv("m1", parking.DirectionEntry, t0),
		mv("m2", parking.DirectionExit, t0.Add(90*time.Minute+31*time.Second)),
	}, seqIDs())

	require.Len(t, sessions, 1)
	assert.Equal(t, int64(91), *sessions[0].DurationMinutes)
}

func randomHistory(r *rand.Rand, n int) []parking.Movement {
	dirs := []parking.Direction{
		parking.DirectionEntry, parking.DirectionExit, parking.DirectionInternal, parking.DirectionUnknown,
	}
	out := make([]parking.Movement, 0, n)
	for i := 0; i < n; i++ {
		m := mv(fmt.Sprintf("m%03d", i), dirs[r.Intn(len(dirs))], t0.Add(time.Duration(r.Intn(72*60))*time.Minute))
		m.Discarded = r.Intn(10) == 0
		out = append(out, m)
	}
	return out
}

func TestMatchIsIdempotentAndOrderIndependent(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		history := randomHistory(r, 1+r.Intn(20))

		first := Match(key, history, seqIDs())

		shuffled := append([]parking.Movement(nil), history...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		second := Match(key, shuffled, seqIDs())

		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("round %d: match not deterministic (-first +second):\n%s", round, diff)
		}
		assert.True(t, Equivalent(first, second))
	}
}

func TestMatchSessionProperties(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		history := randomHistory(r, 1+r.Intn(30))
		byID := make(map[string]parking.Movement, len(history))
		for _, m := range history {
			byID[m.ID] = m
		}

		seen := make(map[string]bool)
		for _, s := range Match(key, history, seqIDs()) {
			for _, ref := range []*string{s.EntryMovementID, s.ExitMovementID} {
				if ref == nil {
					continue
				}
				assert.False(t, byID[*ref].Discarded, "discarded movement %s referenced", *ref)
				assert.False(t, seen[*ref], "movement %s in two sessions", *ref)
				seen[*ref] = true
			}
			if s.EndTime != nil {
				assert.False(t, s.EndTime.Before(s.StartTime))
			}
			if s.Status == parking.SessionCompleted {
				entry, exit := byID[*s.EntryMovementID], byID[*s.ExitMovementID]
				assert.False(t, exit.Timestamp.Before(entry.Timestamp))
				assert.Equal(t, parking.DurationMinutes(entry.Timestamp, exit.Timestamp), *s.DurationMinutes)
			}
			assert.NotEqual(t, parking.SessionProvisional, s.Status)
		}
	}
}

func TestEquivalentIgnoresIDs(t *testing.T) {
	history := []parking.Movement{
		mv("m1", parking.DirectionEntry, t0),
		mv("m2", parking.DirectionExit, t0.Add(time.Hour)),
	}
	a := Match(key, history, seqIDs())
	b := Match(key, history, func() string { return "other" })
	assert.True(t, Equivalent(a, b))

	c := Match(key, history[:1], seqIDs())
	assert.False(t, Equivalent(a, c))
}

func TestEquivalentIgnoresListingOrder(t *testing.T) {
	history := []parking.Movement{
		mv("m1", parking.DirectionExit, t0),
		mv("m2", parking.DirectionEntry, t0),
	}
	a := Match(key, history, seqIDs())
	require.Len(t, a, 2)
	assert.Equal(t, a[0].StartTime, a[1].StartTime)

	reversed := []parking.Session{a[1], a[0]}
	assert.True(t, Equivalent(a, reversed))
	assert.True(t, Equivalent(reversed, Match(key, history, seqIDs())))

	a[1].Status = parking.SessionCompleted
	assert.False(t, Equivalent(a, reversed[:1]))
	assert.False(t, Equivalent([]parking.Session{a[1], a[0]}, Match(key, history, seqIDs())))
}
