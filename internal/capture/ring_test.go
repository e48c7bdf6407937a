package capture

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/proximity.report/internal/sonar"
)

func bufReading(seq int) sonar.Reading {
	return sonar.Reading{SensorID: 1, DistanceCM: 100 + seq, Seq: seq, Valid: true}
}

func TestRingBuffer_BelowCapacity(t *testing.T) {
	r := newRingBuffer(4)
	r.Append(bufReading(1))
	r.Append(bufReading(2))

	assert.Equal(t, 2, r.Len())
	want := []sonar.Reading{bufReading(1), bufReading(2)}
	if diff := cmp.Diff(want, r.Snapshot()); diff != "" {
		t.Errorf("unexpected snapshot (-want +got):\n%s", diff)
	}
}

func TestRingBuffer_ExactlyFull(t *testing.T) {
	r := newRingBuffer(3)
	for i := 1; i <= 3; i++ {
		r.Append(bufReading(i))
	}

	assert.Equal(t, 3, r.Len())
	want := []sonar.Reading{bufReading(1), bufReading(2), bufReading(3)}
	if diff := cmp.Diff(want, r.Snapshot()); diff != "" {
		t.Errorf("unexpected snapshot (-want +got):\n%s", diff)
	}
}

func TestRingBuffer_EvictsOldest(t *testing.T) {
	r := newRingBuffer(3)
	for i := 1; i <= 5; i++ {
		r.Append(bufReading(i))
	}

	assert.Equal(t, 3, r.Len())
	want := []sonar.Reading{bufReading(3), bufReading(4), bufReading(5)}
	if diff := cmp.Diff(want, r.Snapshot()); diff != "" {
		t.Errorf("unexpected snapshot (-want +got):\n%s", diff)
	}
}

func TestRingBuffer_WrapsRepeatedly(t *testing.T) {
	r := newRingBuffer(2)
	for i := 1; i <= 7; i++ {
		r.Append(bufReading(i))
	}

	want := []sonar.Reading{bufReading(6), bufReading(7)}
	if diff := cmp.Diff(want, r.Snapshot()); diff != "" {
		t.Errorf("unexpected snapshot (-want +got):\n%s", diff)
	}
}

func TestRingBuffer_MinimumCapacity(t *testing.T) {
	r := newRingBuffer(0)
	r.Append(bufReading(1))
	r.Append(bufReading(2))

	assert.Equal(t, 1, r.Len())
	want := []sonar.Reading{bufReading(2)}
	if diff := cmp.Diff(want, r.Snapshot()); diff != "" {
		t.Errorf("unexpected snapshot (-want +got):\n%s", diff)
	}
}

func TestRingBuffer_EmptySnapshot(t *testing.T) {
	r := newRingBuffer(5)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot())
}
