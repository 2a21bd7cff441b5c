// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_AppendReturnsLength(t *testing.T) {
	b := NewBuffer(0, nil)
	for i := 1; i <= 3; i++ {
		if got := b.Append(envelopeNamed("e")); got != i {
			t.Errorf("Append #%d returned %d", i, got)
		}
	}
	if b.Len() != 3 {
		t.Errorf("Len() = %d, want 3", b.Len())
	}
}

func TestBuffer_DrainAll(t *testing.T) {
	b := NewBuffer(0, nil)
	b.Append(envelopeNamed("a"))
	b.Append(envelopeNamed("b"))

	drained := b.DrainAll()
	assert.Equal(t, []string{"a", "b"}, names(drained))
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.DrainAll())
}

func TestBuffer_DrainN(t *testing.T) {
	b := NewBuffer(0, nil)
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		b.Append(envelopeNamed(n))
	}

	assert.Empty(t, b.DrainN(0))
	assert.Equal(t, []string{"a", "b"}, names(b.DrainN(2)))
	assert.Equal(t, 3, b.Len())

	head := b.DrainN(1)
	b.Append(envelopeNamed("f"))
	assert.Equal(t, []string{"c"}, names(head), "drained slice must not alias the buffer")

	assert.Equal(t, []string{"d", "e", "f"}, names(b.DrainN(10)))
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.DrainN(1))
}

func TestBuffer_PrependPreservesOrder(t *testing.T) {
	b := NewBuffer(0, nil)
	b.Append(envelopeNamed("new1"))
	b.Append(envelopeNamed("new2"))

	b.Prepend([]Envelope{envelopeNamed("old1"), envelopeNamed("old2")})

	assert.Equal(t, []string{"old1", "old2", "new1", "new2"}, names(b.Snapshot()))
}

func TestBuffer_OverflowDropsOldestNonCritical(t *testing.T) {
	critical := func(name string) bool { return name == "error" }
	b := NewBuffer(3, critical)

	b.Append(envelopeNamed("error"))
	b.Append(envelopeNamed("view1"))
	b.Append(envelopeNamed("view2"))
	n := b.Append(envelopeNamed("view3"))

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"error", "view2", "view3"}, names(b.Snapshot()))
	assert.Equal(t, int64(1), b.Dropped())
}

func TestBuffer_OverflowAllCriticalDropsOldest(t *testing.T) {
	b := NewBuffer(2, func(string) bool { return true })

	b.Append(envelopeNamed("e1"))
	b.Append(envelopeNamed("e2"))
	b.Append(envelopeNamed("e3"))

	assert.Equal(t, []string{"e2", "e3"}, names(b.Snapshot()))
	assert.Equal(t, int64(1), b.Dropped())
}

func TestBuffer_PrependOverflow(t *testing.T) {
	critical := func(name string) bool { return name == "conversion" }
	b := NewBuffer(3, critical)
	b.Append(envelopeNamed("fresh"))

	b.Prepend([]Envelope{
		envelopeNamed("conversion"),
		envelopeNamed("stale1"),
		envelopeNamed("stale2"),
	})

	assert.Equal(t, []string{"conversion", "stale2", "fresh"}, names(b.Snapshot()))
}

func TestBuffer_SnapshotIsCopy(t *testing.T) {
	b := NewBuffer(0, nil)
	b.Append(Envelope{Name: "a", Properties: Properties{"k": String("v")}})

	snap := b.Snapshot()
	snap[0].Properties["k"] = String("changed")

	assert.Equal(t, "v", b.Snapshot()[0].Properties["k"].Str())
}

func TestBuffer_ConcurrentAppend(t *testing.T) {
	b := NewBuffer(0, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Append(envelopeNamed("e"))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1000, b.Len())
}

func TestBuffer_DrainPrependRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("failed batch returns to the head exactly once", prop.ForAll(
		func(before, during int) bool {
			b := NewBuffer(0, nil)
			var want []string
			for i := 0; i < before; i++ {
				name := fmt.Sprintf("old%d", i)
				b.Append(envelopeNamed(name))
				want = append(want, name)
			}

			batch := b.DrainAll()
			for i := 0; i < during; i++ {
				name := fmt.Sprintf("new%d", i)
				b.Append(envelopeNamed(name))
				want = append(want, name)
			}
			b.Prepend(batch)

			got := names(b.Snapshot())
			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 30),
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}
