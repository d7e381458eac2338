package retain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type record struct {
	ID     string
	Status string
}

func TestCache_PutAndGet(t *testing.T) {
	c := New[record](time.Minute, time.Minute)

	want := record{ID: "wf-1", Status: "completed"}
	c.Put("wf-1", want)

	got, ok := c.Get("wf-1")
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestCache_GetMissing(t *testing.T) {
	c := New[record](time.Minute, time.Minute)

	got, ok := c.Get("wf-1")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestCache_EntryExpires(t *testing.T) {
	// Expiry happens on read, before any sweep runs.
	c := New[record](20*time.Millisecond, time.Hour)

	c.Put("wf-1", record{ID: "wf-1"})
	time.Sleep(40 * time.Millisecond)

	_, ok := c.Get("wf-1")
	require.False(t, ok)
}

func TestCache_ItemsSkipsExpired(t *testing.T) {
	c := New[record](25*time.Millisecond, time.Hour)

	c.Put("old", record{ID: "old"})
	time.Sleep(40 * time.Millisecond)
	c.Put("fresh", record{ID: "fresh"})

	items := c.Items()
	require.Len(t, items, 1)
	require.Contains(t, items, "fresh")
}

func TestCache_PutOverwrites(t *testing.T) {
	c := New[record](time.Minute, time.Minute)

	c.Put("wf-1", record{ID: "wf-1", Status: "failed"})
	c.Put("wf-1", record{ID: "wf-1", Status: "completed"})

	got, ok := c.Get("wf-1")
	require.True(t, ok)
	require.Equal(t, "completed", got.Status)
}
