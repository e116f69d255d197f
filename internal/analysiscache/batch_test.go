package analysiscache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/entry"
)

func TestGetManyVisibility(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()

	mineSaved := seed(t, c, "profile-1", 1)
	_, err := c.Save(ctx, mineSaved, "user-a", SaveOptions{})
	require.NoError(t, err)

	othersSaved := seed(t, c, "profile-1", 2)
	_, err = c.Save(ctx, othersSaved, "user-b", SaveOptions{})
	require.NoError(t, err)

	legacy := newEntry("profile-1", 3, "Legacy.")
	legacy.IsSaved = true
	require.NoError(t, store.Upsert(ctx, legacy))

	unowned := seed(t, c, "profile-1", 4)

	othersEphemeral := newEntry("profile-1", 5, "x")
	othersEphemeral.OwnerUserID = strPtr("user-b")
	require.NoError(t, c.Create(ctx, othersEphemeral))

	missing := newEntry("profile-1", 6, "x").Signature

	got, err := c.GetMany(ctx, []string{
		mineSaved, othersSaved, legacy.Signature, unowned, othersEphemeral.Signature, missing,
		mineSaved, "not-a-signature",
	}, "user-a")
	require.NoError(t, err)

	assert.Len(t, got, 2)
	assert.Contains(t, got, mineSaved)
	assert.Contains(t, got, unowned)

	stored, err := store.Get(ctx, legacy.Signature)
	require.NoError(t, err)
	assert.Nil(t, stored.OwnerUserID, "batch reads never claim")
}

// dualStore reports an ephemeral shadow for every permanent entry, a state a
// single-key store cannot hold but the merge must tolerate.
type dualStore struct {
	*entry.MemoryStore
}

func (s dualStore) GetMany(ctx context.Context, sigs []string, f entry.Filter) ([]*entry.Entry, error) {
	if f.State != entry.StateEphemeral {
		return s.MemoryStore.GetMany(ctx, sigs, f)
	}
	all, err := s.MemoryStore.GetMany(ctx, sigs, entry.Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]*entry.Entry, 0, len(all))
	for _, e := range all {
		shadow := e.Clone()
		exp := time.Now().Add(time.Hour)
		shadow.ExpiresAt = &exp
		shadow.IsSaved = false
		shadow.OwnerUserID = nil
		out = append(out, shadow)
	}
	return out, nil
}

func TestGetManyPermanentWins(t *testing.T) {
	inner := entry.NewMemoryStore()
	store := dualStore{inner}
	clock := newClock()
	c := New(store, Options{Now: clock.Now, Logger: discard})
	ctx := context.Background()

	mine := newEntry("profile-1", 1, "x")
	mine.IsSaved = true
	mine.OwnerUserID = strPtr("user-a")
	require.NoError(t, inner.Upsert(ctx, mine))

	theirs := newEntry("profile-1", 2, "x")
	theirs.IsSaved = true
	theirs.OwnerUserID = strPtr("user-b")
	require.NoError(t, inner.Upsert(ctx, theirs))

	got, err := c.GetMany(ctx, []string{mine.Signature, theirs.Signature}, "user-a")
	require.NoError(t, err)
	require.Contains(t, got, mine.Signature)
	assert.True(t, got[mine.Signature].Permanent())
	assert.NotContains(t, got, theirs.Signature, "a hidden permanent entry also hides its ephemeral shadow")
}

func TestGetManyLimits(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	got, err := c.GetMany(ctx, nil, "user-a")
	require.NoError(t, err)
	assert.Empty(t, got)

	sigs := make([]string, MaxBatchSize+1)
	for i := range sigs {
		sigs[i] = fmt.Sprintf("%064x", i)
	}
	_, err = c.GetMany(ctx, sigs, "user-a")
	assert.Equal(t, CodeInvalidRequest, CodeOf(err))

	// Duplicates count once.
	dup := append(sigs[:MaxBatchSize:MaxBatchSize], sigs[0], sigs[1])
	_, err = c.GetMany(ctx, dup, "user-a")
	assert.NoError(t, err)
}

func TestGetManyDegradesOnStoreFailure(t *testing.T) {
	c := New(failingStore{}, Options{Logger: discard})
	got, err := c.GetMany(context.Background(), []string{newEntry("p", 1, "x").Signature}, "user-a")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListOrderAndPagination(t *testing.T) {
	c, _, clock := newTestCache(t)
	ctx := context.Background()

	var sigs []string
	for i := 0; i < DefaultSaveQuota; i++ {
		sig := seed(t, c, "profile-1", i)
		_, err := c.Save(ctx, sig, "user-a", SaveOptions{})
		require.NoError(t, err)
		sigs = append(sigs, sig)
		clock.Advance(time.Minute)
	}
	_, err := c.Save(ctx, seed(t, c, "profile-1", 50), "user-b", SaveOptions{})
	require.NoError(t, err)

	page, err := c.List(ctx, "user-a", ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Limit)
	assert.True(t, page.HasMore)
	require.Len(t, page.Items, 2)
	assert.Equal(t, sigs[4], page.Items[0].Signature)
	assert.Equal(t, sigs[3], page.Items[1].Signature)

	page, err = c.List(ctx, "user-a", ListOptions{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	require.Len(t, page.Items, 1)
	assert.Equal(t, sigs[0], page.Items[0].Signature)

	page, err = c.List(ctx, "user-a", ListOptions{Limit: 1000, Offset: -3})
	require.NoError(t, err)
	assert.Equal(t, MaxListLimit, page.Limit)
	assert.Equal(t, 0, page.Offset)
	assert.Len(t, page.Items, DefaultSaveQuota)

	page, err = c.List(ctx, "user-a", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, DefaultListLimit, page.Limit)

	page, err = c.List(ctx, "nobody", ListOptions{})
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
}

func TestListSearch(t *testing.T) {
	c, _, clock := newTestCache(t)
	ctx := context.Background()

	byTitle := seed(t, c, "profile-1", 1)
	_, err := c.Save(ctx, byTitle, "user-a", SaveOptions{Title: strPtr("Hiring Plan")})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	byTag := seed(t, c, "profile-1", 2)
	_, err = c.Save(ctx, byTag, "user-a", SaveOptions{Title: strPtr("Other"), Tags: []string{"HIRING"}})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	bySummary := newEntry("profile-1", 3, "We should start hiring engineers soon")
	require.NoError(t, c.Create(ctx, bySummary))
	_, err = c.Save(ctx, bySummary.Signature, "user-a", SaveOptions{Title: strPtr("Third")})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	unrelated := seed(t, c, "profile-1", 4)
	_, err = c.Save(ctx, unrelated, "user-a", SaveOptions{Title: strPtr("Marketing")})
	require.NoError(t, err)

	page, err := c.List(ctx, "user-a", ListOptions{Search: "  hiring "})
	require.NoError(t, err)
	var got []string
	for _, e := range page.Items {
		got = append(got, e.Signature)
	}
	assert.Equal(t, []string{bySummary.Signature, byTag, byTitle}, got)

	page, err = c.List(ctx, "user-a", ListOptions{Search: "situation number 4"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1, "situation is searchable")
	assert.Equal(t, unrelated, page.Items[0].Signature)

	// Search narrows the fetched window only.
	page, err = c.List(ctx, "user-a", ListOptions{Limit: 1, Search: "hiring"})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.True(t, page.HasMore)
}

func TestListErrors(t *testing.T) {
	c, _, _ := newTestCache(t)
	_, err := c.List(context.Background(), "", ListOptions{})
	assert.Equal(t, CodeInvalidRequest, CodeOf(err))

	failing := New(failingStore{}, Options{Logger: discard})
	_, err = failing.List(context.Background(), "user-a", ListOptions{})
	assert.ErrorIs(t, err, ErrTransient)
}
