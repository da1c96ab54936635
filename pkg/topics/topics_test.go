package topics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cortex/pkg/embedder"
)

type fakeCounter struct {
	counts map[string]int
}

func (f *fakeCounter) CountByTopic(ctx context.Context, topicID string) (int, error) {
	return f.counts[topicID], nil
}

func newTestIndex(t *testing.T, counter ClaimCounter) *Index {
	t.Helper()
	idx, err := NewIndex(t.TempDir(), embedder.NewHashingEmbedder(128), counter)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestUpsertAndGet(t *testing.T) {
	idx := newTestIndex(t, nil)
	ctx := context.Background()

	topic := &Topic{
		TopicID:   "electronics",
		Name:      "Electronics",
		Domain:    "shopping",
		Retailers: []string{"BestBuy"},
	}
	require.NoError(t, idx.Upsert(ctx, topic))

	got, err := idx.Get(ctx, "electronics")
	require.NoError(t, err)
	assert.Equal(t, "Electronics", got.Name)
	assert.Equal(t, []string{"BestBuy"}, got.Retailers)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestUpsertRejectsSelfParent(t *testing.T) {
	idx := newTestIndex(t, nil)
	err := idx.Upsert(context.Background(), &Topic{
		TopicID:  "loop",
		ParentID: "loop",
		Name:     "Loop",
	})
	require.Error(t, err)
}

func TestChildren(t *testing.T) {
	idx := newTestIndex(t, nil)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, &Topic{TopicID: "root", Name: "Root"}))
	require.NoError(t, idx.Upsert(ctx, &Topic{TopicID: "b", ParentID: "root", Name: "Bravo"}))
	require.NoError(t, idx.Upsert(ctx, &Topic{TopicID: "a", ParentID: "root", Name: "Alpha"}))

	children, err := idx.Children(ctx, "root")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "Alpha", children[0].Name)
	assert.Equal(t, "Bravo", children[1].Name)
}

func TestResolveInheritance(t *testing.T) {
	idx := newTestIndex(t, nil)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, &Topic{
		TopicID:    "electronics",
		Name:       "Electronics",
		Domain:     "shopping",
		Retailers:  []string{"BestBuy", "Amazon"},
		Specs:      map[string]string{"warranty": "1 year"},
		PriceRange: &PriceRange{Min: 10, Max: 5000, Currency: "USD"},
	}))
	require.NoError(t, idx.Upsert(ctx, &Topic{
		TopicID:   "laptops",
		ParentID:  "electronics",
		Name:      "Laptops",
		Retailers: []string{"Lenovo"},
		Specs:     map[string]string{"warranty": "2 years", "ram": "16GB"},
	}))
	require.NoError(t, idx.Upsert(ctx, &Topic{
		TopicID:    "gaming-laptops",
		ParentID:   "laptops",
		Name:       "Gaming Laptops",
		PriceRange: &PriceRange{Min: 900, Max: 3500, Currency: "USD"},
	}))

	effective, err := idx.ResolveInheritance(ctx, "gaming-laptops")
	require.NoError(t, err)

	// Retailers union across the chain.
	assert.ElementsMatch(t, []string{"Amazon", "BestBuy", "Lenovo"}, effective.Retailers)

	// The child's spec value wins on key conflicts.
	assert.Equal(t, "2 years", effective.Specs["warranty"])
	assert.Equal(t, "16GB", effective.Specs["ram"])

	// The most specific price range wins.
	require.NotNil(t, effective.PriceRange)
	assert.Equal(t, 900.0, effective.PriceRange.Min)
	assert.Equal(t, 3500.0, effective.PriceRange.Max)

	// Domain inherited from the root.
	assert.Equal(t, "shopping", effective.Domain)
}

func TestResolveInheritanceDetectsCycle(t *testing.T) {
	idx := newTestIndex(t, nil)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, &Topic{TopicID: "a", ParentID: "", Name: "A"}))
	require.NoError(t, idx.Upsert(ctx, &Topic{TopicID: "b", ParentID: "a", Name: "B"}))
	// Rewire into a cycle.
	require.NoError(t, idx.Upsert(ctx, &Topic{TopicID: "a", ParentID: "b", Name: "A"}))

	_, err := idx.ResolveInheritance(ctx, "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestSearchByQuery(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{"laptops": 7}}
	idx := newTestIndex(t, counter)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, &Topic{
		TopicID:     "laptops",
		Name:        "Laptops",
		Description: "portable laptop computers and notebooks",
	}))
	require.NoError(t, idx.Upsert(ctx, &Topic{
		TopicID:     "coffee",
		Name:        "Coffee Makers",
		Description: "espresso machines and drip coffee brewers",
	}))

	// The hashing embedder scores exact token overlap highly, so a low
	// floor keeps the test independent of a real semantic model.
	matches, err := idx.SearchByQuery(ctx, "portable laptop computers and notebooks", 0.5, 5)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "laptops", matches[0].Topic.TopicID)
	assert.Equal(t, 7, matches[0].ClaimCount)
	assert.GreaterOrEqual(t, matches[0].Similarity, 0.5)
}

func TestSearchByQueryEmptyIndex(t *testing.T) {
	idx := newTestIndex(t, nil)
	matches, err := idx.SearchByQuery(context.Background(), "anything", 0.5, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}
