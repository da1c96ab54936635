package memory

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cortex/pkg/protocol"
)

func TestApplyAppendsToProfileDocs(t *testing.T) {
	s, err := NewStore(t.TempDir(), 100)
	require.NoError(t, err)

	require.NoError(t, s.Apply([]protocol.MemoryWrite{
		{DocType: DocUserPreferences, Entry: "Prefers refurbished hardware", Confidence: 0.9},
		{DocType: DocUserFacts, Entry: "Lives in Berlin", Source: "turn-3"},
	}))

	prefs, err := s.ReadDoc(DocUserPreferences)
	require.NoError(t, err)
	assert.Contains(t, prefs, "- Prefers refurbished hardware")

	facts, err := s.ReadDoc(DocUserFacts)
	require.NoError(t, err)
	assert.Contains(t, facts, "(source: turn-3)")
}

func TestApplyWithSections(t *testing.T) {
	s, err := NewStore(t.TempDir(), 100)
	require.NoError(t, err)

	require.NoError(t, s.Apply([]protocol.MemoryWrite{
		{DocType: DocDomainKnowledge, Section: "Laptops", Entry: "ThinkPads hold resale value"},
		{DocType: DocDomainKnowledge, Section: "Phones", Entry: "Trade-in values drop fast"},
		{DocType: DocDomainKnowledge, Section: "Laptops", Entry: "Avoid soldered RAM"},
	}))

	doc, err := s.ReadDoc(DocDomainKnowledge)
	require.NoError(t, err)

	laptops := strings.Index(doc, "## Laptops")
	phones := strings.Index(doc, "## Phones")
	soldered := strings.Index(doc, "Avoid soldered RAM")
	require.GreaterOrEqual(t, laptops, 0)
	require.Greater(t, phones, laptops)
	// The second laptops entry lands inside the Laptops section.
	assert.Greater(t, soldered, laptops)
	assert.Less(t, soldered, phones)
}

func TestProfileCapDropsOldest(t *testing.T) {
	s, err := NewStore(t.TempDir(), 5)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		require.NoError(t, s.Apply([]protocol.MemoryWrite{
			{DocType: DocUserFacts, Entry: fmt.Sprintf("fact number %d", i)},
		}))
	}

	doc, err := s.ReadDoc(DocUserFacts)
	require.NoError(t, err)
	assert.NotContains(t, doc, "fact number 0")
	assert.NotContains(t, doc, "fact number 2")
	assert.Contains(t, doc, "fact number 3")
	assert.Contains(t, doc, "fact number 7")
}

func TestUnknownDocTypeRejected(t *testing.T) {
	s, err := NewStore(t.TempDir(), 10)
	require.NoError(t, err)
	err = s.Apply([]protocol.MemoryWrite{{DocType: "diary", Entry: "x"}})
	require.Error(t, err)
}

func TestLessons(t *testing.T) {
	s, err := NewStore(t.TempDir(), 10)
	require.NoError(t, err)

	require.NoError(t, s.Apply([]protocol.MemoryWrite{
		{DocType: DocLesson, Section: "price-staleness", Entry: "Re-verify prices older than a day."},
	}))

	names, err := s.Lessons()
	require.NoError(t, err)
	assert.Equal(t, []string{"price-staleness"}, names)
}

func TestShortTermLog(t *testing.T) {
	s, err := NewStore(t.TempDir(), 10)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendShortTerm(map[string]int{"seq": i}))
	}

	tail, err := s.ShortTermTail(2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Contains(t, tail[0], `"seq":3`)
	assert.Contains(t, tail[1], `"seq":4`)
}

func TestStoreClaimJSON(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root, 10)
	require.NoError(t, err)

	require.NoError(t, s.StoreClaimJSON("clm_abc", map[string]string{"statement": "x"}))
	assert.NoError(t, err)

	tailless, err := s.ShortTermTail(1)
	require.NoError(t, err)
	assert.Empty(t, tailless)
}
