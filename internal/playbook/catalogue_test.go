package playbook

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultCatalogue(t *testing.T) {
	cat, err := LoadDefaultCatalogue()
	require.NoError(t, err)

	ids := make([]string, 0)
	for _, tpl := range cat.List() {
		ids = append(ids, tpl.ID)
	}
	assert.Equal(t, []string{"annual_close", "nav_close", "regulatory_filing_quarterly"}, ids)

	nav, ok := cat.Get("nav_close", 0)
	require.True(t, ok)
	order, err := ValidateTemplate(nav)
	require.NoError(t, err)
	assert.Equal(t, "reconcile_cash", order[0])
	assert.Equal(t, "publish_nav", order[len(order)-1])
}

const tplV1 = `
id: close
version: 1
name: Close
recurrence: ONCE
default_due_days: 3
steps:
  - id: a
    order: 1
    name: A
`

const tplV2 = `
id: close
version: 2
name: Close v2
recurrence: ONCE
default_due_days: 3
steps:
  - id: a
    order: 1
    name: A
  - id: b
    order: 2
    name: B
    depends_on: [a]
`

func TestCatalogue_Versions(t *testing.T) {
	cat, err := LoadCatalogue(fstest.MapFS{
		"v1.yaml":   {Data: []byte(tplV1)},
		"v2.yaml":   {Data: []byte(tplV2)},
		"notes.txt": {Data: []byte("ignored")},
	})
	require.NoError(t, err)

	latest, ok := cat.Get("close", 0)
	require.True(t, ok)
	assert.Equal(t, 2, latest.Version)

	v1, ok := cat.Get("close", 1)
	require.True(t, ok)
	assert.Len(t, v1.Steps, 1)

	_, ok = cat.Get("close", 3)
	assert.False(t, ok)
	_, ok = cat.Get("other", 0)
	assert.False(t, ok)
}

func TestCatalogue_RejectsDuplicateVersion(t *testing.T) {
	_, err := LoadCatalogue(fstest.MapFS{
		"a.yaml": {Data: []byte(tplV1)},
		"b.yaml": {Data: []byte(tplV1)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declared twice")
}

func TestCatalogue_RejectsCycle(t *testing.T) {
	_, err := LoadCatalogue(fstest.MapFS{
		"bad.yaml": {Data: []byte(`
id: bad
version: 1
name: Bad
recurrence: ONCE
steps:
  - id: a
    order: 1
    name: A
    depends_on: [b]
  - id: b
    order: 2
    name: B
    depends_on: [a]
`)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}
