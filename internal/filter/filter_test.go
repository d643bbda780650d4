package filter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

const sample = `
portals: []
filters:
  education_level:
    description: Highest education the posting asks for
    higher_education:
      pattern: "university|bachelor|master|studium"
    vocational:
      pattern: "lehre|ausbildung|apprentice"
    other_education:
      pattern: ".*"
      catch_all: true
  job_type:
    rules:
      full_time:
        pattern: '\bvollzeit\b'
      part_time:
        pattern: '\bteilzeit\b'
      other_job_type:
        catch_all: true
`

func mustParse(t *testing.T, doc string) *Set {
	t.Helper()
	set, err := Parse([]byte(doc))
	require.NoError(t, err)
	return set
}

func TestParseKeepsDeclaredOrder(t *testing.T) {
	t.Parallel()

	set := mustParse(t, sample)
	require.Len(t, set.Categories, 2)

	edu := set.Categories[0]
	assert.Equal(t, "education_level", edu.Name)
	assert.Equal(t, "Highest education the posting asks for", edu.Description)
	assert.Equal(t, []string{"higher_education", "vocational", "other_education"}, ruleNames(edu))

	jobType := set.Categories[1]
	assert.Equal(t, "job_type", jobType.Name)
	assert.Equal(t, []string{"full_time", "part_time", "other_job_type"}, ruleNames(jobType))
}

func TestClassifyTeilzeit(t *testing.T) {
	t.Parallel()

	set := mustParse(t, sample)
	got := set.Classify(crawler.Advertisement{Description: "Wir suchen ab sofort eine Bürokraft in Teilzeit (25h)."})
	assert.Equal(t, "part_time", got["job_type"])
	assert.Equal(t, "other_education", got["education_level"])
}

func TestClassifyFirstMatchWins(t *testing.T) {
	t.Parallel()

	ad := crawler.Advertisement{Title: "Lehre oder Studium", Description: "Vollzeit oder Teilzeit"}

	set := mustParse(t, sample)
	assert.Equal(t, []crawler.Label{
		{Category: "education_level", Rule: "higher_education"},
		{Category: "job_type", Rule: "full_time"},
	}, set.Labels(ad))

	swapped := mustParse(t, `
filters:
  job_type:
    part_time: {pattern: teilzeit}
    full_time: {pattern: vollzeit}
    other_job_type: {catch_all: true}
`)
	assert.Equal(t, map[string]string{"job_type": "part_time"}, swapped.Classify(ad))
}

func TestClassifyIsTotal(t *testing.T) {
	t.Parallel()

	set := mustParse(t, sample)
	ads := []crawler.Advertisement{
		{},
		{Title: "Koch"},
		{HTMLBody: "<p>apprentice</p>"},
		{Title: "Master", Description: "vollzeit"},
		{Title: "TEILZEIT"},
	}
	for _, ad := range ads {
		labels := set.Labels(ad)
		require.Len(t, labels, len(set.Categories))
		for i, l := range labels {
			assert.Equal(t, set.Categories[i].Name, l.Category)
			assert.NotEmpty(t, l.Rule)
		}
	}
}

func TestClassifyFallsBackToBody(t *testing.T) {
	t.Parallel()

	set := mustParse(t, sample)
	got := set.Classify(crawler.Advertisement{HTMLBody: "<div>Ausbildung zum Koch, Vollzeit</div>"})
	assert.Equal(t, map[string]string{"education_level": "vocational", "job_type": "full_time"}, got)

	got = set.Classify(crawler.Advertisement{Title: "Koch", HTMLBody: "<div>Ausbildung</div>"})
	assert.Equal(t, "other_education", got["education_level"], "body is ignored when a title exists")
}

func TestCaseSensitiveRule(t *testing.T) {
	t.Parallel()

	set := mustParse(t, `
filters:
  erp:
    sap: {pattern: SAP, case_sensitive: true}
    none: {catch_all: true}
`)
	assert.Equal(t, "sap", set.Classify(crawler.Advertisement{Title: "SAP Berater"})["erp"])
	assert.Equal(t, "none", set.Classify(crawler.Advertisement{Title: "Sapporo"})["erp"])
}

func TestParseRejectsInvalidCategories(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		doc    string
		entity string
	}{
		{
			name:   "missing section",
			doc:    "portals: []\n",
			entity: "filters",
		},
		{
			name:   "no catch all",
			doc:    "filters:\n  job_type:\n    full_time: {pattern: vollzeit}\n",
			entity: "filters.job_type",
		},
		{
			name:   "two catch alls",
			doc:    "filters:\n  job_type:\n    a: {catch_all: true}\n    b: {catch_all: true}\n",
			entity: "filters.job_type",
		},
		{
			name:   "catch all not last",
			doc:    "filters:\n  job_type:\n    other: {catch_all: true}\n    full_time: {pattern: vollzeit}\n",
			entity: "filters.job_type",
		},
		{
			name:   "empty pattern",
			doc:    "filters:\n  job_type:\n    full_time: {pattern: ''}\n    other: {catch_all: true}\n",
			entity: "filters.job_type.full_time",
		},
		{
			name:   "invalid pattern",
			doc:    "filters:\n  job_type:\n    full_time: {pattern: '(voll'}\n    other: {catch_all: true}\n",
			entity: "filters.job_type.full_time",
		},
		{
			name:   "rule escapes directory",
			doc:    "filters:\n  job_type:\n    ../x: {pattern: a}\n    other: {catch_all: true}\n",
			entity: "filters.job_type.../x",
		},
		{
			name:   "no rules",
			doc:    "filters:\n  job_type:\n    description: nothing here\n",
			entity: "filters.job_type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tt.doc))
			var ce *crawler.ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.entity, ce.Entity)
		})
	}
}

func TestParseReportsEveryBrokenCategory(t *testing.T) {
	t.Parallel()

	set, err := Parse([]byte(`
filters:
  a:
    x: {pattern: x}
  b:
    y: {catch_all: true}
  c:
    z: {pattern: '['}
    other: {catch_all: true}
`))
	require.Error(t, err)
	assert.Nil(t, set, "export paths need every category, so no partial set is returned")
	assert.Contains(t, err.Error(), "filters.a")
	assert.Contains(t, err.Error(), "filters.c.z")
	assert.NotContains(t, err.Error(), "filters.b")
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	set, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, set.Categories, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"vocational", "full_time"}, Path([]crawler.Label{
		{Category: "education_level", Rule: "vocational"},
		{Category: "job_type", Rule: "full_time"},
	}))
}

func ruleNames(c Category) []string {
	names := make([]string, len(c.Rules))
	for i, r := range c.Rules {
		names[i] = r.Name
	}
	return names
}
