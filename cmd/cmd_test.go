package cmd

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobad-crawler/internal/app"
	"github.com/JakeFAU/jobad-crawler/internal/crawler"
	"github.com/JakeFAU/jobad-crawler/internal/storage/memory"
)

const cmdConfig = `
portals:
  - name: karriere
    url: https://www.karriere.at/jobs
    engine: karriere
  - name: broken
    url: https://example.com
keywords:
  - title: Controller
    search: controll
filters:
  job_type:
    part_time:
      pattern: teilzeit
    full_time:
      catch_all: true
`

// testApp serves exported documents from memory.
type testApp struct {
	*app.App
	blobs *memory.BlobStore
}

func (a *testApp) BlobStore(context.Context, string) (crawler.BlobStore, error) {
	return a.blobs, nil
}

type env struct {
	config string
	db     string
	blobs  *memory.BlobStore
}

// newEnv points newApp at a temporary database and memory blob store. Tests
// using it cannot run in parallel.
func newEnv(t *testing.T, config string) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		config: filepath.Join(dir, "config.yaml"),
		db:     filepath.Join(dir, "crawler.db"),
		blobs:  memory.NewBlobStore(),
	}
	require.NoError(t, os.WriteFile(e.config, []byte(config), 0o600))

	previous := newApp
	newApp = func(ctx context.Context, opts app.Options) (App, error) {
		a, err := app.New(ctx, opts)
		if err != nil {
			return nil, err
		}
		return &testApp{App: a, blobs: e.blobs}, nil
	}
	t.Cleanup(func() { newApp = previous })
	return e
}

// seed stores the advertisements through a separate application instance.
func (e *env) seed(t *testing.T, ads ...crawler.Advertisement) {
	t.Helper()
	ctx := context.Background()
	a, err := app.New(ctx, app.Options{ConfigPath: e.config, Database: e.db, LogLevel: "ERROR"})
	require.NoError(t, err)
	defer a.Close(ctx)
	for _, ad := range ads {
		_, _, err := a.Store().InsertIfAbsent(ctx, ad)
		require.NoError(t, err)
	}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"-c", e.config, "-d", e.db, "-l", "ERROR"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func advert(n int, title, description string) crawler.Advertisement {
	return crawler.Advertisement{
		Title:       title,
		Description: description,
		URL:         fmt.Sprintf("https://www.karriere.at/jobs/%d", n),
		HTMLBody:    fmt.Sprintf("<html><body>%s</body></html>", title),
		HTTPStatus:  200,
		AdType:      "karriere",
		CreatedAt:   time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestAnalyzeCommand(t *testing.T) {
	e := newEnv(t, cmdConfig)
	e.seed(t,
		advert(1, "Senior Controlling Position", ""),
		advert(2, "Koch", "Teilzeit"),
	)

	out, err := e.run(t, "analyze", "--workers", "2")
	require.NoError(t, err)
	var summary struct {
		Analyzed int `json:"analyzed"`
		Matched  int `json:"matched"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.Analyzed)
	assert.Equal(t, 1, summary.Matched)

	out, err = e.run(t, "analyze")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Zero(t, summary.Analyzed, "incremental runs skip analyzed advertisements")
}

func TestAnalyzeReportsBrokenKeyword(t *testing.T) {
	e := newEnv(t, `
keywords:
  - title: Controller
    search: controll
  - title: Broken
    search: "("
`)
	e.seed(t, advert(1, "Controller", ""))

	_, err := e.run(t, "analyze")
	var cfgErr *crawler.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Entity, "Broken")
}

func TestExportCommand(t *testing.T) {
	e := newEnv(t, cmdConfig)
	e.seed(t,
		advert(1, "Koch", "Teilzeit"),
		advert(2, "Controller", "Vollzeit"),
	)

	_, err := e.run(t, "export", "--format", "html")
	require.NoError(t, err)
	assert.Equal(t, []string{"full_time/2.html", "part_time/1.html"}, e.blobs.Paths())

	body, ok := e.blobs.Get("part_time/1.html")
	require.True(t, ok)
	assert.Contains(t, string(body), "Koch")

	_, err = e.run(t, "export", "--format", "pdf")
	var cfgErr *crawler.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestExportWithoutFilters(t *testing.T) {
	e := newEnv(t, "keywords: []\n")
	e.seed(t, advert(1, "Koch", ""))

	_, err := e.run(t, "export")
	var cfgErr *crawler.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Empty(t, e.blobs.Paths())
}

func TestAssemblyCommand(t *testing.T) {
	e := newEnv(t, cmdConfig)
	e.seed(t,
		advert(1, "Koch", "Teilzeit"),
		advert(2, "Controller", "Vollzeit"),
		advert(3, "Kellner", ""),
	)
	output := filepath.Join(t.TempDir(), "ads.csv")

	_, err := e.run(t, "assembly", "-o", output, "--min-id", "2", "--max-id", "3", "-b", "1")
	require.NoError(t, err)

	f, err := os.Open(output)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "id", rows[0][0])
	assert.Equal(t, []string{"2", "3"}, []string{rows[1][0], rows[2][0]})
}

func TestUpdateCommand(t *testing.T) {
	e := newEnv(t, cmdConfig)
	ad := advert(1, "", "")
	ad.HTMLBody = `<html><body><h1 class="m-jobHeader__jobTitle">Controller</h1>
<div class="m-keyfactBox__companyName">ACME GmbH</div></body></html>`
	e.seed(t, ad)

	out, err := e.run(t, "update")
	require.NoError(t, err)
	assert.Contains(t, out, `"updated": 1`)
}

func TestRangeFlagsAreValidated(t *testing.T) {
	e := newEnv(t, cmdConfig)
	for _, args := range [][]string{
		{"analyze", "--min-id", "5", "--max-id", "2"},
		{"assembly", "--min-id", "-1"},
		{"update", "-b", "0"},
	} {
		_, err := e.run(t, args...)
		assert.Error(t, err, args)
	}
}

func TestHarvestReportsMisconfiguredPortal(t *testing.T) {
	e := newEnv(t, cmdConfig)

	// Only the broken portal is selected, so nothing is fetched.
	_, err := e.run(t, "harvest", "--portal", "broken")
	var cfgErr *crawler.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "broken")
}

func TestScheduledRunAnalyzesStoredAdvertisements(t *testing.T) {
	e := newEnv(t, "keywords:\n  - title: Controller\n    search: controll\n")
	e.seed(t, advert(1, "Controlling", ""))

	ctx := context.Background()
	a, err := newApp(ctx, app.Options{ConfigPath: e.config, Database: e.db, LogLevel: "ERROR"})
	require.NoError(t, err)
	defer a.Close(ctx)

	scheduledRun(ctx, a)

	keywords, err := a.Store().MatchedKeywords(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Controller"}, keywords)
}

func TestSelectPortals(t *testing.T) {
	e := newEnv(t, cmdConfig)
	a, err := newApp(context.Background(), app.Options{ConfigPath: e.config, Database: e.db, LogLevel: "ERROR"})
	require.NoError(t, err)
	defer a.Close(context.Background())

	portals, err := selectPortals(a.Config(), nil)
	require.Error(t, err, "the broken portal is reported")
	require.Len(t, portals, 1)
	assert.Equal(t, "karriere", portals[0].Name)

	portals, err = selectPortals(a.Config(), []string{"karriere"})
	require.NoError(t, err)
	require.Len(t, portals, 1)

	_, err = selectPortals(a.Config(), []string{"unknown"})
	assert.ErrorContains(t, err, "unknown")
}
