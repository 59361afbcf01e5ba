package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnel-goat/funnel-goat/internal/events"
	"github.com/funnel-goat/funnel-goat/internal/session"
	"github.com/funnel-goat/funnel-goat/internal/store"
	"github.com/funnel-goat/funnel-goat/internal/testutil"
)

// testDB returns a fresh database path and a store seeded through seed.
func testDB(t *testing.T, seed func(s *store.SQLiteStore)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fgt.db")

	s, err := store.Open(path)
	require.NoError(t, err)
	if seed != nil {
		seed(s)
	}
	require.NoError(t, s.Close())
	return path
}

func run(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(append(args, "--db", db, "--tenant", testutil.Tenant, "--log-level", "error"))
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestFunnelCreateAndList(t *testing.T) {
	db := testDB(t, nil)

	out, err := run(t, db, "funnel", "create", "checkout", "--pages", "landing, cart,pay")
	require.NoError(t, err)
	assert.Contains(t, out, "Created funnel 'checkout'")
	assert.Contains(t, out, "landing -> cart -> pay")

	out, err = run(t, db, "funnel", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "checkout")
	assert.Contains(t, out, "ACTIVE")
}

func TestFunnelList_Empty(t *testing.T) {
	out, err := run(t, testDB(t, nil), "funnel", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No funnels yet.")
}

func TestFunnelShow_NotFound(t *testing.T) {
	_, err := run(t, testDB(t, nil), "funnel", "show", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "funnel 'missing' not found")
}

func TestVariantAddAndResults(t *testing.T) {
	var funnel *store.Funnel
	db := testDB(t, func(s *store.SQLiteStore) {
		funnel = testutil.SeedFunnel(t, s, "checkout", "landing")
	})

	_, err := run(t, db, "variant", "add", funnel.ID, "--key", "A", "--traffic", "50", "--control")
	require.NoError(t, err)
	out, err := run(t, db, "variant", "add", funnel.ID, "--key", "B", "--traffic", "50", "--control=false")
	require.NoError(t, err)
	assert.Contains(t, out, "Added variant B")

	out, err = run(t, db, "results", funnel.ID, "--json=false")
	require.NoError(t, err)
	assert.Contains(t, out, "FUNNEL: checkout")
	assert.Contains(t, out, "A (control)")
	assert.Contains(t, out, "Not enough data yet")

	_, err = run(t, db, "variant", "add", funnel.ID, "--key", "C", "--traffic", "150", "--control=false")
	assert.Error(t, err)
}

func TestVariantDelete_ControlRejected(t *testing.T) {
	var control *store.Variant
	var funnel *store.Funnel
	db := testDB(t, func(s *store.SQLiteStore) {
		funnel = testutil.SeedFunnel(t, s, "checkout", "landing")
		control = testutil.SeedVariant(t, s, funnel, "A", 50, true)
	})

	_, err := run(t, db, "variant", "delete", funnel.ID, control.ID)
	require.ErrorIs(t, err, store.ErrInvalidOperation)
}

func TestWinner(t *testing.T) {
	var funnel *store.Funnel
	db := testDB(t, func(s *store.SQLiteStore) {
		funnel = testutil.SeedFunnel(t, s, "checkout", "landing")
		testutil.SeedVariant(t, s, funnel, "A", 50, true)
		testutil.SeedVariant(t, s, funnel, "B", 50, false)
	})

	_, err := run(t, db, "winner", funnel.ID, "--variant", "Z")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid variant")

	out, err := run(t, db, "winner", funnel.ID, "--variant", "B")
	require.NoError(t, err)
	assert.Contains(t, out, "variant B")

	_, err = run(t, db, "winner", funnel.ID, "--variant", "A")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a winner")

	out, err = run(t, db, "snippet", funnel.ID, "--framework", "html", "--server-url", "https://fg.example.com")
	require.NoError(t, err)
	assert.Contains(t, out, `src="https://fg.example.com/fg.js"`)
	assert.Contains(t, out, `data-fg-variant="B"`)
	assert.NotContains(t, out, `data-fg-variant="A"`)
}

func TestGoalAdd(t *testing.T) {
	var funnel *store.Funnel
	db := testDB(t, func(s *store.SQLiteStore) {
		funnel = testutil.SeedFunnel(t, s, "checkout", "landing", "thanks")
	})

	_, err := run(t, db, "goal", "add", funnel.ID, "bogus", "--type", "telepathy")
	require.Error(t, err)

	out, err := run(t, db, "goal", "add", funnel.ID, "thanks", "--type", "page_visit", "--target", "thanks", "--primary")
	require.NoError(t, err)
	assert.Contains(t, out, "Added goal 'thanks'")

	out, err = run(t, db, "funnel", "show", funnel.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "page_visit")
}

func TestConditionAdd(t *testing.T) {
	var funnel *store.Funnel
	db := testDB(t, func(s *store.SQLiteStore) {
		funnel = testutil.SeedFunnel(t, s, "checkout", "landing")
	})
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"rule_set": `), 0o600))
	_, err := run(t, db, "condition", "add", funnel.ID, "broken", "--file", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid condition JSON")

	good := filepath.Join(dir, "popup.json")
	require.NoError(t, os.WriteFile(good, []byte(`{
		"rule_set": {
			"rules": [{"field": "utm_source", "operator": "equals", "value": "email"}],
			"logic_operator": "AND",
			"actions": [{"type": "show_popup", "popup_id": "welcome"}]
		}
	}`), 0o600))
	out, err := run(t, db, "condition", "add", funnel.ID, "email-popup", "--file", good, "--page", "landing")
	require.NoError(t, err)
	assert.Contains(t, out, "with 1 rules")
}

func TestExportEvents(t *testing.T) {
	var funnel *store.Funnel
	db := testDB(t, func(s *store.SQLiteStore) {
		ctx := context.Background()
		funnel = testutil.SeedFunnel(t, s, "checkout", "landing")
		tracker := session.NewTracker(s)
		sess, err := tracker.Create(ctx, testutil.Tenant, funnel.ID, "landing", store.VisitorMeta{VisitorID: "vis-1"})
		require.NoError(t, err)
		_, err = events.NewRecorder(s, tracker).Record(ctx, testutil.Tenant, sess.ID, events.Input{Type: events.TypePageView, PageID: "landing"})
		require.NoError(t, err)
	})

	out, err := run(t, db, "export", funnel.ID, "--format", "csv", "--kind", "events")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "event_time,session_id,seq,type"))
	assert.Contains(t, lines[1], ",page_view,landing,")

	out, err = run(t, db, "export", funnel.ID, "--format", "csv", "--kind", "sessions")
	require.NoError(t, err)
	assert.Contains(t, out, "vis-1")

	_, err = run(t, db, "export", funnel.ID, "--format", "xml", "--kind", "events")
	assert.Error(t, err)
}

func TestRollupAndSweep(t *testing.T) {
	var funnel *store.Funnel
	db := testDB(t, func(s *store.SQLiteStore) {
		funnel = testutil.SeedFunnel(t, s, "checkout", "landing")
	})

	out, err := run(t, db, "rollup", funnel.ID, "--period", "day", "--date", "2025-03-10", "--variant", "")
	require.NoError(t, err)
	assert.Contains(t, out, "2025-03-10T00:00:00Z")

	out, err = run(t, db, "analytics", funnel.ID, "--period", "day", "--from", "2025-03-01", "--to", "2025-03-31", "--json=false", "--variant", "")
	require.NoError(t, err)
	assert.Contains(t, out, "2025-03-10T00:00:00Z")

	_, err = run(t, db, "rollup", funnel.ID, "--period", "fortnight")
	assert.Error(t, err)

	out, err = run(t, db, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "Examined 0 sessions")
}

func TestOutboxList_Empty(t *testing.T) {
	out, err := run(t, testDB(t, nil), "outbox", "list", "--status", "")
	require.NoError(t, err)
	assert.Contains(t, out, "No tasks.")

	_, err = run(t, testDB(t, nil), "outbox", "list", "--status", "lost")
	assert.Error(t, err)
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "999", formatNumber(999))
	assert.Equal(t, "1,000", formatNumber(1000))
	assert.Equal(t, "1,234,567", formatNumber(1234567))
	assert.Equal(t, "-1,500", formatNumber(-1500))
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("verbose", "text", nil)
	assert.Error(t, err)

	_, err = newLogger("debug", "yaml", nil)
	assert.Error(t, err)

	var buf bytes.Buffer
	logger, err := newLogger("warn", "json", &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
