package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subwatch/internal/config"
	"subwatch/internal/diff"
	"subwatch/internal/recipients"
	"subwatch/internal/schedule"
	"subwatch/internal/storage"
	logx "subwatch/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{
		Driver:      " SQLite ",
		Path:        " ./x.db ",
		BusyTimeout: "",
		Retry:       config.RetryConfig{Base: "100ms", Multiplier: 2, Max: "3s", Attempts: 4},
	}}
	sc, policy, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "./x.db", sc.Path)
	assert.Equal(t, time.Second, sc.BusyTimeout)
	assert.Equal(t, 100*time.Millisecond, policy.Base)
	assert.Equal(t, 3*time.Second, policy.Max)
	assert.Equal(t, 4, policy.Attempts)

	cfg.Storage.Retry.Max = "soon"
	_, _, err = mapStorageConfig(cfg)
	assert.ErrorContains(t, err, "storage.retry.max")
}

func TestMapDiffConfigKeepsExplicitZeroField(t *testing.T) {
	zero := 0
	cfg := &config.Config{Diff: config.DiffConfig{
		Identity:  map[string][]int{"Klausur": {0, 1}},
		Relevance: config.RelevanceConfig{PrimaryField: &zero},
	}}
	got := mapDiffConfig(cfg)
	def := diff.DefaultConfig().Relevance

	assert.Equal(t, 0, got.Relevance.PrimaryField)
	assert.Equal(t, def.SecondaryField, got.Relevance.SecondaryField)
	assert.Equal(t, []int{0, 1}, got.Identity["Klausur"])
	assert.Nil(t, got.DefaultKey)

	cfg.Diff.Identity["Klausur"][0] = 9
	assert.Equal(t, 0, got.Identity["Klausur"][0], "mapped rules must not alias the config")
}

func TestMapLogConfigNeedsOpsChat(t *testing.T) {
	cfg := &config.Config{}
	cfg.Logging.Telegram.Enabled = true
	assert.False(t, mapLogConfig(cfg).Ops.Enabled)

	cfg.Telegram.OpsChatID = -100
	assert.True(t, mapLogConfig(cfg).Ops.Enabled)
}

func TestMapSchedulerAndChecker(t *testing.T) {
	cfg := &config.Config{Checker: config.CheckerConfig{
		Timezone: " Europe/Berlin ",
		Subjects: []string{" 5a", "", "Q1"},
	}}
	scfg, timeout, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", scfg.Timezone)
	assert.Equal(t, defaultCheckerTimeout, timeout)
	assert.Equal(t, []string{"5A", "Q1"}, mapCheckerConfig(cfg).Subjects)

	cfg.Checker.Timeout = "-1s"
	_, _, err = mapSchedulerConfig(cfg)
	assert.Error(t, err)
}

func TestMapNotifierAndRegistration(t *testing.T) {
	cfg := &config.Config{
		Notifier:     config.NotifierConfig{IdleClose: "5s", Expiry: "12h", Category: " plan "},
		Registration: config.RegistrationConfig{Workers: 3, Timeout: "bad"},
	}
	ncfg, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, ncfg.IdleClose)
	assert.Equal(t, 12*time.Hour, ncfg.Expiry)
	assert.Equal(t, "plan", ncfg.Category)

	_, err = mapRegistrationConfig(cfg)
	assert.ErrorContains(t, err, "registration.timeout")
}

func TestOfflineCheckerReportsEachChangeOnce(t *testing.T) {
	body := `{"dates":[{"title":"Montag, 20.10.2026","subjects":[{"subject":"5A","items":[["1","Vertretung","M","","101","Mü"]]}]}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "config.json")
	cfgJSON := `{"storage":{"driver":"memory"},"checker":{"source_url":"` + srv.URL + `","schedule":"5m"}}`
	require.NoError(t, os.WriteFile(path, []byte(cfgJSON), 0o600))

	chk, err := NewOfflineChecker(path, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = chk.Close() })

	ctx := context.Background()
	changed, err := chk.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "5A", changed[0].Subject)
	assert.True(t, changed[0].Old.IsZero())
	assert.Equal(t, schedule.LineItem{"1", "Vertretung", "M", "", "101", "Mü"}, changed[0].New.Dates[0].Items("5A")[0])

	changed, err = chk.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestOfflineCheckerRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"driver":"memory"}}`), 0o600))

	_, err := NewOfflineChecker(path, logx.Nop())
	assert.ErrorContains(t, err, "checker.schedule is required")
}

func TestMapDebugConfigTrims(t *testing.T) {
	cfg := &config.Config{Debug: config.DebugConfig{Enabled: true, Addr: " 127.0.0.1:6060 ", Token: " t ", Pprof: true}}
	got := mapDebugConfig(cfg)
	assert.Equal(t, "127.0.0.1:6060", got.Addr)
	assert.Equal(t, "t", got.Token)
	assert.True(t, got.Enabled)
	assert.True(t, got.Pprof)
}

func TestDiffRulesFromConfigFile(t *testing.T) {
	dir := t.TempDir()

	rules, err := DiffRules(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, diff.DefaultConfig(), rules)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("diff:\n  default_key: [0, 1, 2]\n"), 0o600))
	rules, err = DiffRules(path)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, rules.DefaultKey)

	require.NoError(t, os.WriteFile(path, []byte("diff: [\n"), 0o600))
	_, err = DiffRules(path)
	assert.ErrorContains(t, err, path)
}

func TestSubscriberCounts(t *testing.T) {
	ctx := context.Background()
	reg := recipients.New(storage.New(storage.NewMemory(), dbRecipients, storage.DefaultRetryPolicy(), logx.Nop()), logx.Nop())
	for tok, subj := range map[string]string{"1": "5A", "2": "5A", "3": "Q1"} {
		_, err := reg.Upsert(ctx, recipients.Recipient{Token: tok, Subject: subj})
		require.NoError(t, err)
	}
	got, err := subscriberCounts(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"5A": 2, "Q1": 1}, got)
}
