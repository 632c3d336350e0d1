package config_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/caps"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/combiner"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/config"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 300*time.Second, cfg.SnapshotTTL)
	assert.Equal(t, 2*time.Second, cfg.SubsystemTimeout)
	assert.Equal(t, 100, cfg.BatchConcurrency)
	assert.Equal(t, 10000, cfg.MemoryMaxEntries)
	assert.Empty(t, cfg.RedisAddr)
	assert.False(t, cfg.StrictCaps)
	assert.False(t, cfg.OTelEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"ACTORCORE_HTTP_ADDR":         ":9090",
		"ACTORCORE_LOG_LEVEL":         "DEBUG",
		"ACTORCORE_SNAPSHOT_TTL":      "1m",
		"ACTORCORE_STRICT_CAPS":       "true",
		"ACTORCORE_REDIS_ADDR":        "redis:6379",
		"ACTORCORE_DATABASE_URL":      "postgres://actorcore@db/actorcore",
		"ACTORCORE_BATCH_CONCURRENCY": "8",
	})
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, time.Minute, cfg.SnapshotTTL)
	assert.True(t, cfg.StrictCaps)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "postgres://actorcore@db/actorcore", cfg.PostgresDSN)
	assert.Equal(t, 8, cfg.BatchConcurrency)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := config.LoadFrom(map[string]string{"ACTORCORE_SNAPSHOT_TTL": "soon"})
	assert.Error(t, err)

	_, err = config.LoadFrom(map[string]string{"ACTORCORE_BATCH_CONCURRENCY": "0"})
	assert.Error(t, err)
}

func TestLoad_ProcessEnvironment(t *testing.T) {
	t.Setenv("ACTORCORE_LOG_FORMAT", "json")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{LogLevel: "WARN", LogFormat: "json"}
	logger := cfg.Logger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"service":"actorcore"`)

	buf.Reset()
	(&config.Config{LogLevel: "nonsense"}).Logger(&buf).Info("text")
	assert.Contains(t, buf.String(), "msg=text")
}

func TestObservability(t *testing.T) {
	cfg := &config.Config{OTelEnabled: true, OTLPEndpoint: "collector:4317", Environment: "prod", SampleRate: 0.5}
	oc := cfg.Observability("1.2.3")
	assert.True(t, oc.Enabled)
	assert.Equal(t, "collector:4317", oc.OTLPEndpoint)
	assert.Equal(t, "1.2.3", oc.ServiceVersion)
	assert.Equal(t, "actorcore", oc.ServiceName)
}

func TestLoadDocument_Example(t *testing.T) {
	doc, err := config.LoadDocument("testdata/rules.yaml")
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", doc.FormatVersion)
	assert.Equal(t, []string{"luck"}, doc.SignedDimensions)
	assert.Equal(t, 100.0, doc.BaseValues["health"])
	require.Len(t, doc.Subsystems, 2)
	assert.Equal(t, "race_bonus", doc.Subsystems[0].ID)
	assert.Equal(t, contracts.BucketMult, doc.Subsystems[1].Primary[1].Bucket)
	assert.Equal(t, "event", doc.Subsystems[1].Caps[1].Scope)

	rules := combiner.NewRegistry()
	provider := caps.NewProvider(caps.NewLayerRegistry())
	require.NoError(t, doc.Apply(rules, provider))

	threat, ok := rules.GetRule("threat")
	require.True(t, ok)
	assert.False(t, threat.UsePipeline)
	power, ok := rules.GetRule("power")
	require.True(t, ok)
	assert.True(t, power.UsePipeline)
	assert.Equal(t, contracts.Caps{Min: 0, Max: 100000}, *power.DefaultClamp)
	assert.NoError(t, provider.ValidateCaps("luck", contracts.Caps{Min: -5, Max: 5}))
}

func TestParseDocument_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ``},
		{"missing version", `merge_rules: []`},
		{"unknown field", "format_version: \"1.0.0\"\nextra: true"},
		{"bad strategy", "format_version: \"1.0.0\"\nmerge_rules:\n  - {dimension: a, strategy: average}"},
		{"bad bucket", "format_version: \"1.0.0\"\nsubsystems:\n  - id: s\n    primary: [{dimension: a, bucket: bonus, value: 1}]"},
		{"negative priority", "format_version: \"1.0.0\"\nsubsystems:\n  - {id: s, priority: -1}"},
		{"unsupported major", `format_version: "2.0.0"`},
		{"not semver", `format_version: "latest"`},
		{"malformed yaml", "format_version: [unclosed"},
		{"unknown policy", "format_version: \"1.0.0\"\nlayers: {policy: average}"},
		{"duplicate layer", "format_version: \"1.0.0\"\nlayers: {order: [realm, realm]}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParseDocument([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, contracts.ErrConfiguration)
		})
	}
}

func TestApply_CollectsErrors(t *testing.T) {
	doc, err := config.ParseDocument([]byte(`
format_version: "1.4.0"
base_values:
  health: 10
merge_rules:
  - dimension: a
    strategy: sum
    clamp: {min: 10, max: 1}
  - dimension: b
    strategy: sum
    validation_rules: ["value +"]
`))
	require.NoError(t, err)

	err = doc.Apply(combiner.NewRegistry(), caps.NewProvider(caps.NewLayerRegistry()))
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrConfiguration)
	assert.Contains(t, err.Error(), `"a"`)
	assert.Contains(t, err.Error(), `"b"`)
}

func TestLoadDocument_MissingFile(t *testing.T) {
	_, err := config.LoadDocument("testdata/missing.yaml")
	assert.Error(t, err)
}
