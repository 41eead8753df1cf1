package registry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/config"
	"github.com/warp/assessment-engine/registry"
)

func TestBuild_DefaultRegistries(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	store := newTestStore(t)

	sources, err := registry.Build(cfg, store.DB(), nil)

	require.NoError(t, err)
	assert.Equal(t, 3, sources.Len())
	assert.Equal(t, []assessment.Registry{"complaint", "exception", "rework"}, sources.Registries())
	reader, ok := sources.Reader(assessment.RegistryRework)
	require.True(t, ok)
	assert.IsType(t, &registry.SQLReader{}, reader)
}

func TestBuild_HTTPRegistry(t *testing.T) {
	cfg := config.Config{
		Generation: config.GenerationConfig{RegistryTimeout: 5 * time.Second},
		Registries: []config.RegistryConfig{
			{Name: "exception", Kind: config.KindHTTP, URL: "http://exceptions.internal"},
		},
	}

	sources, err := registry.Build(cfg, nil, nil)

	require.NoError(t, err)
	reader, ok := sources.Reader(assessment.RegistryException)
	require.True(t, ok)
	assert.IsType(t, &registry.HTTPReader{}, reader)
}

func TestBuild_Errors(t *testing.T) {
	store := newTestStore(t)

	tests := []struct {
		name string
		rc   config.RegistryConfig
		db   bool
	}{
		{"unknown sql registry", config.RegistryConfig{Name: "warranty", Kind: config.KindSQL}, true},
		{"sql without database", config.RegistryConfig{Name: "rework", Kind: config.KindSQL}, false},
		{"http without url", config.RegistryConfig{Name: "rework", Kind: config.KindHTTP}, true},
		{"unknown kind", config.RegistryConfig{Name: "rework", Kind: "ftp"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Config{Registries: []config.RegistryConfig{tt.rc}}
			db := store.DB()
			if !tt.db {
				db = nil
			}
			_, err := registry.Build(cfg, db, nil)
			assert.Error(t, err)
		})
	}
}
