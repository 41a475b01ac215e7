package main

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidemill/signalmesh/internal/app/index"
	"github.com/tidemill/signalmesh/internal/domain/schema"
	"github.com/tidemill/signalmesh/internal/infra/config"
	"github.com/tidemill/signalmesh/internal/infra/persistence/memory"
	"github.com/tidemill/signalmesh/internal/infra/telemetry"
)

func TestBuildStoresMemoryBackend(t *testing.T) {
	cfg := config.Default()
	logger := log.New(new(bytes.Buffer), "", 0)

	runStore, reader, pool, err := buildStores(context.Background(), logger, cfg)
	require.NoError(t, err)
	require.Nil(t, pool)

	granted, err := runStore.TryClaimPending(context.Background(), []string{"p1"})
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, granted)

	descriptors, next, err := reader.ListActive(context.Background(), "", 10)
	require.NoError(t, err)
	require.Empty(t, descriptors)
	require.Empty(t, next)
}

func TestBuildOpsServerServesIndexStatus(t *testing.T) {
	cfg := config.Default()
	provider, err := telemetry.NewProvider(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	catalogue := memory.NewPipelineStore()
	catalogue.Put(schema.PipelineDescriptor{
		PipelineID:  "p1",
		TriggerMode: schema.TriggerModePeriodic,
		Active:      true,
	})
	idx := index.NewIndex()
	refresher := index.NewRefresher(idx, catalogue, index.RefresherConfig{})
	require.NoError(t, refresher.RefreshOnce(context.Background()))

	server := buildOpsServer(cfg, provider, idx)
	require.Equal(t, cfg.APIServer.Addr, server.Addr)

	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"indexSize":1`)
}
