package coordination_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/diagramflow/core/internal/coordination"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := coordination.Config{
		Addr:         mr.Addr(),
		Password:     "",
		DB:           0,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	client := coordination.NewClient(cfg)
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})

	require.NotNil(t, client, "NewClient must return a non-nil client")
	require.NotNil(t, client.RDB, "client.RDB must be non-nil")

	var _ coordination.Cmdable = client.RDB
}
