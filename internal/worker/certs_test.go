package worker

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo-sub008/internal/config"
	"github.com/cloudillo/cloudillo-sub008/internal/identity"
	"github.com/cloudillo/cloudillo-sub008/internal/store/authstore"
	"github.com/cloudillo/cloudillo-sub008/internal/store/backend"
)

// Only the "nothing due" path is exercised here: actually obtaining a
// certificate requires a live ACME server, left to integration testing the
// same way internal/federation leaves live peer calls to integration.
func TestCertRenewalSkipsWhenNoneDue(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	auth := authstore.New(backend.NewMemory(), []byte("test-secret")).WithClock(clock)
	ident := identity.New(config.ModeStandalone, auth, clock)

	task := NewCertRenewalTask(ident, "https://acme.example.invalid/directory", "ops@example.com", time.Hour)
	reschedule, done, err := task.Run(context.Background())
	require.NoError(t, err)
	require.False(t, done)
	require.Zero(t, reschedule)
}
