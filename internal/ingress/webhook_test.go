package ingress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cklxx/ciflow/internal/domain"
	"github.com/cklxx/ciflow/internal/store/storetest"
)

func TestReceiveCreatesBuildFromWellFormedPayload(t *testing.T) {
	store := storetest.New()
	adapter, err := New(store, 64, nil, nil)
	require.NoError(t, err)

	build, err := adapter.Receive(context.Background(), Notification{
		Job:         "svc",
		BuildNumber: 1,
		Branch:      "main",
		CommitSHA:   "abc123",
		RawPayload:  []byte(`{"triggered_by": "ci-bot"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BuildReceived, build.Status)
	assert.Equal(t, "ci-bot", build.Payload["triggered_by"])
}

func TestReceiveRepairsMalformedPayload(t *testing.T) {
	store := storetest.New()
	adapter, err := New(store, 64, nil, nil)
	require.NoError(t, err)

	// Trailing comma: invalid strict JSON, recoverable by jsonrepair.
	build, err := adapter.Receive(context.Background(), Notification{
		Job:         "svc",
		BuildNumber: 1,
		RawPayload:  []byte(`{"triggered_by": "ci-bot",}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", build.Payload["triggered_by"])
}

func TestReceiveDedupesDuplicateDelivery(t *testing.T) {
	store := storetest.New()
	adapter, err := New(store, 64, nil, nil)
	require.NoError(t, err)

	first, err := adapter.Receive(context.Background(), Notification{Job: "svc", BuildNumber: 1})
	require.NoError(t, err)

	second, err := adapter.Receive(context.Background(), Notification{Job: "svc", BuildNumber: 1})
	require.ErrorIs(t, err, domain.ErrDuplicateBuild)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	builds, err := store.ListActiveBuilds(context.Background())
	require.NoError(t, err)
	assert.Len(t, builds, 1)
}

func TestReceiveHandlesEmptyPayload(t *testing.T) {
	store := storetest.New()
	adapter, err := New(store, 64, nil, nil)
	require.NoError(t, err)

	build, err := adapter.Receive(context.Background(), Notification{Job: "svc", BuildNumber: 1})
	require.NoError(t, err)
	assert.Empty(t, build.Payload)
}
