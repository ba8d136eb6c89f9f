package oauth

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyleap/skyid/internal/metrics"
	"github.com/andyleap/skyid/internal/storage"
)

func TestFlowRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	registry := NewRegistry(store, WithMetrics(m))
	codes, err := NewCodeStore(store, 0, WithMetrics(m))
	require.NoError(t, err)
	consent := NewConsentFlow(registry, codes, WithMetrics(m))
	issuer := NewTokenIssuer(registry, codes, store, 0, WithMetrics(m))

	client, err := registry.Register(ctx, "owner-1", "Demo", "https://ex.com/cb")
	require.NoError(t, err)

	decision, err := consent.Decide(ctx, AuthorizeRequest{ClientID: client.ID, UserID: "7"}, true)
	require.NoError(t, err)
	_, err = consent.Decide(ctx, AuthorizeRequest{ClientID: client.ID, UserID: "7"}, false)
	require.NoError(t, err)

	req := TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     client.ID,
		ClientSecret: client.Secret,
		Code:         decision.Grant.Code,
	}
	_, err = issuer.Exchange(ctx, req)
	require.NoError(t, err)
	_, err = issuer.Exchange(ctx, req)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientsRegistered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GrantsIssued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsentDecisions.WithLabelValues("approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsentDecisions.WithLabelValues("denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GrantRedemptions.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GrantRedemptions.WithLabelValues("replayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenRequests.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenRequests.WithLabelValues(CodeInvalidGrant)))
}
