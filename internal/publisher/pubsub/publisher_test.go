package pubsub

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "changes", map[string]string{"k": "v"})
	require.Error(t, err)
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc-def-01")
	c.Set("kind", "opportunity.created")
	require.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	keys := c.Keys()
	sort.Strings(keys)
	require.Equal(t, []string{"kind", "traceparent"}, keys)
}
