package pubsub

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishWithoutClientFails(t *testing.T) {
	t.Parallel()

	var p *Publisher
	_, err := p.Publish(context.Background(), "events", map[string]string{"k": "v"})
	require.Error(t, err)
	require.NoError(t, p.Close())

	_, err = New(nil).Publish(context.Background(), "events", "payload")
	require.ErrorContains(t, err, "not configured")
}

func TestDialRequiresProject(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), "")
	require.ErrorContains(t, err, "project id")
}

func TestCarrierRoundTripsAttributes(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc-def-01")
	c.Set("baggage", "job=1")
	require.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	keys := c.Keys()
	sort.Strings(keys)
	require.Equal(t, []string{"baggage", "traceparent"}, keys)
}
