package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id, err := pub.Publish(context.Background(), "ads", crawler.StoredEvent{ID: 7, Portal: "karriere"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)
	id, err = pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	msgs[0].Topic = "modified"
	require.Equal(t, "ads", pub.Messages()[0].Topic, "Messages returns a copy")

	events := pub.StoredEvents()
	require.Len(t, events, 1)
	require.Equal(t, int64(7), events[0].ID)
}

func TestPublisherInjectedError(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.Err = errors.New("unavailable")
	_, err := pub.Publish(context.Background(), "ads", "x")
	require.EqualError(t, err, "unavailable")
	require.Empty(t, pub.Messages())
}
