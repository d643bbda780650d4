package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

func TestPublishToFakeServer(t *testing.T) {
	t.Parallel()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	pub, err := New(ctx, "test-project", "ads", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = pub.client.CreateTopic(ctx, "ads")
	require.NoError(t, err)

	evt := crawler.StoredEvent{ID: 42, URL: "https://www.karriere.at/jobs/1", Portal: "karriere", AdType: "karriere", StoredAt: time.Now().UTC()}
	id, err := pub.Publish(ctx, "", evt)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "karriere", msgs[0].Attributes["portal"])
	var got crawler.StoredEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, int64(42), got.ID)
}

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	p := &Publisher{}
	_, err := p.Publish(context.Background(), "", "x")
	require.Error(t, err)
}
