package pubsub

import (
	"context"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/conversion-progress/internal/publisher"
)

func newFakeTopic(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "proj", option.WithGRPCConn(conn))
	require.NoError(t, err)

	_, err = srv.GServer.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/proj/topics/completions"})
	require.NoError(t, err)
	return srv, client
}

func TestPublisherPublishes(t *testing.T) {
	t.Parallel()

	srv, client := newFakeTopic(t)
	topic := client.Publisher("completions")
	topic.EnableMessageOrdering = true
	pub := NewWithPublisher(topic)
	t.Cleanup(func() { _ = pub.Close() })

	id, err := pub.Publish(context.Background(), publisher.Message{
		Data:        []byte(`{"job_id":"c1"}`),
		Attributes:  map[string]string{"status": "completed"},
		OrderingKey: "c1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"job_id":"c1"}`, string(msgs[0].Data))
	require.Equal(t, "completed", msgs[0].Attributes["status"])
}

func TestPublisherNotConfigured(t *testing.T) {
	t.Parallel()

	var pub *Publisher
	_, err := pub.Publish(context.Background(), publisher.Message{})
	require.Error(t, err)
	require.NoError(t, pub.Close())

	_, err = New(context.Background(), Config{})
	require.Error(t, err)
}
