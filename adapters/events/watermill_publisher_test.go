package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillPublisher(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	defer pubSub.Close()

	logouts, err := pubSub.Subscribe(ctx, TopicLogout)
	require.NoError(t, err)
	linked, err := pubSub.Subscribe(ctx, TopicCredentialLinked)
	require.NoError(t, err)

	pub := NewWatermillPublisher(pubSub)

	require.NoError(t, pub.PublishLogout(ctx, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "refresh-1"))
	require.NoError(t, pub.PublishCredentialLinked(ctx, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "cred", "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))

	select {
	case msg := <-logouts:
		var ev LogoutEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, "refresh-1", ev.TokenID)
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("logout event not delivered")
	}

	select {
	case msg := <-linked:
		var ev CredentialEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, "cred", ev.CredentialID)
		assert.Equal(t, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", ev.PreviousAddress)
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("linked event not delivered")
	}
}
