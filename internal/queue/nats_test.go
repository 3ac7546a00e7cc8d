package queue

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshatsynkcode/polkawalletgenerator/internal/domain"
)

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(domain.AddressFunded{RequestID: "r"}))
}

func TestNATSClient_Publish(t *testing.T) {
	client, err := NewNATSClient(nats.DefaultURL, "faucet-test")
	if err != nil {
		t.Skip("NATS server not available")
	}
	defer client.Close()

	listener, err := nats.Connect(nats.DefaultURL)
	require.NoError(t, err)
	defer listener.Close()

	sub, err := listener.SubscribeSync(EventSubject)
	require.NoError(t, err)
	require.NoError(t, listener.Flush())

	event := domain.AddressFunded{
		RequestID: "req-1",
		Address:   "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY",
		BlockHash: "0xabc",
		Amount:    "1000000000000",
	}
	require.NoError(t, client.Publish(event))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	got, err := domain.DeserializeEvent(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, event, got)
}
