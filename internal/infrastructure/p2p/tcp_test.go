package p2p

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bisq-network/trade-engine/internal/core/ports"
	"github.com/bisq-network/trade-engine/pkg/crypto"
)

func newNode(t *testing.T, name string) (*service, *crypto.KeyRing, chan ports.Envelope) {
	t.Helper()
	keyRing, err := crypto.NewEphemeralKeyRing()
	require.NoError(t, err)

	inbox := make(chan ports.Envelope, 10)
	node := NewService("127.0.0.1:0", name, keyRing).(*service)
	node.OnMessage(func(env ports.Envelope) { inbox <- env })
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(node.Stop)
	return node, keyRing, inbox
}

func (s *service) addr() string {
	return s.listener.Addr().String()
}

func TestSendMessageRoundTrip(t *testing.T) {
	receiver, receiverRing, inbox := newNode(t, "receiver")
	sender, _, _ := newNode(t, "sender")

	payload := []byte(`{"kind":"PING"}`)
	err := sender.SendMessage(
		context.Background(), receiver.addr(),
		receiverRing.PubKeyRing().EncryptionPubKey, payload,
	)
	require.NoError(t, err)

	select {
	case env := <-inbox:
		require.Equal(t, "sender", env.From)
		opened, err := crypto.Open(env.Box, receiverRing)
		require.NoError(t, err)
		require.Equal(t, payload, opened)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never arrived")
	}
}

func TestSendMessageFailsWhenPeerDown(t *testing.T) {
	sender, _, _ := newNode(t, "sender")
	otherRing, err := crypto.NewEphemeralKeyRing()
	require.NoError(t, err)

	err = sender.SendMessage(
		context.Background(), "127.0.0.1:1",
		otherRing.PubKeyRing().EncryptionPubKey, []byte("hi"),
	)
	require.Error(t, err)
}

func TestMailboxSpoolsAndRetries(t *testing.T) {
	sender, _, _ := newNode(t, "sender")
	receiverRing, err := crypto.NewEphemeralKeyRing()
	require.NoError(t, err)

	// the receiver is not up yet; the message must be accepted and spooled
	err = sender.SendMailboxMessage(
		context.Background(), "127.0.0.1:1",
		receiverRing.PubKeyRing().EncryptionPubKey, []byte("later"),
	)
	require.NoError(t, err)
	require.Len(t, sender.spooled, 1)

	// bring up a receiver and point the spooled message at it
	receiver, _, inbox := newNode(t, "receiver")
	sender.mtx.Lock()
	sender.spooled[0].to = receiver.addr()
	sender.mtx.Unlock()

	sender.flushSpool()

	select {
	case env := <-inbox:
		opened, err := crypto.Open(env.Box, receiverRing)
		require.NoError(t, err)
		require.Equal(t, []byte("later"), opened)
	case <-time.After(2 * time.Second):
		t.Fatal("spooled envelope never delivered")
	}
	require.Empty(t, sender.spooled)
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	receiver, receiverRing, inbox := newNode(t, "receiver")
	sender, _, _ := newNode(t, "sender")

	// raw garbage must not reach the handler
	conn, err := net.Dial("tcp", receiver.addr())
	require.NoError(t, err)
	conn.Write([]byte("not json at all\n"))
	conn.Close()

	// a well-formed envelope still gets through afterwards
	err = sender.SendMessage(
		context.Background(), receiver.addr(),
		receiverRing.PubKeyRing().EncryptionPubKey, []byte("ok"),
	)
	require.NoError(t, err)

	select {
	case env := <-inbox:
		opened, err := crypto.Open(env.Box, receiverRing)
		require.NoError(t, err)
		require.Equal(t, []byte("ok"), opened)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never arrived")
	}
}
