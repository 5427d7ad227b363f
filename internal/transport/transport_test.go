package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvsync-labs/kvsync/internal/logger"
	"github.com/kvsync-labs/kvsync/internal/transport"
	"github.com/kvsync-labs/kvsync/pkg/kvsync/v1/tensor"
)

func TestWireRoundTrip(t *testing.T) {
	m := transport.NewMessage(transport.MsgPush)
	m.Role = transport.RoleWorker
	m.Sender = 3
	m.Key = -12
	m.Priority = 7
	m.Round = 99
	m.Cmd = -1
	m.Body = "hello"
	m.Payload = tensor.MustNew(2, 2).AppendWire(nil)

	decoded, err := transport.DecodeWire(m.AppendWire(nil))
	require.NoError(t, err)
	assert.Equal(t, m.ID, decoded.ID)
	assert.Equal(t, m.Type, decoded.Type)
	assert.Equal(t, m.Role, decoded.Role)
	assert.Equal(t, m.Sender, decoded.Sender)
	assert.Equal(t, m.Key, decoded.Key)
	assert.Equal(t, m.Priority, decoded.Priority)
	assert.Equal(t, m.Round, decoded.Round)
	assert.Equal(t, m.Cmd, decoded.Cmd)
	assert.Equal(t, m.Body, decoded.Body)
	assert.Equal(t, m.Payload, decoded.Payload)
	assert.True(t, decoded.HasID())
}

func TestWireEmptyFields(t *testing.T) {
	m := &transport.Message{Type: transport.MsgShutdown}
	decoded, err := transport.DecodeWire(m.AppendWire(nil))
	require.NoError(t, err)
	assert.Equal(t, transport.MsgShutdown, decoded.Type)
	assert.Empty(t, decoded.Body)
	assert.Nil(t, decoded.Payload)
	assert.False(t, decoded.HasID())
}

func TestDecodeWireRejectsCorruptFrames(t *testing.T) {
	_, err := transport.DecodeWire([]byte{1, 2, 3})
	assert.Error(t, err, "short frame must be rejected")

	m := transport.NewMessage(transport.MsgPull)
	m.Body = "abc"
	frame := m.AppendWire(nil)
	_, err = transport.DecodeWire(frame[:len(frame)-1])
	assert.Error(t, err, "truncated frame must be rejected")

	_, err = transport.DecodeWire(append(frame, 0xFF))
	assert.Error(t, err, "trailing garbage must be rejected")
}

func TestReplyPreservesCorrelation(t *testing.T) {
	req := transport.NewMessage(transport.MsgCommand)
	req.Key = 5
	req.Cmd = 12
	req.Round = 4

	resp := req.Reply(transport.MsgCommandAck)
	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, transport.MsgCommandAck, resp.Type)
	assert.Equal(t, req.Key, resp.Key)
	assert.Equal(t, req.Cmd, resp.Cmd)
	assert.Equal(t, req.Round, resp.Round)
}

func TestMemNetworkExchange(t *testing.T) {
	net := transport.NewMemNetwork()
	l, err := net.Listen("srv")
	require.NoError(t, err)
	defer l.Close()

	type accepted struct {
		conn transport.Conn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		c, err := l.Accept()
		acceptCh <- accepted{c, err}
	}()

	client, err := net.Dial(context.Background(), "srv")
	require.NoError(t, err)
	defer client.Close()

	srv := <-acceptCh
	require.NoError(t, srv.err)
	defer srv.conn.Close()

	msg := transport.NewMessage(transport.MsgHello)
	msg.Sender = 1
	require.NoError(t, client.Send(msg))

	got, err := srv.conn.Recv()
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, int32(1), got.Sender)

	require.NoError(t, srv.conn.Send(got.Reply(transport.MsgCommandAck)))
	resp, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, msg.ID, resp.ID)
}

func TestMemNetworkDialUnknownAddress(t *testing.T) {
	net := transport.NewMemNetwork()
	_, err := net.Dial(context.Background(), "nowhere")
	assert.Error(t, err)
}

func TestMemNetworkRejectsDuplicateBind(t *testing.T) {
	net := transport.NewMemNetwork()
	l, err := net.Listen("addr")
	require.NoError(t, err)
	defer l.Close()

	_, err = net.Listen("addr")
	assert.Error(t, err)
}

func TestMemConnCloseUnblocksRecv(t *testing.T) {
	a, b := transport.Pipe("a", "b")
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Recv()
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after peer close")
	}
	assert.Error(t, b.Send(transport.NewMessage(transport.MsgHello)))
}

func TestMemConnSendAlwaysFailsAfterPeerClose(t *testing.T) {
	a, b := transport.Pipe("a", "b")
	require.NoError(t, a.Close())

	// The send buffer still has room, so a racy implementation could let
	// some sends through. Every attempt must fail once either side closed.
	for i := 0; i < 50; i++ {
		assert.Error(t, b.Send(transport.NewMessage(transport.MsgHello)))
		assert.Error(t, a.Send(transport.NewMessage(transport.MsgHello)))
	}
}

func TestWSNetworkLoopback(t *testing.T) {
	net := transport.NewWSNetwork()
	l, err := net.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	type accepted struct {
		conn transport.Conn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		c, err := l.Accept()
		acceptCh <- accepted{c, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := net.Dial(ctx, l.Addr())
	require.NoError(t, err)
	defer client.Close()

	srv := <-acceptCh
	require.NoError(t, srv.err)
	defer srv.conn.Close()

	msg := transport.NewMessage(transport.MsgPush)
	msg.Key = 42
	msg.Payload = tensor.MustNew(3).AppendWire(nil)
	require.NoError(t, client.Send(msg))

	got, err := srv.conn.Recv()
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, int64(42), got.Key)
	assert.Equal(t, msg.Payload, got.Payload)

	require.NoError(t, srv.conn.Send(got.Reply(transport.MsgPushAck)))
	resp, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, transport.MsgPushAck, resp.Type)
	assert.Equal(t, msg.ID, resp.ID)
}

func TestDialerRetriesUntilListenerBinds(t *testing.T) {
	net := transport.NewMemNetwork()
	dialer := transport.NewDialer(net, logger.NewDefaultLogger("error"))

	go func() {
		time.Sleep(150 * time.Millisecond)
		l, err := net.Listen("late")
		if err != nil {
			return
		}
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := dialer.Dial(ctx, "late")
	require.NoError(t, err)
	conn.Close()
}
