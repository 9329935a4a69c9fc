package udpfwd_test

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nodepeer/relay/internal/forward/udpfwd"
	"github.com/nodepeer/relay/internal/resolver"
)

func echoUDPServer(t *testing.T) string {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)

	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 4096)

		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}

			_, _ = conn.WriteToUDP(buf[:n], addr)
		}
	}()

	return conn.LocalAddr().String()
}

func TestForwarder_RelaysDatagrams(t *testing.T) {
	t.Parallel()

	target := echoUDPServer(t)
	res := resolver.New(nil, time.Second, 1)

	f := udpfwd.New("test-rule", "127.0.0.1:0", 4096, target, res, zerolog.Nop())

	ctx := t.Context()
	require.NoError(t, f.Start(ctx))

	t.Cleanup(f.Stop)

	client, err := net.Dial("udp", f.Addr())
	require.NoError(t, err)

	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))

	buf := make([]byte, 4)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestForwarder_UpdateTargetRebindsOnNextPacket(t *testing.T) {
	t.Parallel()

	targetA := echoUDPServer(t)
	res := resolver.New(nil, time.Second, 1)

	f := udpfwd.New("test-rule", "127.0.0.1:0", 4096, targetA, res, zerolog.Nop())

	ctx := t.Context()
	require.NoError(t, f.Start(ctx))

	t.Cleanup(f.Stop)

	client, err := net.Dial("udp", f.Addr())
	require.NoError(t, err)

	defer client.Close()

	_, err = client.Write([]byte("first"))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))

	buf := make([]byte, 5)
	_, err = client.Read(buf)
	require.NoError(t, err)

	targetB := echoUDPServer(t)
	f.UpdateTarget(targetB)

	_, err = client.Write([]byte("second"))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))

	buf2 := make([]byte, 6)
	_, err = client.Read(buf2)
	require.NoError(t, err)
	require.Equal(t, "second", string(buf2))
}
