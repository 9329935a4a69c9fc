package tcpfwd_test

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nodepeer/relay/internal/forward/tcpfwd"
)

func echoServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}

			go func(c net.Conn) {
				defer c.Close()

				buf := make([]byte, 4096)

				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}

					if err != nil {
						return
					}
				}
			}(c)
		}
	}()

	return ln.Addr().String()
}

func TestForwarder_RelaysBytes(t *testing.T) {
	t.Parallel()

	target := echoServer(t)

	f := tcpfwd.New("test-rule", "127.0.0.1:0", 4096, target, zerolog.Nop())

	ctx := t.Context()
	require.NoError(t, f.Start(ctx))

	t.Cleanup(f.Stop)

	conn, err := net.Dial("tcp", f.Addr())
	require.NoError(t, err)

	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	buf := make([]byte, 5)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestForwarder_NoTargetClosesConnection(t *testing.T) {
	t.Parallel()

	f := tcpfwd.New("test-rule", "127.0.0.1:0", 4096, "", zerolog.Nop())

	ctx := t.Context()
	require.NoError(t, f.Start(ctx))

	t.Cleanup(f.Stop)

	conn, err := net.Dial("tcp", f.Addr())
	require.NoError(t, err)

	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)
}

func TestForwarder_UpdateTarget(t *testing.T) {
	t.Parallel()

	targetA := echoServer(t)

	f := tcpfwd.New("test-rule", "127.0.0.1:0", 4096, targetA, zerolog.Nop())

	ctx := t.Context()
	require.NoError(t, f.Start(ctx))

	t.Cleanup(f.Stop)

	targetB := echoServer(t)
	f.UpdateTarget(targetB)

	conn, err := net.Dial("tcp", f.Addr())
	require.NoError(t, err)

	defer conn.Close()

	_, err = conn.Write([]byte("swap"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	buf := make([]byte, 4)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "swap", string(buf))
}
