package httpredirect_test

import (
	"bufio"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nodepeer/relay/internal/forward/httpredirect"
)

func TestForwarder_RedirectsToHTTPS(t *testing.T) {
	t.Parallel()

	f := httpredirect.New("test-rule", "127.0.0.1:0", zerolog.Nop())

	ctx := t.Context()
	require.NoError(t, f.Start(ctx))

	t.Cleanup(f.Stop)

	conn, err := net.Dial("tcp", f.Addr())
	require.NoError(t, err)

	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	require.Equal(t, "https://example.com", resp.Header.Get("Location"))
}

func TestForwarder_NoHostClosesConnection(t *testing.T) {
	t.Parallel()

	f := httpredirect.New("test-rule", "127.0.0.1:0", zerolog.Nop())

	ctx := t.Context()
	require.NoError(t, f.Start(ctx))

	t.Cleanup(f.Stop)

	conn, err := net.Dial("tcp", f.Addr())
	require.NoError(t, err)

	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)
}
