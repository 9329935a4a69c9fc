package resolver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepeer/relay/internal/resolver"
)

func TestParseTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		target    string
		wantShape resolver.Shape
		wantErr   bool
	}{
		{name: "ipv4 port", target: "1.1.1.1:80", wantShape: resolver.ShapeIPPort},
		{name: "ipv6 port", target: "[::1]:80", wantShape: resolver.ShapeIPPort},
		{name: "host port", target: "example.com:443", wantShape: resolver.ShapeHostPort},
		{name: "bare host", target: "example.com", wantShape: resolver.ShapeHost},
		{name: "empty", target: "", wantErr: true},
		{name: "too many colons", target: "a:b:c:d", wantErr: true},
		{name: "bad port", target: "example.com:notaport", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := resolver.ParseTarget(tt.target)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantShape, got.Shape)
		})
	}
}

func TestParseTarget_IPPortRoundTrip(t *testing.T) {
	t.Parallel()

	// Property 7: parse then stringify yields the same string for ip_port.
	for _, addr := range []string{"1.1.1.1:80", "10.0.0.2:8080"} {
		got, err := resolver.ParseTarget(addr)
		require.NoError(t, err)
		assert.Equal(t, addr, got.Addr)
	}
}

func TestLooksLikeDomain(t *testing.T) {
	t.Parallel()

	assert.True(t, resolver.LooksLikeDomain("example.com:443"))
	assert.True(t, resolver.LooksLikeDomain("example.com"))
	assert.False(t, resolver.LooksLikeDomain("1.1.1.1:80"))
	assert.False(t, resolver.LooksLikeDomain("nodotbarehost"))
}
