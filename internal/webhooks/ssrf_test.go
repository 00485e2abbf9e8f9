package webhooks

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticLookup(addrs ...string) lookupFunc {
	return func(_ context.Context, _ string) ([]netip.Addr, error) {
		out := make([]netip.Addr, len(addrs))
		for i, a := range addrs {
			out[i] = netip.MustParseAddr(a)
		}
		return out, nil
	}
}

func TestValidateURLBlocksPrivateDestinations(t *testing.T) {
	ctx := context.Background()
	blocked := []string{
		"http://10.0.0.5/hook",
		"http://127.0.0.1:8080/hook",
		"http://172.16.3.4/hook",
		"http://192.168.1.1/hook",
		"http://169.254.169.254/latest/meta-data",
		"http://100.64.0.1/hook",
		"http://[::1]/hook",
		"http://[fc00::1]/hook",
		"http://[fe80::1]/hook",
		"http://[ff02::1]/hook",
		"http://0.0.0.0/hook",
		"http://localhost/hook",
		"http://printer.local/hook",
		"http://db.localhost/hook",
		"http://vault.internal/hook",
		"ftp://example.com/hook",
		"file:///etc/passwd",
	}
	for _, raw := range blocked {
		err := validateURL(ctx, raw, staticLookup("93.184.216.34"))
		assert.ErrorIs(t, err, ErrBlockedURL, raw)
	}
}

func TestValidateURLResolvesHostnames(t *testing.T) {
	ctx := context.Background()

	// A public name resolving into the private space is still blocked.
	err := validateURL(ctx, "http://rebind.example/hook", staticLookup("10.1.2.3"))
	assert.ErrorIs(t, err, ErrBlockedURL)

	// One private address among many is enough.
	err = validateURL(ctx, "http://rebind.example/hook", staticLookup("93.184.216.34", "127.0.0.1"))
	assert.ErrorIs(t, err, ErrBlockedURL)

	require.NoError(t, validateURL(ctx, "https://hooks.example/hook", staticLookup("93.184.216.34")))
	require.NoError(t, validateURL(ctx, "http://[2001:db8::1]/hook", staticLookup()))
}

func TestValidateURLRejectsUnresolvable(t *testing.T) {
	lookup := func(_ context.Context, _ string) ([]netip.Addr, error) {
		return nil, assert.AnError
	}
	err := validateURL(context.Background(), "http://ghost.example/hook", lookup)
	assert.ErrorIs(t, err, ErrBlockedURL)
}
