package masque

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubnetGeneratorStaysWithinNetwork(t *testing.T) {
	network := netip.MustParsePrefix("192.0.2.0/24")
	g := newSubnetGenerator(network)

	for i := 0; i < 126; i++ {
		addr, err := g.next()
		require.NoError(t, err)
		require.True(t, network.Contains(addr), "subnet %s escaped %s", addr, network)
	}
}

func TestSubnetGeneratorExhaustion(t *testing.T) {
	// A /30 only has four host addresses, room for a single /31 pair beyond
	// the network address itself.
	network := netip.MustParsePrefix("192.0.2.0/30")
	g := newSubnetGenerator(network)

	addr, err := g.next()
	require.NoError(t, err)
	require.True(t, network.Contains(addr))

	_, err = g.next()
	require.ErrorIs(t, err, errSubnetExhausted)
}
