package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/require"
)

func TestToRelay(t *testing.T) {
	require := require.New(t)

	relay, ok := toRelay(&mdns.ServiceEntry{
		Name:       "relay-1._boardsync._tcp.local.",
		AddrV4:     net.IPv4(192, 168, 1, 20),
		Port:       8081,
		InfoFields: []string{"boardsync"},
	})
	require.True(ok)
	require.Equal("ws://192.168.1.20:8081", relay.URL())
	require.Equal([]string{"boardsync"}, relay.Info)

	relay, ok = toRelay(&mdns.ServiceEntry{AddrV6: net.ParseIP("fe80::1"), Port: 9000})
	require.True(ok)
	require.Equal("ws://[fe80::1]:9000", relay.URL())

	_, ok = toRelay(&mdns.ServiceEntry{AddrV4: net.IPv4(10, 0, 0, 1)})
	require.False(ok)
	_, ok = toRelay(&mdns.ServiceEntry{Port: 80})
	require.False(ok)
	_, ok = toRelay(nil)
	require.False(ok)
}
