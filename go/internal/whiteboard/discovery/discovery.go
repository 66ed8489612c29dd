// Package discovery finds whiteboard relays on the local network over mDNS
package discovery

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog/log"
)

const (
	ServiceType    = "_boardsync._tcp"
	DefaultTimeout = 2 * time.Second
)

// Relay is a relay instance found on the network
type Relay struct {
	Instance string
	Host     string
	Port     int
	Info     []string
}

// URL returns the relay's WebSocket base URL
func (r Relay) URL() string {
	return "ws://" + net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Advertisement is a running mDNS responder
type Advertisement struct {
	server *mdns.Server
}

// Advertise announces a relay listening on port. An empty instance uses the hostname.
func Advertise(instance string, port int, info ...string) (*Advertisement, error) {
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("get hostname: %w", err)
		}
		instance = host
	}

	service, err := mdns.NewMDNSService(instance, ServiceType, "", "", port, nil, info)
	if err != nil {
		return nil, fmt.Errorf("create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("start mDNS server: %w", err)
	}

	log.Info().Str("instance", instance).Str("service", ServiceType).Int("port", port).Msg("advertising relay over mDNS")
	return &Advertisement{server: server}, nil
}

// Shutdown stops answering queries
func (a *Advertisement) Shutdown() error {
	return a.server.Shutdown()
}

// Browse queries the network for relays until timeout. IPv4 addresses are preferred.
func Browse(timeout time.Duration) ([]Relay, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan []Relay)
	go func() {
		var relays []Relay
		for e := range entries {
			if relay, ok := toRelay(e); ok {
				relays = append(relays, relay)
			}
		}
		done <- relays
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service:     ServiceType,
		Domain:      "local",
		Timeout:     timeout,
		Entries:     entries,
		DisableIPv6: true,
	})
	close(entries)
	relays := <-done
	if err != nil {
		return relays, fmt.Errorf("query %s: %w", ServiceType, err)
	}
	return relays, nil
}

func toRelay(e *mdns.ServiceEntry) (Relay, bool) {
	if e == nil || e.Port == 0 {
		return Relay{}, false
	}
	host := ""
	switch {
	case e.AddrV4 != nil:
		host = e.AddrV4.String()
	case e.AddrV6 != nil:
		host = e.AddrV6.String()
	default:
		return Relay{}, false
	}
	return Relay{
		Instance: e.Name,
		Host:     host,
		Port:     e.Port,
		Info:     e.InfoFields,
	}, true
}
