// Package discovery enumerates camera sources: local video devices by
// probing device indices, and network cameras by a bounded TCP sweep of the
// local subnet followed by ONVIF introspection of responders.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/technosupport/ts-fas/internal/camera"
	"github.com/technosupport/ts-fas/internal/capture"
)

var ErrDiscoveryTimeout = errors.New("discovery deadline exceeded")

const (
	localProbeTimeout = 2 * time.Second
	maxSubnetHosts    = 4096
)

// Config tunes a discovery run.
type Config struct {
	Subnet         string // CIDR; empty derives the primary interface /24
	Ports          []int
	ProbeTimeout   time.Duration
	MaxDeviceIndex int
	MaxInflight    int
	Credentials    camera.Credentials // bootstrap creds for ONVIF introspection
}

// Service runs discovery scans. Probing local devices needs the capture
// backend; network scanning does not.
type Service struct {
	backend capture.Backend
}

func NewService(backend capture.Backend) *Service {
	return &Service{backend: backend}
}

// Run performs local and network discovery. Per-target failures are normal;
// the run as a whole succeeds with whatever was found. Only the global
// deadline firing returns ErrDiscoveryTimeout, together with the partial
// result.
func (s *Service) Run(ctx context.Context, cfg Config) ([]camera.Discovered, error) {
	if cfg.MaxDeviceIndex <= 0 {
		cfg.MaxDeviceIndex = 10
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 50
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 500 * time.Millisecond
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = []int{80, 554, 8080, 8554}
	}

	found := s.enumerateLocal(ctx, cfg.MaxDeviceIndex)

	network, err := s.scanNetwork(ctx, cfg)
	found = append(found, network...)

	log.Printf("[Discovery] run finished: %d local+network candidates", len(found))
	return found, err
}

// enumerateLocal probes device indices 0..k-1 through the capture backend.
// Index 0 is conventionally the built-in camera.
func (s *Service) enumerateLocal(ctx context.Context, k int) []camera.Discovered {
	var found []camera.Discovered
	for i := 0; i < k; i++ {
		if ctx.Err() != nil {
			return found
		}

		kind := camera.KindUSB
		if i == 0 {
			kind = camera.KindBuiltin
		}
		desc := camera.Descriptor{
			ID:          fmt.Sprintf("local-%d", i),
			Kind:        kind,
			DeviceIndex: i,
		}
		cap := capture.Probe(s.backend, desc, localProbeTimeout)
		if !cap.Reachable {
			continue
		}
		found = append(found, camera.Discovered{
			ID:        desc.ID,
			Kind:      kind,
			Locator:   desc.Locator(),
			Width:     cap.Width,
			Height:    cap.Height,
			FPS:       cap.FPS,
			Reachable: true,
			SeenAt:    time.Now(),
		})
	}
	return found
}

// scanNetwork sweeps the subnet with bounded fan-out TCP probes and runs
// ONVIF introspection against hosts answering on a service port.
func (s *Service) scanNetwork(ctx context.Context, cfg Config) ([]camera.Discovered, error) {
	subnet := cfg.Subnet
	if subnet == "" {
		derived, err := primarySubnet()
		if err != nil {
			log.Printf("[Discovery] no primary subnet: %v", err)
			return nil, nil
		}
		subnet = derived
	}

	hosts, err := expandSubnet(subnet)
	if err != nil {
		return nil, fmt.Errorf("bad subnet %q: %w", subnet, err)
	}

	type hit struct {
		host string
		port int
	}

	sem := make(chan struct{}, cfg.MaxInflight)
	hitCh := make(chan hit, len(hosts)*len(cfg.Ports))
	var wg sync.WaitGroup

	for _, host := range hosts {
		for _, port := range cfg.Ports {
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			go func(host string, port int) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					return
				}
				d := net.Dialer{Timeout: cfg.ProbeTimeout}
				conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
				if err != nil {
					return
				}
				conn.Close()
				hitCh <- hit{host, port}
			}(host, port)
		}
	}
	wg.Wait()
	close(hitCh)

	// One candidate per host; prefer the ONVIF-capable HTTP ports for
	// introspection, fall back to a bare RTSP locator.
	byHost := make(map[string][]int)
	for h := range hitCh {
		byHost[h.host] = append(byHost[h.host], h.port)
	}

	var found []camera.Discovered
	for host, ports := range byHost {
		found = append(found, s.identifyHost(ctx, host, ports, cfg.Credentials))
	}

	if ctx.Err() != nil {
		return found, fmt.Errorf("%w: %v", ErrDiscoveryTimeout, ctx.Err())
	}
	return found, nil
}

func (s *Service) identifyHost(ctx context.Context, host string, ports []int, creds camera.Credentials) camera.Discovered {
	d := camera.Discovered{
		ID:        "net-" + host,
		Kind:      camera.KindRTSP,
		Locator:   fmt.Sprintf("rtsp://%s:554/", host),
		Reachable: true,
		SeenAt:    time.Now(),
	}

	for _, port := range ports {
		if port != 80 && port != 8080 {
			continue
		}
		xaddr := fmt.Sprintf("http://%s:%d/onvif/device_service", host, port)
		cli := NewONVIFClient(xaddr, creds.Username, creds.Password)
		info, err := cli.GetDeviceInformation(ctx)
		if err != nil {
			continue
		}
		d.Kind = camera.KindONVIF
		d.Model = info.Manufacturer + " " + info.Model
		d.Locator = xaddr
		if uri := s.streamURI(ctx, cli); uri != "" {
			d.Locator = uri
			d.Kind = camera.KindRTSP
		}
		break
	}
	return d
}

func (s *Service) streamURI(ctx context.Context, cli *ONVIFClient) string {
	_, mediaURI, err := cli.GetCapabilities(ctx)
	if err != nil {
		return ""
	}
	profiles, err := cli.GetProfiles(ctx, mediaURI)
	if err != nil || len(profiles) == 0 {
		return ""
	}
	uri, err := cli.GetStreamURI(ctx, mediaURI, profiles[0].Token)
	if err != nil {
		return ""
	}
	return stripCredentials(uri)
}

// primarySubnet derives the /24 of the interface that routes externally.
func primarySubnet() (string, error) {
	conn, err := net.Dial("udp", "198.51.100.1:9")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil {
		return "", errors.New("no IPv4 primary interface")
	}
	ip := addr.IP.To4()
	return fmt.Sprintf("%d.%d.%d.0/24", ip[0], ip[1], ip[2]), nil
}

// expandSubnet lists host addresses for a CIDR, skipping the network and
// broadcast addresses, bounded so a fat-fingered mask cannot explode the
// scan.
func expandSubnet(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("only IPv4 subnets are scanned")
	}

	network := ip4.Mask(ipnet.Mask)
	broadcast := make(net.IP, len(network))
	copy(broadcast, network)
	for i := range broadcast {
		broadcast[i] |= ^ipnet.Mask[len(ipnet.Mask)-len(broadcast)+i]
	}

	ones, bits := ipnet.Mask.Size()
	hostOnly := ones == bits // /32: the single address is the host

	var hosts []string
	for addr := append(net.IP(nil), network...); ipnet.Contains(addr); incIP(addr) {
		if len(hosts) >= maxSubnetHosts {
			break
		}
		if !hostOnly && (addr.Equal(network) || addr.Equal(broadcast)) {
			continue
		}
		hosts = append(hosts, addr.String())
	}
	return hosts, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

// stripCredentials removes userinfo from stream URIs before they are shown
// or stored.
func stripCredentials(uri string) string {
	if idx := strings.Index(uri, "://"); idx != -1 {
		proto := uri[:idx+3]
		rest := uri[idx+3:]
		if at := strings.Index(rest, "@"); at != -1 {
			slash := strings.Index(rest, "/")
			if slash == -1 || at < slash {
				return proto + rest[at+1:]
			}
		}
	}
	return uri
}
