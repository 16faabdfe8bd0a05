// Package connectivity turns OS network observations into the single
// "good connection" signal the queue engine drains on.
package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"offlinequeue/internal/models"
)

// Source produces point-in-time connectivity observations.
type Source interface {
	Fetch(ctx context.Context) (models.ConnectivityState, error)
}

// Link is the part of a network interface the source looks at.
type Link struct {
	Name     string
	Up       bool
	Loopback bool
	HasAddr  bool
}

// SystemLinks lists the host's interfaces.
func SystemLinks() ([]Link, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	links := make([]Link, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, _ := iface.Addrs()
		links = append(links, Link{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
			HasAddr:  len(addrs) > 0,
		})
	}
	return links, nil
}

// NetSource derives connectivity from the interface table and an optional
// HTTP reachability probe.
type NetSource struct {
	probeURL string
	client   *http.Client
	links    func() ([]Link, error)
}

func NewNetSource(probeURL string, probeTimeout time.Duration) *NetSource {
	return &NetSource{
		probeURL: probeURL,
		client: &http.Client{
			Timeout: probeTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		links: SystemLinks,
	}
}

func (s *NetSource) Fetch(ctx context.Context) (models.ConnectivityState, error) {
	links, err := s.links()
	if err != nil {
		return models.ConnectivityState{ConnectionType: models.ConnectionUnknown}, err
	}

	connType := models.ConnectionNone
	for _, l := range links {
		if !l.Up || l.Loopback || !l.HasAddr {
			continue
		}
		t := linkType(l.Name)
		if connType == models.ConnectionNone || rank(t) < rank(connType) {
			connType = t
		}
	}

	if connType == models.ConnectionNone {
		return models.ConnectivityState{
			IsConnected:         false,
			IsInternetReachable: models.ReachabilityUnreachable,
			ConnectionType:      models.ConnectionNone,
		}, nil
	}

	return models.ConnectivityState{
		IsConnected:         true,
		IsInternetReachable: s.probe(ctx),
		ConnectionType:      connType,
	}, nil
}

func (s *NetSource) probe(ctx context.Context) models.Reachability {
	if s.probeURL == "" {
		return models.ReachabilityUnknown
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.probeURL, nil)
	if err != nil {
		return models.ReachabilityUnreachable
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return models.ReachabilityUnreachable
	}
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return models.ReachabilityReachable
	}
	return models.ReachabilityUnreachable
}

func linkType(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wifi"):
		return models.ConnectionWiFi
	case strings.HasPrefix(n, "eth"), strings.HasPrefix(n, "en"):
		return models.ConnectionEthernet
	case strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "rmnet"),
		strings.HasPrefix(n, "ccmni"), strings.HasPrefix(n, "pdp_ip"):
		return models.ConnectionCellular
	default:
		return models.ConnectionOther
	}
}

// rank orders connection types by preference when several links are up.
func rank(t string) int {
	switch t {
	case models.ConnectionEthernet:
		return 0
	case models.ConnectionWiFi:
		return 1
	case models.ConnectionCellular:
		return 2
	default:
		return 3
	}
}
