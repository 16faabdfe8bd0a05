package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"offlinequeue/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourceWith(probeURL string, links ...Link) *NetSource {
	s := NewNetSource(probeURL, time.Second)
	s.links = func() ([]Link, error) { return links, nil }
	return s
}

func TestNetSource_Fetch(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ok.Close()

	redirect := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://127.0.0.1:1/captive", http.StatusFound)
	}))
	defer redirect.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	loopback := Link{Name: "lo", Up: true, Loopback: true, HasAddr: true}
	wifi := Link{Name: "wlan0", Up: true, HasAddr: true}
	eth := Link{Name: "eth0", Up: true, HasAddr: true}

	tests := []struct {
		name     string
		source   *NetSource
		wantConn bool
		wantR    models.Reachability
		wantType string
	}{
		{"only loopback", sourceWith(ok.URL, loopback), false, models.ReachabilityUnreachable, models.ConnectionNone},
		{"down link", sourceWith(ok.URL, Link{Name: "wlan0", HasAddr: true}), false, models.ReachabilityUnreachable, models.ConnectionNone},
		{"no probe url", sourceWith("", wifi), true, models.ReachabilityUnknown, models.ConnectionWiFi},
		{"probe ok", sourceWith(ok.URL, loopback, wifi), true, models.ReachabilityReachable, models.ConnectionWiFi},
		{"probe redirect", sourceWith(redirect.URL, wifi), true, models.ReachabilityReachable, models.ConnectionWiFi},
		{"probe 502", sourceWith(broken.URL, wifi), true, models.ReachabilityUnreachable, models.ConnectionWiFi},
		{"probe refused", sourceWith("http://127.0.0.1:1", wifi), true, models.ReachabilityUnreachable, models.ConnectionWiFi},
		{"prefers ethernet", sourceWith("", wifi, eth), true, models.ReachabilityUnknown, models.ConnectionEthernet},
		{"cellular", sourceWith("", Link{Name: "rmnet0", Up: true, HasAddr: true}), true, models.ReachabilityUnknown, models.ConnectionCellular},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := tt.source.Fetch(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantConn, state.IsConnected)
			assert.Equal(t, tt.wantR, state.IsInternetReachable)
			assert.Equal(t, tt.wantType, state.ConnectionType)
		})
	}
}

func TestNetSource_LinkError(t *testing.T) {
	s := NewNetSource("", time.Second)
	s.links = func() ([]Link, error) { return nil, errors.New("netlink") }

	state, err := s.Fetch(context.Background())
	assert.Error(t, err)
	assert.False(t, state.GoodConnection())
}
