package models

import (
	"encoding/json"
	"fmt"
)

// Reachability is the tri-state internet reachability reported by the OS.
type Reachability int

const (
	ReachabilityUnknown Reachability = iota
	ReachabilityReachable
	ReachabilityUnreachable
)

func (r Reachability) String() string {
	switch r {
	case ReachabilityReachable:
		return "reachable"
	case ReachabilityUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// ReachabilityOf maps an optional boolean onto the tri-state.
func ReachabilityOf(v *bool) Reachability {
	if v == nil {
		return ReachabilityUnknown
	}
	if *v {
		return ReachabilityReachable
	}
	return ReachabilityUnreachable
}

// Bool returns nil for unknown.
func (r Reachability) Bool() *bool {
	switch r {
	case ReachabilityReachable:
		v := true
		return &v
	case ReachabilityUnreachable:
		v := false
		return &v
	default:
		return nil
	}
}

// MarshalJSON encodes the tri-state as true, false or null.
func (r Reachability) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Bool())
}

func (r *Reachability) UnmarshalJSON(data []byte) error {
	var v *bool
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("reachability: %w", err)
	}
	*r = ReachabilityOf(v)
	return nil
}

const (
	ConnectionNone     = "none"
	ConnectionWiFi     = "wifi"
	ConnectionEthernet = "ethernet"
	ConnectionCellular = "cellular"
	ConnectionOther    = "other"
	ConnectionUnknown  = "unknown"
)

// ConnectivityState is the latest observation of the network. It is never persisted.
type ConnectivityState struct {
	IsConnected         bool         `json:"is_connected"`
	IsInternetReachable Reachability `json:"is_internet_reachable"`
	ConnectionType      string       `json:"connection_type"`
}

// GoodConnection is true only when connected and reachability is known to be true.
func (s ConnectivityState) GoodConnection() bool {
	return s.IsConnected && s.IsInternetReachable == ReachabilityReachable
}
