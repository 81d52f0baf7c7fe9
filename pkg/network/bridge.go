package network

import (
	"fmt"
	"net"
	"strings"

	"github.com/hyperbox/hyperboxd/pkg/types"
)

const (
	// BridgeName is the single Linux bridge all non-CNI containers attach
	// to. One bridge keeps IPAM and NAT configuration in one place; per-
	// project isolation, where needed, is left to the CNI path instead.
	BridgeName = "hyperbox0"
	bridgeCIDR = "10.88.0.1/16"
)

// EnsureBridge creates BridgeName with bridgeCIDR and brings it up if it does
// not already exist. It is safe to call on every daemon start.
func EnsureBridge() error {
	if bridgeExists(BridgeName) {
		return nil
	}

	if err := runIP("link", "add", "name", BridgeName, "type", "bridge"); err != nil {
		return fmt.Errorf("create bridge %s: %w", BridgeName, err)
	}
	if err := runIP("addr", "add", bridgeCIDR, "dev", BridgeName); err != nil {
		return fmt.Errorf("assign bridge address: %w", err)
	}
	if err := runIP("link", "set", BridgeName, "up"); err != nil {
		return fmt.Errorf("bring bridge up: %w", err)
	}
	return nil
}

func bridgeExists(name string) bool {
	_, err := net.InterfaceByName(name)
	return err == nil
}

// VethPair describes one veth endpoint pair: host-side, attached to the
// bridge, and container-side, destined for a container's netns.
type VethPair struct {
	HostName      string
	ContainerName string
}

// CreateVeth creates a veth pair, attaches the host end to BridgeName and
// brings it up, then moves the container end into the namespace at
// netnsPath, where it is renamed to eth0 and brought up.
func CreateVeth(id types.ContainerId, netnsPath string) (VethPair, error) {
	pair := VethPair{
		HostName:      "veth" + shortID(id),
		ContainerName: "eth0",
	}
	peerTemp := "ceth" + shortID(id)

	if err := runIP("link", "add", pair.HostName, "type", "veth", "peer", "name", peerTemp); err != nil {
		return VethPair{}, fmt.Errorf("create veth pair: %w", err)
	}

	if err := runIP("link", "set", pair.HostName, "master", BridgeName); err != nil {
		DeleteVeth(pair.HostName)
		return VethPair{}, fmt.Errorf("attach veth to bridge: %w", err)
	}
	if err := runIP("link", "set", pair.HostName, "up"); err != nil {
		DeleteVeth(pair.HostName)
		return VethPair{}, fmt.Errorf("bring host veth up: %w", err)
	}

	if err := runIP("link", "set", peerTemp, "netns", netnsPath); err != nil {
		DeleteVeth(pair.HostName)
		return VethPair{}, fmt.Errorf("move veth peer to netns: %w", err)
	}

	if err := RunIn(netnsPath, func() error {
		if err := runIP("link", "set", peerTemp, "name", pair.ContainerName); err != nil {
			return err
		}
		return runIP("link", "set", pair.ContainerName, "up")
	}); err != nil {
		DeleteVeth(pair.HostName)
		return VethPair{}, fmt.Errorf("rename/activate veth peer: %w", err)
	}

	return pair, nil
}

// AssignAddress sets addr (CIDR notation) on ifaceName inside the namespace
// at netnsPath and adds a default route via the bridge gateway.
func AssignAddress(netnsPath, ifaceName, addr string) error {
	gw, _, err := net.ParseCIDR(bridgeCIDR)
	if err != nil {
		return fmt.Errorf("parse bridge gateway: %w", err)
	}

	return RunIn(netnsPath, func() error {
		if err := runIP("addr", "add", addr, "dev", ifaceName); err != nil {
			return fmt.Errorf("assign address: %w", err)
		}
		if err := runIP("link", "set", "lo", "up"); err != nil {
			return fmt.Errorf("bring up loopback: %w", err)
		}
		if err := runIP("route", "add", "default", "via", gw.String()); err != nil {
			return fmt.Errorf("add default route: %w", err)
		}
		return nil
	})
}

// DeleteVeth removes hostName and its peer. The operation is idempotent;
// errors from an already-deleted link are not surfaced since the namespace
// tearing down will have removed the peer already.
func DeleteVeth(hostName string) {
	_ = runIP("link", "delete", hostName)
}

func shortID(id types.ContainerId) string {
	s := strings.TrimSpace(id.String())
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}
