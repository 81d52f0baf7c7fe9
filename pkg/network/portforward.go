package network

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/hyperbox/hyperboxd/pkg/types"
)

// PortForwarder installs and tears down the iptables rules that forward a
// host port to a container's address inside its network namespace.
type PortForwarder struct {
	mu        sync.Mutex
	forwarded map[types.ContainerId][]types.PortMapping
}

// NewPortForwarder creates an empty PortForwarder.
func NewPortForwarder() *PortForwarder {
	return &PortForwarder{
		forwarded: make(map[types.ContainerId][]types.PortMapping),
	}
}

// Forward installs DNAT/MASQUERADE/FORWARD rules for every mapping, rolling
// back whatever it already created if one rule fails partway through.
func (f *PortForwarder) Forward(id types.ContainerId, containerIP string, ports []types.PortMapping) error {
	if len(ports) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for i, port := range ports {
		if err := f.addRules(containerIP, port); err != nil {
			f.removeRulesBatch(containerIP, ports[:i])
			return fmt.Errorf("forward port %d->%d: %w", port.HostPort, port.ContainerPort, err)
		}
	}

	f.forwarded[id] = ports
	return nil
}

// Unforward removes every rule installed for id. Errors are ignored per-rule
// since a missing rule (already gone, or never applied) is not a failure.
func (f *PortForwarder) Unforward(id types.ContainerId, containerIP string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ports, ok := f.forwarded[id]
	if !ok {
		return
	}
	f.removeRulesBatch(containerIP, ports)
	delete(f.forwarded, id)
}

func (f *PortForwarder) addRules(containerIP string, port types.PortMapping) error {
	proto := protoString(port.Protocol)

	if err := runIPTables([]string{
		"-t", "nat", "-A", "PREROUTING",
		"-p", proto, "--dport", fmt.Sprint(port.HostPort),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", containerIP, port.ContainerPort),
	}); err != nil {
		return fmt.Errorf("DNAT rule: %w", err)
	}

	if err := runIPTables([]string{
		"-t", "nat", "-A", "POSTROUTING",
		"-p", proto, "-d", containerIP, "--dport", fmt.Sprint(port.ContainerPort),
		"-j", "MASQUERADE",
	}); err != nil {
		f.removeRules(containerIP, port)
		return fmt.Errorf("MASQUERADE rule: %w", err)
	}

	if err := runIPTables([]string{
		"-A", "FORWARD",
		"-p", proto, "-d", containerIP, "--dport", fmt.Sprint(port.ContainerPort),
		"-j", "ACCEPT",
	}); err != nil {
		f.removeRules(containerIP, port)
		return fmt.Errorf("FORWARD rule: %w", err)
	}

	return nil
}

func (f *PortForwarder) removeRules(containerIP string, port types.PortMapping) {
	proto := protoString(port.Protocol)

	_ = runIPTables([]string{
		"-t", "nat", "-D", "PREROUTING",
		"-p", proto, "--dport", fmt.Sprint(port.HostPort),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", containerIP, port.ContainerPort),
	})
	_ = runIPTables([]string{
		"-t", "nat", "-D", "POSTROUTING",
		"-p", proto, "-d", containerIP, "--dport", fmt.Sprint(port.ContainerPort),
		"-j", "MASQUERADE",
	})
	_ = runIPTables([]string{
		"-D", "FORWARD",
		"-p", proto, "-d", containerIP, "--dport", fmt.Sprint(port.ContainerPort),
		"-j", "ACCEPT",
	})
}

func (f *PortForwarder) removeRulesBatch(containerIP string, ports []types.PortMapping) {
	for _, p := range ports {
		f.removeRules(containerIP, p)
	}
}

func protoString(p types.Protocol) string {
	if p == "" {
		return "tcp"
	}
	return strings.ToLower(string(p))
}

func runIPTables(args []string) error {
	cmd := exec.Command("iptables", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
