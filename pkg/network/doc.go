/*
Package network sets up and tears down everything a container needs to talk
to the outside world: a bridge and per-container veth pair by default, or a
delegated CNI plugin chain when one is configured, plus host port forwarding
and host-port allocation.

# Default Path

EnsureBridge creates a single Linux bridge (hyperbox0) on daemon start.  Per
container: CreateNamedNetns makes a persistent namespace under
/var/run/netns, CreateVeth wires a veth pair between the bridge and that
namespace, IPAM.Allocate hands out an address from the bridge subnet, and
AssignAddress applies it inside the namespace along with a default route via
the bridge gateway.

# CNI Path

CNIInvoker exec's plugin binaries following the CNI exec protocol: config on
stdin, CNI_COMMAND/CNI_CONTAINERID/CNI_NETNS/CNI_IFNAME/CNI_PATH as
environment variables, result JSON on stdout. Used in place of the bridge
path when a plugin conf-list is configured.

# Port Forwarding

PortForwarder installs iptables DNAT/MASQUERADE/FORWARD rules per published
port, rolling back partial installs on failure. PortAllocator reserves host
ports for port mappings that don't request a specific host port, preferring
the caller's choice when free and otherwise scanning the ephemeral range
(32768-60999) from a rotating cursor, verifying freedom with a real bind
rather than trusting its own bookkeeping alone.
*/
package network
