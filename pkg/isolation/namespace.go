package isolation

import (
	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/network"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

// NamespaceKind enumerates the Linux namespace kinds a container may get.
type NamespaceKind string

const (
	NamespaceMount   NamespaceKind = "mnt"
	NamespaceUTS     NamespaceKind = "uts"
	NamespaceIPC     NamespaceKind = "ipc"
	NamespaceNetwork NamespaceKind = "net"
	NamespacePID     NamespaceKind = "pid"
	NamespaceCgroup  NamespaceKind = "cgroup"
	NamespaceUser    NamespaceKind = "user"
)

// DefaultNamespaces is the set every container starts from; Create drops
// the network namespace under host networking and adds a user namespace
// when asked to.
var DefaultNamespaces = []NamespaceKind{
	NamespaceMount, NamespaceUTS, NamespaceIPC, NamespaceNetwork, NamespacePID, NamespaceCgroup,
}

// NamespaceSet is the handles produced by NamespaceManager.Create for one
// container: the set of kinds requested, plus the network namespace path
// and veth pair when a network namespace was created.
type NamespaceSet struct {
	Kinds     []NamespaceKind
	NetnsPath string
	Veth      network.VethPair
}

// NamespaceManager creates and tears down the namespace set for a
// container, attaching its network namespace to the shared bridge.
type NamespaceManager struct{}

// NewNamespaceManager returns a NamespaceManager.
func NewNamespaceManager() *NamespaceManager {
	return &NamespaceManager{}
}

// Create builds the namespace set for id. withUser adds a user namespace;
// hostNetwork skips net namespace and veth creation, leaving the container
// on the host's network stack.
func (nm *NamespaceManager) Create(id types.ContainerId, withUser, hostNetwork bool) (NamespaceSet, error) {
	kinds := append([]NamespaceKind{}, DefaultNamespaces...)
	if withUser {
		kinds = append(kinds, NamespaceUser)
	}
	if hostNetwork {
		kinds = removeKind(kinds, NamespaceNetwork)
		return NamespaceSet{Kinds: kinds}, nil
	}

	if err := network.EnsureBridge(); err != nil {
		return NamespaceSet{}, hberrors.Wrap(hberrors.NamespaceOp, err, "ensure bridge")
	}

	netnsName := "hb-" + id.String()
	netnsPath, err := network.CreateNamedNetns(netnsName)
	if err != nil {
		return NamespaceSet{}, hberrors.Wrap(hberrors.NamespaceOp, err, "create network namespace")
	}

	veth, err := network.CreateVeth(id, netnsPath)
	if err != nil {
		_ = network.DeleteNamedNetns(netnsName)
		return NamespaceSet{}, hberrors.Wrap(hberrors.NamespaceOp, err, "create veth pair")
	}

	return NamespaceSet{Kinds: kinds, NetnsPath: netnsPath, Veth: veth}, nil
}

// Destroy tears down a container's network namespace and veth pair. A
// host-network container (empty NetnsPath) is a no-op.
func (nm *NamespaceManager) Destroy(id types.ContainerId, set NamespaceSet) error {
	if set.NetnsPath == "" {
		return nil
	}
	network.DeleteVeth(set.Veth.HostName)
	if err := network.DeleteNamedNetns("hb-" + id.String()); err != nil {
		return hberrors.Wrap(hberrors.NamespaceOp, err, "delete network namespace")
	}
	return nil
}

func removeKind(kinds []NamespaceKind, target NamespaceKind) []NamespaceKind {
	out := make([]NamespaceKind, 0, len(kinds))
	for _, k := range kinds {
		if k != target {
			out = append(out, k)
		}
	}
	return out
}
