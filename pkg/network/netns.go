package network

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/vishvananda/netns"
)

const netnsDir = "/var/run/netns"

// CreateNamedNetns creates a persistent, named network namespace at
// /var/run/netns/<name>, the layout "ip netns" and CNI plugins expect, so a
// namespace survives past the process that created it and can be located by
// other tools.
func CreateNamedNetns(name string) (path string, err error) {
	if err := os.MkdirAll(netnsDir, 0755); err != nil {
		return "", fmt.Errorf("create netns dir: %w", err)
	}
	path = netnsDir + "/" + name

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return "", fmt.Errorf("get origin netns: %w", err)
	}
	defer origin.Close()
	defer netns.Set(origin)

	fd, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create netns bind target: %w", err)
	}
	fd.Close()

	newns, err := netns.NewNamed(name)
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("create named netns: %w", err)
	}
	newns.Close()

	return path, nil
}

// DeleteNamedNetns unmounts and removes a namespace created by
// CreateNamedNetns. Missing namespaces are not an error.
func DeleteNamedNetns(name string) error {
	if err := netns.DeleteNamed(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete named netns %s: %w", name, err)
	}
	return nil
}

// RunIn executes fn with the calling goroutine's OS thread switched into the
// namespace at path, restoring the original namespace before returning.
// fn must not spawn goroutines that touch the network stack, since only the
// current OS thread is moved.
func RunIn(path string, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("get origin netns: %w", err)
	}
	defer origin.Close()
	defer netns.Set(origin)

	target, err := netns.GetFromPath(path)
	if err != nil {
		return fmt.Errorf("open netns %s: %w", path, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("enter netns %s: %w", path, err)
	}

	return fn()
}

func runIP(args ...string) error {
	cmd := exec.Command("ip", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %v: %w (output: %s)", args, err, string(out))
	}
	return nil
}
