package network

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

// CNICommand is one of the verbs the CNI plugin protocol defines.
type CNICommand string

const (
	CNIAdd CNICommand = "ADD"
	CNIDel CNICommand = "DEL"
)

// CNIPluginList is a parsed CNI configuration list, the "conf-list" format
// plugins are invoked with (multiple chained plugins sharing one network).
type CNIPluginList struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []json.RawMessage `json:"plugins"`
}

// CNIResult is the subset of the plugin result schema the daemon consumes.
type CNIResult struct {
	CNIVersion string `json:"cniVersion"`
	Interfaces []struct {
		Name    string `json:"name"`
		Sandbox string `json:"sandbox"`
	} `json:"interfaces"`
	IPs []struct {
		Address string `json:"address"`
		Gateway string `json:"gateway,omitempty"`
	} `json:"ips"`
}

// CNIInvoker runs a chain of CNI plugin binaries found under pluginDir,
// following the exec protocol: JSON config on stdin, result JSON on stdout,
// parameters passed as CNI_* environment variables.
type CNIInvoker struct {
	pluginDir string
	confList  CNIPluginList
}

// NewCNIInvoker loads confList for later invocation against binaries in
// pluginDir.
func NewCNIInvoker(pluginDir string, confList CNIPluginList) *CNIInvoker {
	return &CNIInvoker{pluginDir: pluginDir, confList: confList}
}

// Add runs ADD for every plugin in the list in order, returning the final
// plugin's result.
func (c *CNIInvoker) Add(id types.ContainerId, netnsPath, ifaceName string) (CNIResult, error) {
	var result CNIResult
	for _, raw := range c.confList.Plugins {
		r, err := c.invoke(CNIAdd, raw, id, netnsPath, ifaceName)
		if err != nil {
			return CNIResult{}, err
		}
		result = r
	}
	return result, nil
}

// Del runs DEL for every plugin in reverse order, best-effort: it keeps
// going past a failing plugin so partial teardown of an already-broken
// network doesn't block container removal.
func (c *CNIInvoker) Del(id types.ContainerId, netnsPath, ifaceName string) error {
	var firstErr error
	for i := len(c.confList.Plugins) - 1; i >= 0; i-- {
		if _, err := c.invoke(CNIDel, c.confList.Plugins[i], id, netnsPath, ifaceName); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *CNIInvoker) invoke(cmd CNICommand, pluginConf json.RawMessage, id types.ContainerId, netnsPath, ifaceName string) (CNIResult, error) {
	var meta struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(pluginConf, &meta); err != nil {
		return CNIResult{}, hberrors.ErrNetworkOp("malformed plugin config: " + err.Error())
	}

	binPath := c.pluginDir + "/" + meta.Type
	if _, err := os.Stat(binPath); err != nil {
		return CNIResult{}, hberrors.ErrNetworkOp(fmt.Sprintf("cni plugin %q not found in %s", meta.Type, c.pluginDir))
	}

	execCmd := exec.Command(binPath)
	execCmd.Env = append(os.Environ(),
		"CNI_COMMAND="+string(cmd),
		"CNI_CONTAINERID="+id.String(),
		"CNI_NETNS="+netnsPath,
		"CNI_IFNAME="+ifaceName,
		"CNI_PATH="+c.pluginDir,
	)
	execCmd.Stdin = bytes.NewReader(pluginConf)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	if err := execCmd.Run(); err != nil {
		return CNIResult{}, hberrors.Wrap(hberrors.NetworkOp, err,
			fmt.Sprintf("cni plugin %q %s failed: %s", meta.Type, cmd, stderr.String()))
	}

	if cmd == CNIDel {
		return CNIResult{}, nil
	}

	var result CNIResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return CNIResult{}, hberrors.Wrap(hberrors.NetworkOp, err, "parse cni plugin result")
	}
	return result, nil
}
