package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/images/archive"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

const (
	// Namespace is the containerd namespace the daemon operates in.
	Namespace = "hyperbox"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdBackend drives containers through a containerd socket. It
// implements Backend.
type ContainerdBackend struct {
	client *containerd.Client
	socket string
}

// NewContainerdBackend dials socketPath (DefaultSocketPath when empty).
func NewContainerdBackend(socketPath string) (*ContainerdBackend, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, hberrors.Wrap(hberrors.RuntimeUnavailable, err, "connect to containerd")
	}

	return &ContainerdBackend{client: client, socket: socketPath}, nil
}

// Close releases the containerd client connection.
func (r *ContainerdBackend) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdBackend) Name() string { return "containerd" }

// Available reports whether the containerd socket answers a version call.
func (r *ContainerdBackend) Available(ctx context.Context) bool {
	if r.client == nil {
		return false
	}
	_, err := r.client.Version(ctx)
	return err == nil
}

func (r *ContainerdBackend) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

// PullImage pulls and unpacks imageRef into the content store and snapshotter.
func (r *ContainerdBackend) PullImage(ctx context.Context, imageRef string) error {
	ctx = r.ctx(ctx)
	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "pull image "+imageRef)
	}
	return nil
}

// ImageExists reports whether imageRef is present in the local image store.
func (r *ContainerdBackend) ImageExists(ctx context.Context, imageRef string) (bool, error) {
	ctx = r.ctx(ctx)
	_, err := r.client.GetImage(ctx, imageRef)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// ListImages returns the names of every image in the local store.
func (r *ContainerdBackend) ListImages(ctx context.Context) ([]string, error) {
	ctx = r.ctx(ctx)
	images, err := r.client.ListImages(ctx)
	if err != nil {
		return nil, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "list images")
	}
	names := make([]string, 0, len(images))
	for _, img := range images {
		names = append(names, img.Name())
	}
	return names, nil
}

// specOpts translates a ContainerSpec into containerd oci.SpecOpts, the
// same millicores-to-CFS-quota and mount-translation steps the spec
// construction in this package has always done.
func specOpts(spec types.ContainerSpec, rootfs string) []oci.SpecOpts {
	opts := []oci.SpecOpts{
		oci.WithRootFSPath(rootfs),
	}

	if len(spec.Command) > 0 {
		args := append(append([]string{}, spec.Command...), spec.Args...)
		opts = append(opts, oci.WithProcessArgs(args...))
	}
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}
	if spec.Hostname != "" {
		opts = append(opts, oci.WithHostname(spec.Hostname))
	}
	if spec.User != "" {
		opts = append(opts, oci.WithUser(spec.User))
	}
	if spec.TTY {
		opts = append(opts, oci.WithTTY)
	}
	if len(spec.Env) > 0 {
		env := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		opts = append(opts, oci.WithEnv(env))
	}
	if spec.Privileged {
		opts = append(opts, oci.WithPrivileged)
	}
	if spec.ReadOnlyRoot {
		opts = append(opts, oci.WithRootFSReadonly())
	}

	if mc := spec.Resources.CPUMillicores; mc > 0 {
		shares := uint64(mc)
		period := uint64(100000)
		quota := int64(mc * 100)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if mb := spec.Resources.MemoryBytes; mb > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(mb)))
	}
	if pl := spec.Resources.PidsLimit; pl > 0 {
		opts = append(opts, oci.WithPidsLimit(pl))
	}

	for _, m := range spec.Mounts {
		if m.Kind != types.MountBind || m.HostPath == "" {
			continue
		}
		flags := []string{"rbind"}
		if m.ReadOnly {
			flags = append(flags, "ro")
		} else {
			flags = append(flags, "rw")
		}
		opts = append(opts, oci.WithMounts([]specs.Mount{{
			Destination: m.ContainerPath,
			Source:      m.HostPath,
			Type:        "bind",
			Options:     flags,
		}}))
	}

	return opts
}

// CreateContainer creates (but does not start) a containerd container for
// id using rootfs as an already-mounted, ready root filesystem (overlay or
// composefs, assembled by pkg/storage before this is called).
func (r *ContainerdBackend) CreateContainer(ctx context.Context, id types.ContainerId, spec types.ContainerSpec, rootfs string) error {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return hberrors.Wrap(hberrors.NotFound, err, "get image "+spec.Image)
	}

	opts := specOpts(spec, rootfs)
	_, err = r.client.NewContainer(ctx, id.String(),
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id.String()+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "create container "+id.String())
	}
	return nil
}

// StartContainer creates and starts the container's init task.
func (r *ContainerdBackend) StartContainer(ctx context.Context, id types.ContainerId) (int, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, id.String())
	if err != nil {
		return 0, hberrors.Wrap(hberrors.NotFound, err, "load container "+id.String())
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return 0, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "create task for "+id.String())
	}
	if err := task.Start(ctx); err != nil {
		return 0, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "start task for "+id.String())
	}
	return int(task.Pid()), nil
}

// StopContainer sends SIGTERM, waits up to timeout, then forces SIGKILL.
func (r *ContainerdBackend) StopContainer(ctx context.Context, id types.ContainerId, timeout time.Duration) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, id.String())
	if err != nil {
		return nil
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "signal SIGTERM")
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "wait for task exit")
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "force SIGKILL")
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "delete task")
	}
	return nil
}

// KillContainer sends an arbitrary signal to the container's init process.
func (r *ContainerdBackend) KillContainer(ctx context.Context, id types.ContainerId, signal int) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id.String())
	if err != nil {
		return hberrors.Wrap(hberrors.NotFound, err, "load container "+id.String())
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "get task")
	}
	if err := task.Kill(ctx, syscall.Signal(signal)); err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "signal task")
	}
	return nil
}

// PauseContainer freezes the container's cgroup via the task freezer.
func (r *ContainerdBackend) PauseContainer(ctx context.Context, id types.ContainerId) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id.String())
	if err != nil {
		return hberrors.Wrap(hberrors.NotFound, err, "load container "+id.String())
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "get task")
	}
	if err := task.Pause(ctx); err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "pause task")
	}
	return nil
}

// ResumeContainer thaws a previously paused container.
func (r *ContainerdBackend) ResumeContainer(ctx context.Context, id types.ContainerId) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id.String())
	if err != nil {
		return hberrors.Wrap(hberrors.NotFound, err, "load container "+id.String())
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "get task")
	}
	if err := task.Resume(ctx); err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "resume task")
	}
	return nil
}

// RemoveContainer deletes the container and its snapshot, stopping it first
// if still running.
func (r *ContainerdBackend) RemoveContainer(ctx context.Context, id types.ContainerId) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, id.String())
	if err != nil {
		return nil
	}

	if err := r.StopContainer(ctx, id, 10*time.Second); err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "stop before remove")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "delete container "+id.String())
	}
	return nil
}

// UpdateContainer applies new resource limits to a running task's cgroup.
func (r *ContainerdBackend) UpdateContainer(ctx context.Context, id types.ContainerId, resources types.ResourceLimits) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id.String())
	if err != nil {
		return hberrors.Wrap(hberrors.NotFound, err, "load container "+id.String())
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "get task")
	}

	spec := &specs.LinuxResources{}
	if resources.MemoryBytes > 0 {
		limit := resources.MemoryBytes
		spec.Memory = &specs.LinuxMemory{Limit: &limit}
	}
	if resources.CPUMillicores > 0 {
		period := uint64(100000)
		quota := resources.CPUMillicores * 100
		spec.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
	}
	if resources.PidsLimit > 0 {
		spec.Pids = &specs.LinuxPids{Limit: resources.PidsLimit}
	}

	if err := task.Update(ctx, containerd.WithResources(spec)); err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "update task resources")
	}
	return nil
}

// ContainerState maps a containerd task's status onto the daemon's
// Lifecycle enumeration.
func (r *ContainerdBackend) ContainerState(ctx context.Context, id types.ContainerId) (types.Lifecycle, error) {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id.String())
	if err != nil {
		return types.Dead, hberrors.Wrap(hberrors.NotFound, err, "load container "+id.String())
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.Created, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return types.Dead, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "get task status")
	}

	switch status.Status {
	case containerd.Running:
		return types.Running, nil
	case containerd.Paused:
		return types.Paused, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return types.Exited, nil
		}
		return types.Dead, nil
	default:
		return types.Created, nil
	}
}

// ListContainers returns every container id in the daemon's namespace.
func (r *ContainerdBackend) ListContainers(ctx context.Context) ([]types.ContainerId, error) {
	ctx = r.ctx(ctx)
	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "list containers")
	}
	ids := make([]types.ContainerId, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, types.ContainerId(c.ID()))
	}
	return ids, nil
}

// Stats fetches the task's current cgroup metrics but does not decode them;
// the returned Stats is always zero-valued.
func (r *ContainerdBackend) Stats(ctx context.Context, id types.ContainerId) (Stats, error) {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id.String())
	if err != nil {
		return Stats{}, hberrors.Wrap(hberrors.NotFound, err, "load container "+id.String())
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return Stats{}, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "get task")
	}

	metric, err := task.Metrics(ctx)
	if err != nil {
		return Stats{}, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "read task metrics")
	}
	_ = metric // decoding the typeurl payload is cgroup-version-specific; pkg/memory reads cgroup files directly instead.
	return Stats{}, nil
}

// Top lists the processes inside the container's PID namespace by reading
// each pid's /proc/<pid>/cmdline directly, rather than shelling out to ps.
func (r *ContainerdBackend) Top(ctx context.Context, id types.ContainerId) ([]ProcessInfo, error) {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id.String())
	if err != nil {
		return nil, hberrors.Wrap(hberrors.NotFound, err, "load container "+id.String())
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "get task")
	}

	pids, err := task.Pids(ctx)
	if err != nil {
		return nil, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "list task pids")
	}

	procs := make([]ProcessInfo, 0, len(pids))
	for _, p := range pids {
		procs = append(procs, ProcessInfo{PID: int(p.Pid), Command: readCmdline(int(p.Pid))})
	}
	return procs, nil
}

func readCmdline(pid int) string {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return ""
	}
	return strings.ReplaceAll(strings.TrimRight(string(b), "\x00"), "\x00", " ")
}

// Logs opens the container's log stream. Containers started with the
// default NullIO driver have nothing to read; this returns an error until
// the lifecycle coordinator wires a log-capturing cio.Creator at start time.
func (r *ContainerdBackend) Logs(ctx context.Context, id types.ContainerId) (io.ReadCloser, error) {
	return nil, hberrors.New(hberrors.RuntimeExecFailed, "logs require the container to be started with a log-capturing IO driver")
}

// Exec runs a one-off process inside the container's namespaces and
// returns its exit code.
func (r *ContainerdBackend) Exec(ctx context.Context, id types.ContainerId, opts ExecOptions) (int, error) {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id.String())
	if err != nil {
		return -1, hberrors.Wrap(hberrors.NotFound, err, "load container "+id.String())
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return -1, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "get task")
	}

	spec, err := container.Spec(ctx)
	if err != nil {
		return -1, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "read container spec")
	}
	procSpec := spec.Process
	procSpec.Args = opts.Command
	procSpec.Terminal = opts.TTY
	if len(opts.Env) > 0 {
		env := make([]string, 0, len(opts.Env))
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		procSpec.Env = append(procSpec.Env, env...)
	}

	execID := "exec-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	process, err := task.Exec(ctx, execID, procSpec, cio.NewCreator(cio.WithStreams(opts.Stdin, opts.Stdout, opts.Stderr)))
	if err != nil {
		return -1, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "create exec process")
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return -1, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "wait for exec process")
	}
	if err := process.Start(ctx); err != nil {
		return -1, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "start exec process")
	}

	status := <-statusC
	return int(status.ExitCode()), status.Error()
}

// Attach streams stdin/stdout/stderr to and from the container's init
// process. containerd's cio layer only wires IO at task-create time, so
// this only works against a task started with attachable streams.
func (r *ContainerdBackend) Attach(ctx context.Context, id types.ContainerId, stdin io.Reader, stdout, stderr io.Writer) error {
	return hberrors.New(hberrors.RuntimeExecFailed, "attach requires the container's task to have been started with attachable IO")
}

// Wait returns a channel that receives the container's exit status once.
func (r *ContainerdBackend) Wait(ctx context.Context, id types.ContainerId) (<-chan ExitStatus, error) {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id.String())
	if err != nil {
		return nil, hberrors.Wrap(hberrors.NotFound, err, "load container "+id.String())
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "get task")
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return nil, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "wait for task")
	}

	out := make(chan ExitStatus, 1)
	go func() {
		status := <-statusC
		out <- ExitStatus{Code: int(status.ExitCode()), Err: status.Error(), Since: time.Now()}
		close(out)
	}()
	return out, nil
}

// Checkpoint drives containerd's CRIU integration, exporting a checkpoint
// image to opts.ImagePath so it outlives the originating container and is
// swept by the checkpoint manager's own TTL policy.
func (r *ContainerdBackend) Checkpoint(ctx context.Context, id types.ContainerId, opts CheckpointOptions) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id.String())
	if err != nil {
		return hberrors.Wrap(hberrors.NotFound, err, "load container "+id.String())
	}
	if _, err := container.Task(ctx, nil); err != nil {
		return hberrors.Wrap(hberrors.CheckpointFailed, err, "get task")
	}

	img, err := container.Checkpoint(ctx, "hyperbox.io/checkpoint/"+id.String(), containerd.WithCheckpointTaskOnly)
	if err != nil {
		return hberrors.Wrap(hberrors.CheckpointFailed, err, "checkpoint task")
	}

	if err := exportCheckpointImage(ctx, r.client, img, opts.ImagePath); err != nil {
		return hberrors.Wrap(hberrors.CheckpointFailed, err, "export checkpoint image to "+opts.ImagePath)
	}
	return nil
}

// Restore recreates a container from a checkpoint image and starts it,
// returning the restored init process's PID.
func (r *ContainerdBackend) Restore(ctx context.Context, id types.ContainerId, spec types.ContainerSpec, rootfs string, opts RestoreOptions) (int, error) {
	ctx = r.ctx(ctx)

	img, err := importCheckpointImage(ctx, r.client, opts.ImagePath)
	if err != nil {
		return 0, hberrors.Wrap(hberrors.RestoreFailed, err, "import checkpoint image from "+opts.ImagePath)
	}

	sopts := specOpts(spec, rootfs)
	container, err := r.client.NewContainer(ctx, id.String(),
		containerd.WithCheckpoint(img, id.String()+"-snapshot"),
		containerd.WithNewSpec(sopts...),
	)
	if err != nil {
		return 0, hberrors.Wrap(hberrors.RestoreFailed, err, "recreate container from checkpoint")
	}

	task, err := container.NewTask(ctx, cio.NullIO, containerd.WithTaskCheckpoint(img))
	if err != nil {
		return 0, hberrors.Wrap(hberrors.RestoreFailed, err, "create task from checkpoint")
	}
	if err := task.Start(ctx); err != nil {
		return 0, hberrors.Wrap(hberrors.RestoreFailed, err, "start restored task")
	}
	return int(task.Pid()), nil
}

// exportCheckpointImage and importCheckpointImage move a checkpoint's
// content out of, and back into, containerd's content store.
func exportCheckpointImage(ctx context.Context, client *containerd.Client, img containerd.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()
	return client.Export(ctx, w, archive.WithImage(client.ImageService(), img.Name()))
}

func importCheckpointImage(ctx context.Context, client *containerd.Client, path string) (containerd.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	images, err := client.Import(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, hberrors.New(hberrors.RestoreFailed, "checkpoint image archive contained no images")
	}
	return containerd.NewImage(client, images[0]), nil
}
