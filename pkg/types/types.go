// Package types holds the declarative value types shared across the daemon
// core: container identifiers and specs, runtime records, image and layer
// metadata, checkpoints, usage events, and aggregate metrics.
package types

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ContainerId is a short opaque printable identifier, generated once per
// container.
type ContainerId string

// NewContainerId generates a fresh 12 hex-character container id.
func NewContainerId() ContainerId {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return ContainerId(hex.EncodeToString(b[:]))
}

func (c ContainerId) String() string { return string(c) }

// ImageRef is the parsed (registry, repository, tag|digest) triple.
type ImageRef struct {
	Registry   string
	Repository string
	Tag        string // empty when Digest is set
	Digest     string // "sha256:..."
}

const defaultRegistry = "docker.io"

// ParseImageRef parses a canonical "registry/repo:tag" or
// "registry/repo@sha256:..." reference, applying the default registry and
// "library/" prefix when omitted.
func ParseImageRef(s string) (ImageRef, error) {
	if s == "" {
		return ImageRef{}, fmt.Errorf("empty image reference")
	}

	ref := s
	registry := ""

	// Split off registry if the first path segment looks like a host
	// (contains a dot, colon, or is "localhost").
	if slash := strings.Index(ref, "/"); slash != -1 {
		candidate := ref[:slash]
		if strings.ContainsAny(candidate, ".:") || candidate == "localhost" {
			registry = candidate
			ref = ref[slash+1:]
		}
	}
	if registry == "" {
		registry = defaultRegistry
	}

	var digest, tag string
	if at := strings.Index(ref, "@"); at != -1 {
		digest = ref[at+1:]
		ref = ref[:at]
	} else if colon := strings.LastIndex(ref, ":"); colon != -1 && !strings.Contains(ref[colon:], "/") {
		tag = ref[colon+1:]
		ref = ref[:colon]
	}

	repo := ref
	if !strings.Contains(repo, "/") && registry == defaultRegistry {
		repo = "library/" + repo
	}
	if digest == "" && tag == "" {
		tag = "latest"
	}

	return ImageRef{Registry: registry, Repository: repo, Tag: tag, Digest: digest}, nil
}

// Format renders the ImageRef back to canonical form such that
// ParseImageRef(ref.Format()) == ref for any ref built by ParseImageRef.
func (r ImageRef) Format() string {
	base := fmt.Sprintf("%s/%s", r.Registry, r.Repository)
	if r.Digest != "" {
		return base + "@" + r.Digest
	}
	return base + ":" + r.Tag
}

func (r ImageRef) String() string { return r.Format() }

// MountKind enumerates the mount kinds a ContainerSpec.Mount may request.
type MountKind string

const (
	MountBind   MountKind = "bind"
	MountVolume MountKind = "volume"
	MountTmpfs  MountKind = "tmpfs"
)

// Mount describes one filesystem mount inside the container.
type Mount struct {
	HostPath      string    `json:"host_path,omitempty"`
	ContainerPath string    `json:"container_path"`
	ReadOnly      bool      `json:"read_only"`
	Kind          MountKind `json:"kind"`
}

// Protocol enumerates transport protocols for a PortMapping.
type Protocol string

const (
	ProtoTCP Protocol = "tcp"
	ProtoUDP Protocol = "udp"
)

// PortMapping declares one host<->container port binding.
type PortMapping struct {
	HostPort      int      `json:"host_port"`
	ContainerPort int      `json:"container_port"`
	Protocol      Protocol `json:"protocol"`
	HostIP        string   `json:"host_ip,omitempty"`
}

// ResourceLimits bounds a container's use of CPU, memory, PIDs and IO.
type ResourceLimits struct {
	CPUMillicores int64 `json:"cpu_millicores,omitempty"`
	MemoryBytes   int64 `json:"memory_bytes,omitempty"`
	SwapBytes     int64 `json:"swap_bytes,omitempty"`
	PidsLimit     int64 `json:"pids_limit,omitempty"`
	IOReadBPS     int64 `json:"io_read_bps,omitempty"`
	IOWriteBPS    int64 `json:"io_write_bps,omitempty"`
}

// RestartPolicy enumerates the restart behaviors a ContainerSpec may request.
type RestartPolicy string

const (
	RestartNo            RestartPolicy = "no"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartAlways        RestartPolicy = "always"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// ContainerSpec is the declarative input to container creation.
type ContainerSpec struct {
	Image         string            `json:"image"`
	Command       []string          `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	WorkingDir    string            `json:"working_dir,omitempty"`
	User          string            `json:"user,omitempty"`
	Mounts        []Mount           `json:"mounts,omitempty"`
	Ports         []PortMapping     `json:"ports,omitempty"`
	Resources     ResourceLimits    `json:"resources,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	RestartPolicy RestartPolicy     `json:"restart_policy,omitempty"`
	Hostname      string            `json:"hostname,omitempty"`
	Privileged    bool              `json:"privileged,omitempty"`
	ReadOnlyRoot  bool              `json:"read_only_root,omitempty"`
	TTY           bool              `json:"tty,omitempty"`
	StdinOpen     bool              `json:"stdin_open,omitempty"`
}

// Fingerprint is a stable hash of the spec's JSON normalisation, used as
// the lookup key for checkpoints and pre-warm instances. encoding/json
// sorts map[string]string keys on its own; slice order (e.g. Command/Args)
// is semantically significant and left as-is.
func (s ContainerSpec) Fingerprint() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return sha256Hex(b), nil
}

// Lifecycle enumerates the states a ContainerState may occupy.
type Lifecycle string

const (
	Creating Lifecycle = "creating"
	Created  Lifecycle = "created"
	Running  Lifecycle = "running"
	Paused   Lifecycle = "paused"
	Stopping Lifecycle = "stopping"
	Stopped  Lifecycle = "stopped"
	Removing Lifecycle = "removing"
	Exited   Lifecycle = "exited"
	Dead     Lifecycle = "dead"
)

// ContainerState is the full runtime record the lifecycle coordinator
// mutates as a container moves through its state machine.
type ContainerState struct {
	Id             ContainerId   `json:"id"`
	Spec           ContainerSpec `json:"spec"`
	Lifecycle      Lifecycle     `json:"lifecycle"`
	PID            int           `json:"pid,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	AllocatedPorts []PortMapping `json:"allocated_ports,omitempty"`
	AssignedIP     string        `json:"assigned_ip,omitempty"`
	CgroupPath     string        `json:"cgroup_path,omitempty"`
	RootfsPath     string        `json:"rootfs_path,omitempty"`
	NetnsPath      string        `json:"netns_path,omitempty"`
	// VethHostName is the host-side veth interface name created for this
	// container's network namespace, kept so teardown can tear the pair
	// down again after a daemon restart without recomputing it.
	VethHostName string `json:"veth_host_name,omitempty"`
	HasCheckpoint  bool          `json:"has_checkpoint"`
	IsPrewarmed    bool          `json:"is_prewarmed"`
	LastExitCode   int           `json:"last_exit_code"`
	ProjectID      string        `json:"project_id,omitempty"`
	// LayerDigests is the set of image layer digests this container holds
	// a reference on, recorded at create time so removal can decrement the
	// right refcounts without re-resolving the image.
	LayerDigests []string `json:"layer_digests,omitempty"`
}

// ImageRecord describes a pulled, locally-cached image.
type ImageRecord struct {
	Digest      string    `json:"digest"`
	Tags        []string  `json:"tags,omitempty"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	Layers      []string  `json:"layers"` // layer digests, bottom-up
	Accelerated bool      `json:"accelerated"`
}

// LayerInfo describes one content-addressed filesystem layer.
type LayerInfo struct {
	Digest         string `json:"digest"`
	DiffID         string `json:"diff_id"`
	CompressedSize int64  `json:"compressed_size"`
	ExtractedSize  int64  `json:"extracted_size"`
	ExtractedPath  string `json:"extracted_path"`
	MediaType      string `json:"media_type"`
	Refcount       int    `json:"refcount"`
}

// CheckpointRecord describes one CRIU checkpoint image.
type CheckpointRecord struct {
	ID            string        `json:"id"`
	Fingerprint   string        `json:"fingerprint"`
	Path          string        `json:"path"`
	CreatedAt     time.Time     `json:"created_at"`
	Size          int64         `json:"size"`
	TTL           time.Duration `json:"ttl"`
	KernelVersion string        `json:"kernel_version"`
}

// Expired reports whether the checkpoint's TTL has elapsed as of now.
func (c CheckpointRecord) Expired(now time.Time) bool {
	if c.TTL <= 0 {
		return true
	}
	return now.Sub(c.CreatedAt) > c.TTL
}

// UsageEvent records one image launch for the predictor.
type UsageEvent struct {
	Image       string    `json:"image"`
	Timestamp   time.Time `json:"timestamp"`
	GroupKey    string    `json:"group_key,omitempty"`
	DurationSec float64   `json:"duration_sec"`
}

// EventKind enumerates the lifecycle transitions and operational
// occurrences the daemon broadcasts to subscribers.
type EventKind string

const (
	EventContainerCreated   EventKind = "container.created"
	EventContainerStarted   EventKind = "container.started"
	EventContainerStopped   EventKind = "container.stopped"
	EventContainerRemoved   EventKind = "container.removed"
	EventContainerFailed    EventKind = "container.failed"
	EventCheckpointCreated  EventKind = "checkpoint.created"
	EventContainerRestored  EventKind = "container.restored"
)

// Event is one occurrence on the daemon's broadcast channel. Detail carries
// kind-specific context (e.g. exit code on EventContainerStopped) without
// needing a type per kind.
type Event struct {
	ContainerId ContainerId    `json:"container_id,omitempty"`
	Kind        EventKind      `json:"kind"`
	At          time.Time      `json:"at"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// ProjectStatus enumerates the states a Project may occupy.
type ProjectStatus string

const (
	ProjectRunning ProjectStatus = "running"
	ProjectStopped ProjectStatus = "stopped"
	ProjectClosed  ProjectStatus = "closed"
)

// Project groups a set of containers launched together (e.g. from one
// compose-style spec) so their ports, lifecycle and removal can be managed
// as a unit. ContainerState.ProjectID is the only back-reference; Project
// itself holds the forward list so the daemon never has to scan every
// container to answer "what's in this project".
type Project struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Status     ProjectStatus `json:"status"`
	Containers []ContainerId `json:"containers,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ClosedAt   time.Time     `json:"closed_at,omitempty"`
}

// Metrics holds the monotone counters and rolling averages tracked for the
// daemon as a whole. Field mutation is owned by the metrics aggregator in
// pkg/daemon; this struct is the point-in-time snapshot handed out to
// readers.
type Metrics struct {
	ColdStarts         int64   `json:"cold_starts"`
	WarmStarts         int64   `json:"warm_starts"`
	CheckpointsCreated int64   `json:"checkpoints_created"`
	Restores           int64   `json:"restores"`
	LazyLoadHits       int64   `json:"lazy_load_hits"`
	LazyLoadMisses     int64   `json:"lazy_load_misses"`
	PrewarmHits        int64   `json:"prewarm_hits"`
	PrewarmMisses      int64   `json:"prewarm_misses"`
	AvgColdStartMS     float64 `json:"avg_cold_start_ms"`
	AvgWarmStartMS     float64 `json:"avg_warm_start_ms"`
}

// sortedKeys is kept for callers needing deterministic iteration over
// label/env maps (e.g. OCI spec construction).
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
