// Package adapter renders declared entities into concrete workload
// specifications.
//
// Render is a pure function: given the same entity and placement it always
// produces the same pod spec, which keeps it independently testable and lets
// the reconciler compare a live workload against the spec the current
// generation would render.
package adapter

import (
	"fmt"
	"hash/fnv"
	"path"
	"sort"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"falconeye/internal/entity"
)

// Labels applied to every managed workload. The projection, the garbage
// collector and the orphan sweep all key off ManagedByLabel.
const (
	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedByValue = "falcon-eye"

	EntityIDLabel   = "falcon-eye.io/entity-id"
	KindLabel       = "falcon-eye.io/kind"
	GenerationLabel = "falcon-eye.io/generation"
	SpecHashLabel   = "falcon-eye.io/spec-hash"
)

// RelayPort is the HTTP port every relay and agent container serves control
// and stream traffic on. The proxy builds workload addresses from it.
const RelayPort = 8080

const (
	recordingsClaim   = "falconeye-recordings"
	sharedClaim       = "falconeye-shared"
	recordingsMount   = "/recordings"
	sharedMount       = "/shared"
	deviceVolumeName  = "capture-device"
	defaultResolution = "1280x720"
)

// Images maps workload variants to container images.
type Images struct {
	USBRelay       string
	NetworkRelay   string
	AgentMain      string
	AgentAdapter   string
	AgentEphemeral string
}

// Placement is the node decision made by the reconciler before rendering.
type Placement struct {
	// Node is the target node name. Empty leaves scheduling to the cluster,
	// which is only valid for entities without a node constraint.
	Node string
}

// Adapter renders entities into pod specs.
type Adapter struct {
	namespace string
	images    Images
}

// New creates an adapter rendering into the given namespace with the given
// image map.
func New(namespace string, images Images) *Adapter {
	return &Adapter{namespace: namespace, images: images}
}

// cameraBuilder builds the protocol-specific parts of a camera pod.
type cameraBuilder func(a *Adapter, c *entity.Camera, pod *corev1.Pod)

// cameraBuilders is the closed protocol dispatch table. Adding a protocol is
// a compile-time-checked addition here plus a constant in the entity package.
var cameraBuilders = map[entity.Protocol]cameraBuilder{
	entity.ProtocolUSB:   (*Adapter).buildUSB,
	entity.ProtocolRTSP:  (*Adapter).buildNetwork,
	entity.ProtocolHTTP:  (*Adapter).buildNetwork,
	entity.ProtocolONVIF: (*Adapter).buildNetwork,
}

// WorkloadName returns the deterministic pod name for an entity.
func WorkloadName(kind entity.Kind, id string) string {
	return fmt.Sprintf("%s-%s", kind, id)
}

// RenderCamera renders the pod spec for a camera at the given placement.
func (a *Adapter) RenderCamera(c *entity.Camera, placement Placement) (*corev1.Pod, error) {
	build, ok := cameraBuilders[c.Protocol]
	if !ok {
		return nil, fmt.Errorf("no builder for protocol %q", c.Protocol)
	}

	pod := a.basePod(&c.Entity, placement)

	resolution := c.Resolution
	if resolution == "" {
		resolution = defaultResolution
	}
	container := corev1.Container{
		Name: "relay",
		Env: []corev1.EnvVar{
			{Name: "CAMERA_ID", Value: c.ID},
			{Name: "CAMERA_SOURCE", Value: c.Source},
			{Name: "CAMERA_RESOLUTION", Value: resolution},
		},
		Ports: []corev1.ContainerPort{
			{Name: "relay", ContainerPort: RelayPort, Protocol: corev1.ProtocolTCP},
		},
		Resources: relayResources(),
	}
	pod.Spec.Containers = []corev1.Container{container}

	if c.RecordingEnabled {
		mountClaim(pod, recordingsClaim, "recordings", recordingsMount)
		setEnv(pod, "RECORDING_DIR", path.Join(recordingsMount, c.ID))
	}

	build(a, c, pod)

	pod.Labels[SpecHashLabel] = SpecHash(pod)
	return pod, nil
}

// RenderAgent renders the pod spec for an agent at the given placement.
func (a *Adapter) RenderAgent(ag *entity.Agent, placement Placement) (*corev1.Pod, error) {
	var image string
	switch ag.AgentKind {
	case entity.AgentKindMain:
		image = a.images.AgentMain
	case entity.AgentKindChannelAdapter:
		image = a.images.AgentAdapter
	case entity.AgentKindEphemeral:
		image = a.images.AgentEphemeral
	default:
		return nil, fmt.Errorf("no image for agent kind %q", ag.AgentKind)
	}

	pod := a.basePod(&ag.Entity, placement)
	container := corev1.Container{
		Name:  "agent",
		Image: image,
		Env: []corev1.EnvVar{
			{Name: "AGENT_ID", Value: ag.ID},
			{Name: "AGENT_KIND", Value: string(ag.AgentKind)},
		},
		Ports: []corev1.ContainerPort{
			{Name: "agent", ContainerPort: RelayPort, Protocol: corev1.ProtocolTCP},
		},
		Resources: relayResources(),
	}
	pod.Spec.Containers = []corev1.Container{container}

	mountClaim(pod, sharedClaim, "shared", sharedMount)
	if ag.AgentKind == entity.AgentKindEphemeral {
		setEnv(pod, "PARENT_AGENT_ID", ag.SpawnReason)
	}

	pod.Labels[SpecHashLabel] = SpecHash(pod)
	return pod, nil
}

// basePod builds the labels, metadata and placement shared by all workloads.
func (a *Adapter) basePod(e *entity.Entity, placement Placement) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      WorkloadName(e.Kind, e.ID),
			Namespace: a.namespace,
			Labels: map[string]string{
				ManagedByLabel:  ManagedByValue,
				EntityIDLabel:   e.ID,
				KindLabel:       string(e.Kind),
				GenerationLabel: strconv.FormatInt(e.Generation, 10),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyAlways,
		},
	}
	if placement.Node != "" {
		pod.Spec.NodeName = placement.Node
	}
	return pod
}

// buildUSB pins the pod to the declared node and mounts the capture device.
// A USB relay on any other node would silently see no device and crash-loop.
func (a *Adapter) buildUSB(c *entity.Camera, pod *corev1.Pod) {
	container := &pod.Spec.Containers[0]
	container.Image = a.images.USBRelay

	// NodeName bypasses the scheduler entirely; the affinity term documents
	// the constraint for anything inspecting the spec.
	pod.Spec.NodeName = c.NodeConstraint
	pod.Spec.Affinity = &corev1.Affinity{
		NodeAffinity: &corev1.NodeAffinity{
			RequiredDuringSchedulingIgnoredDuringExecution: &corev1.NodeSelector{
				NodeSelectorTerms: []corev1.NodeSelectorTerm{{
					MatchFields: []corev1.NodeSelectorRequirement{{
						Key:      "metadata.name",
						Operator: corev1.NodeSelectorOpIn,
						Values:   []string{c.NodeConstraint},
					}},
				}},
			},
		},
	}

	hostPathType := corev1.HostPathCharDev
	pod.Spec.Volumes = append(pod.Spec.Volumes, corev1.Volume{
		Name: deviceVolumeName,
		VolumeSource: corev1.VolumeSource{
			HostPath: &corev1.HostPathVolumeSource{Path: c.Source, Type: &hostPathType},
		},
	})
	container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
		Name:      deviceVolumeName,
		MountPath: c.Source,
	})

	privileged := true
	container.SecurityContext = &corev1.SecurityContext{Privileged: &privileged}
}

// buildNetwork configures the network relay for rtsp/http/onvif sources.
func (a *Adapter) buildNetwork(c *entity.Camera, pod *corev1.Pod) {
	container := &pod.Spec.Containers[0]
	container.Image = a.images.NetworkRelay
	setEnv(pod, "CAMERA_PROTOCOL", string(c.Protocol))
}

func relayResources() corev1.ResourceRequirements {
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("100m"),
			corev1.ResourceMemory: resource.MustParse("128Mi"),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceMemory: resource.MustParse("512Mi"),
		},
	}
}

func mountClaim(pod *corev1.Pod, claim, volumeName, mountPath string) {
	pod.Spec.Volumes = append(pod.Spec.Volumes, corev1.Volume{
		Name: volumeName,
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: claim},
		},
	})
	c := &pod.Spec.Containers[0]
	c.VolumeMounts = append(c.VolumeMounts, corev1.VolumeMount{Name: volumeName, MountPath: mountPath})
}

func setEnv(pod *corev1.Pod, name, value string) {
	c := &pod.Spec.Containers[0]
	c.Env = append(c.Env, corev1.EnvVar{Name: name, Value: value})
}

// SpecHash computes a stable hash over the parts of a pod spec that matter
// for divergence detection: image, env, node pinning, volumes. The hash is
// stored as a label so a live pod can be compared against the spec its
// entity's current generation would render without a deep spec diff.
func SpecHash(pod *corev1.Pod) string {
	h := fnv.New64a()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	write(pod.Spec.NodeName)
	for _, c := range pod.Spec.Containers {
		write(c.Name)
		write(c.Image)

		env := make([]string, 0, len(c.Env))
		for _, e := range c.Env {
			env = append(env, e.Name+"="+e.Value)
		}
		sort.Strings(env)
		for _, e := range env {
			write(e)
		}
		for _, m := range c.VolumeMounts {
			write(m.Name + ":" + m.MountPath)
		}
	}
	for _, v := range pod.Spec.Volumes {
		write(v.Name)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
