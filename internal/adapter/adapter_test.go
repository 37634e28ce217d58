package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"falconeye/internal/entity"
)

func testAdapter() *Adapter {
	return New("falcon-eye", Images{
		USBRelay:       "falconeye/usb-relay:1",
		NetworkRelay:   "falconeye/net-relay:1",
		AgentMain:      "falconeye/agent:1",
		AgentAdapter:   "falconeye/agent-adapter:1",
		AgentEphemeral: "falconeye/agent-ephemeral:1",
	})
}

func usbCamera() *entity.Camera {
	return &entity.Camera{
		Entity: entity.Entity{
			ID:             "cam-usb",
			Kind:           entity.KindCamera,
			NodeConstraint: "edge-1",
			Generation:     4,
		},
		Protocol: entity.ProtocolUSB,
		Source:   "/dev/video0",
	}
}

func TestRenderCamera_USB(t *testing.T) {
	a := testAdapter()
	cam := usbCamera()

	pod, err := a.RenderCamera(cam, Placement{Node: "edge-1"})
	require.NoError(t, err)

	assert.Equal(t, "camera-cam-usb", pod.Name)
	assert.Equal(t, "falcon-eye", pod.Namespace)
	assert.Equal(t, ManagedByValue, pod.Labels[ManagedByLabel])
	assert.Equal(t, "cam-usb", pod.Labels[EntityIDLabel])
	assert.Equal(t, "4", pod.Labels[GenerationLabel])
	assert.NotEmpty(t, pod.Labels[SpecHashLabel])

	// USB capture is pinned to the declared node, never scheduler-placed.
	assert.Equal(t, "edge-1", pod.Spec.NodeName)
	require.NotNil(t, pod.Spec.Affinity)

	require.Len(t, pod.Spec.Containers, 1)
	c := pod.Spec.Containers[0]
	assert.Equal(t, "falconeye/usb-relay:1", c.Image)
	require.NotNil(t, c.SecurityContext)
	assert.True(t, *c.SecurityContext.Privileged)

	// The device is mounted at its host path.
	require.Len(t, pod.Spec.Volumes, 1)
	require.NotNil(t, pod.Spec.Volumes[0].HostPath)
	assert.Equal(t, "/dev/video0", pod.Spec.Volumes[0].HostPath.Path)
	require.Len(t, c.VolumeMounts, 1)
	assert.Equal(t, "/dev/video0", c.VolumeMounts[0].MountPath)
}

func TestRenderCamera_Network(t *testing.T) {
	a := testAdapter()
	cam := &entity.Camera{
		Entity:     entity.Entity{ID: "cam-net", Kind: entity.KindCamera},
		Protocol:   entity.ProtocolRTSP,
		Source:     "rtsp://10.1.2.3/stream",
		Resolution: "1920x1080",
	}

	pod, err := a.RenderCamera(cam, Placement{Node: "node-a"})
	require.NoError(t, err)

	assert.Equal(t, "node-a", pod.Spec.NodeName)
	c := pod.Spec.Containers[0]
	assert.Equal(t, "falconeye/net-relay:1", c.Image)
	assert.Nil(t, c.SecurityContext)

	env := envMap(c.Env)
	assert.Equal(t, "rtsp://10.1.2.3/stream", env["CAMERA_SOURCE"])
	assert.Equal(t, "1920x1080", env["CAMERA_RESOLUTION"])
	assert.Equal(t, "rtsp", env["CAMERA_PROTOCOL"])
}

func TestRenderCamera_RecordingMount(t *testing.T) {
	a := testAdapter()
	cam := &entity.Camera{
		Entity:           entity.Entity{ID: "cam-rec", Kind: entity.KindCamera},
		Protocol:         entity.ProtocolRTSP,
		Source:           "rtsp://10.1.2.3/stream",
		RecordingEnabled: true,
	}

	pod, err := a.RenderCamera(cam, Placement{Node: "node-a"})
	require.NoError(t, err)

	env := envMap(pod.Spec.Containers[0].Env)
	assert.Equal(t, "/recordings/cam-rec", env["RECORDING_DIR"])

	var claims []string
	for _, v := range pod.Spec.Volumes {
		if v.PersistentVolumeClaim != nil {
			claims = append(claims, v.PersistentVolumeClaim.ClaimName)
		}
	}
	assert.Contains(t, claims, "falconeye-recordings")
}

func TestRenderCamera_UnknownProtocol(t *testing.T) {
	a := testAdapter()
	cam := &entity.Camera{
		Entity:   entity.Entity{ID: "cam-x", Kind: entity.KindCamera},
		Protocol: entity.Protocol("webrtc"),
	}

	_, err := a.RenderCamera(cam, Placement{})
	assert.Error(t, err)
}

func TestRenderAgent(t *testing.T) {
	a := testAdapter()

	tests := []struct {
		name      string
		kind      entity.AgentKind
		wantImage string
	}{
		{"main", entity.AgentKindMain, "falconeye/agent:1"},
		{"channel adapter", entity.AgentKindChannelAdapter, "falconeye/agent-adapter:1"},
		{"ephemeral", entity.AgentKindEphemeral, "falconeye/agent-ephemeral:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ag := &entity.Agent{
				Entity:      entity.Entity{ID: "ag-1", Kind: entity.KindAgent},
				AgentKind:   tt.kind,
				SpawnReason: "parent-1",
			}
			pod, err := a.RenderAgent(ag, Placement{Node: "node-a"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantImage, pod.Spec.Containers[0].Image)

			env := envMap(pod.Spec.Containers[0].Env)
			if tt.kind == entity.AgentKindEphemeral {
				assert.Equal(t, "parent-1", env["PARENT_AGENT_ID"])
			} else {
				assert.NotContains(t, env, "PARENT_AGENT_ID")
			}
		})
	}
}

func TestSpecHash_Stability(t *testing.T) {
	a := testAdapter()
	cam := usbCamera()

	first, err := a.RenderCamera(cam, Placement{Node: "edge-1"})
	require.NoError(t, err)
	second, err := a.RenderCamera(cam, Placement{Node: "edge-1"})
	require.NoError(t, err)

	// Deterministic: the same declared state always hashes identically.
	assert.Equal(t, first.Labels[SpecHashLabel], second.Labels[SpecHashLabel])

	// Generation alone does not change the rendered spec.
	cam.Generation = 5
	bumped, err := a.RenderCamera(cam, Placement{Node: "edge-1"})
	require.NoError(t, err)
	assert.Equal(t, first.Labels[SpecHashLabel], bumped.Labels[SpecHashLabel])

	// A source change does.
	cam.Source = "/dev/video1"
	changed, err := a.RenderCamera(cam, Placement{Node: "edge-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Labels[SpecHashLabel], changed.Labels[SpecHashLabel])
}

func envMap(env []corev1.EnvVar) map[string]string {
	m := make(map[string]string, len(env))
	for _, e := range env {
		m[e.Name] = e.Value
	}
	return m
}
