package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"falconeye/internal/adapter"
	"falconeye/internal/entity"
)

func managedPod(entityID string, kind entity.Kind, node string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: adapter.WorkloadName(kind, entityID),
			Labels: map[string]string{
				adapter.ManagedByLabel:  adapter.ManagedByValue,
				adapter.EntityIDLabel:   entityID,
				adapter.KindLabel:       string(kind),
				adapter.GenerationLabel: "2",
			},
		},
		Spec: corev1.PodSpec{NodeName: node},
	}
}

func TestProjectPod_Running(t *testing.T) {
	pod := managedPod("cam-1", entity.KindCamera, "node-a")
	pod.Status.Phase = corev1.PodRunning
	pod.Status.PodIP = "10.0.0.9"
	transition := metav1.NewTime(time.Now().Add(-time.Minute))
	pod.Status.Conditions = []corev1.PodCondition{{
		Type:               corev1.PodReady,
		Status:             corev1.ConditionTrue,
		LastTransitionTime: transition,
	}}

	w := ProjectPod(pod)
	assert.Equal(t, "cam-1", w.EntityID)
	assert.Equal(t, entity.KindCamera, w.Kind)
	assert.Equal(t, "node-a", w.Node)
	assert.Equal(t, entity.PhaseRunning, w.Phase)
	assert.Equal(t, int64(2), w.Generation)
	assert.Equal(t, "10.0.0.9:8080", w.Address)
	assert.Equal(t, transition.Time, w.LastTransition)
}

func TestProjectPod_Phases(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*corev1.Pod)
		want   entity.WorkloadPhase
	}{
		{
			name:   "fresh pod is pending",
			mutate: func(p *corev1.Pod) {},
			want:   entity.PhasePending,
		},
		{
			name: "running without ready condition is pending",
			mutate: func(p *corev1.Pod) {
				p.Status.Phase = corev1.PodRunning
			},
			want: entity.PhasePending,
		},
		{
			name: "crash loop back off",
			mutate: func(p *corev1.Pod) {
				p.Status.Phase = corev1.PodRunning
				p.Status.ContainerStatuses = []corev1.ContainerStatus{{
					State: corev1.ContainerState{
						Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"},
					},
				}}
			},
			want: entity.PhaseCrashLooping,
		},
		{
			name: "failed pod is crashlooping",
			mutate: func(p *corev1.Pod) {
				p.Status.Phase = corev1.PodFailed
			},
			want: entity.PhaseCrashLooping,
		},
		{
			name: "deletion timestamp wins",
			mutate: func(p *corev1.Pod) {
				now := metav1.Now()
				p.DeletionTimestamp = &now
				p.Status.Phase = corev1.PodRunning
			},
			want: entity.PhaseTerminating,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pod := managedPod("cam-1", entity.KindCamera, "node-a")
			tt.mutate(pod)
			assert.Equal(t, tt.want, ProjectPod(pod).Phase)
		})
	}
}

func TestSnapshot_LookupAbsent(t *testing.T) {
	snap, err := TakeSnapshot(context.Background(), NewFake("node-a"))
	require.NoError(t, err)

	w, exists := snap.Lookup("nope")
	assert.False(t, exists)
	assert.Equal(t, entity.PhaseAbsent, w.Phase)
}

func TestSnapshot_CameraCountByNode(t *testing.T) {
	fake := NewFake("node-a", "node-b")
	ctx := context.Background()

	require.NoError(t, fake.CreatePod(ctx, managedPod("cam-1", entity.KindCamera, "node-a")))
	require.NoError(t, fake.CreatePod(ctx, managedPod("cam-2", entity.KindCamera, "node-a")))
	require.NoError(t, fake.CreatePod(ctx, managedPod("cam-3", entity.KindCamera, "node-b")))
	// Agents never count toward camera spreading.
	require.NoError(t, fake.CreatePod(ctx, managedPod("ag-1", entity.KindAgent, "node-b")))

	snap, err := TakeSnapshot(ctx, fake)
	require.NoError(t, err)

	counts := snap.CameraCountByNode()
	assert.Equal(t, 2, counts["node-a"])
	assert.Equal(t, 1, counts["node-b"])
}
