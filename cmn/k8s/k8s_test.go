package k8s

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	fakekube "k8s.io/client-go/kubernetes/fake"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	fakemetrics "k8s.io/metrics/pkg/client/clientset/versioned/fake"
)

func statefulSetPod(name, ip string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			OwnerReferences: []metav1.OwnerReference{{Kind: "StatefulSet", Name: "distqe-worker"}},
		},
		Status: corev1.PodStatus{PodIP: ip},
	}
}

func TestPeersListsOtherStatefulSetPodsOnly(t *testing.T) {
	cs := fakekube.NewSimpleClientset(
		statefulSetPod("distqe-worker-0", "10.0.0.1"),
		statefulSetPod("distqe-worker-1", "10.0.0.2"),
		statefulSetPod("distqe-worker-2", ""), // not yet assigned an IP
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "unrelated-0"}, Status: corev1.PodStatus{PodIP: "10.0.0.9"}},
	)
	c := &Client{pods: cs, namespace: "default"}

	peers, err := c.Peers(context.Background(), "distqe-worker-0")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0] != "10.0.0.2" {
		t.Fatalf("peers = %v, want [10.0.0.2]", peers)
	}
}

func TestComputeBudgetReadsNamedContainer(t *testing.T) {
	pm := &metricsv1beta1.PodMetrics{
		ObjectMeta: metav1.ObjectMeta{Name: "distqe-worker-0", Namespace: "default"},
		Containers: []metricsv1beta1.ContainerMetrics{
			{
				Name: "worker",
				Usage: corev1.ResourceList{
					corev1.ResourceMemory: resource.MustParse("512Mi"),
					corev1.ResourceCPU:    resource.MustParse("750m"),
				},
			},
		},
	}
	mc := fakemetrics.NewSimpleClientset(pm)
	c := &Client{metrics: mc, namespace: "default"}

	mem, cpu, err := c.ComputeBudget(context.Background(), "distqe-worker-0", "worker")
	if err != nil {
		t.Fatal(err)
	}
	if mem != 512 {
		t.Fatalf("memoryMiB = %d, want 512", mem)
	}
	if cpu != 750 {
		t.Fatalf("cpuThousandths = %d, want 750", cpu)
	}
}

func TestComputeBudgetUnknownContainer(t *testing.T) {
	pm := &metricsv1beta1.PodMetrics{ObjectMeta: metav1.ObjectMeta{Name: "distqe-worker-0", Namespace: "default"}}
	mc := fakemetrics.NewSimpleClientset(pm)
	c := &Client{metrics: mc, namespace: "default"}

	if _, _, err := c.ComputeBudget(context.Background(), "distqe-worker-0", "worker"); err == nil {
		t.Fatal("expected an error for a container absent from the metrics snapshot")
	}
}

func TestStatefulSetNameOf(t *testing.T) {
	cases := map[string]string{
		"distqe-worker-0":  "distqe-worker",
		"distqe-worker-12": "distqe-worker",
		"standalone":       "standalone",
	}
	for in, want := range cases {
		if got := statefulSetNameOf(in); got != want {
			t.Fatalf("statefulSetNameOf(%q) = %q, want %q", in, got, want)
		}
	}
}
