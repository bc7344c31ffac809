// Package k8s provides in-cluster peer discovery and compute-budget
// auto-detection for a worker running as a StatefulSet pod (SPEC_FULL.md
// §4.11), adapted from the teacher's cmn/k8s package (same "Init,
// client, misc. helpers" shape, trimmed to what a symmetric worker
// needs: sibling-pod addresses and a per-pod resource snapshot).
package k8s

import (
	"context"
	"fmt"
	"os"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"
)

// EnvEnabled is the marker SPEC_FULL.md §4.11 names (the teacher's
// AIS_K8S, renamed for this project).
const EnvEnabled = "DISTQE_K8S"

const envNamespace = "POD_NAMESPACE"

// InCluster reports whether EnvEnabled is set, the signal workerproc
// uses to decide whether to call NewClient at all rather than fail
// trying to reach an API server that was never going to be there.
func InCluster() bool { return os.Getenv(EnvEnabled) != "" }

// Client wraps the two clientsets a worker actually calls: the core
// API for pod listing, the metrics API for resource usage.
type Client struct {
	pods      kubernetes.Interface
	metrics   metricsclientset.Interface
	namespace string
}

// NewClient builds both clientsets from the pod's in-cluster
// ServiceAccount config (the only configuration mode a worker running
// inside the cluster needs — there is no kubeconfig file to read).
func NewClient() (*Client, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("k8s: in-cluster config: %w", err)
	}
	pods, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8s: building clientset: %w", err)
	}
	metrics, err := metricsclientset.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8s: building metrics clientset: %w", err)
	}
	ns := os.Getenv(envNamespace)
	if ns == "" {
		ns = "default"
	}
	return &Client{pods: pods, metrics: metrics, namespace: ns}, nil
}

// statefulSetNameOf strips a StatefulSet pod name's ordinal suffix
// ("distqe-worker-2" -> "distqe-worker"), the naming convention every
// StatefulSet pod follows.
func statefulSetNameOf(podName string) string {
	if i := strings.LastIndexByte(podName, '-'); i >= 0 {
		return podName[:i]
	}
	return podName
}

// Peers lists the pod IPs of every other pod owned by selfPodName's
// StatefulSet (SPEC_FULL.md §4.11 "lists sibling pods... and treats
// each as an additional peer address"). A pod without an assigned IP
// yet (still Pending) is skipped rather than erroring, since the set
// is expected to grow as the StatefulSet finishes scaling up.
func (c *Client) Peers(ctx context.Context, selfPodName string) ([]string, error) {
	owner := statefulSetNameOf(selfPodName)
	list, err := c.pods.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("k8s: listing pods in %q: %w", c.namespace, err)
	}
	var peers []string
	for _, pod := range list.Items {
		if pod.Name == selfPodName || pod.Status.PodIP == "" {
			continue
		}
		if ownedByStatefulSet(pod.OwnerReferences, owner) {
			peers = append(peers, pod.Status.PodIP)
		}
	}
	return peers, nil
}

func ownedByStatefulSet(refs []metav1.OwnerReference, name string) bool {
	for _, r := range refs {
		if r.Kind == "StatefulSet" && r.Name == name {
			return true
		}
	}
	return false
}

// ComputeBudget reads containerName's current resource usage from the
// metrics API and returns it as the pair cmn/config.Compute expects,
// used when --allowed-compute-memory-mib/--allowed-compute-cpu-thousandths
// are left at zero (SPEC_FULL.md §4.11).
func (c *Client) ComputeBudget(ctx context.Context, podName, containerName string) (memoryMiB, cpuThousandths int, err error) {
	m, err := c.metrics.MetricsV1beta1().PodMetricses(c.namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("k8s: pod metrics for %q: %w", podName, err)
	}
	for _, cm := range m.Containers {
		if cm.Name != containerName {
			continue
		}
		mem := cm.Usage[corev1.ResourceMemory]
		cpu := cm.Usage[corev1.ResourceCPU]
		return int(mem.Value() / (1024 * 1024)), int(cpu.MilliValue()), nil
	}
	return 0, 0, fmt.Errorf("k8s: container %q not found in pod %q metrics", containerName, podName)
}
