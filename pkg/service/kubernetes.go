package service

import (
	"context"
	"fmt"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// DefaultAvailability is the node availability percentage a cluster must
// reach to be healthy
const DefaultAvailability = 100

// KubernetesService probes a cluster by listing its nodes and measuring
// how many report an Unknown condition status (the signal of a node the
// control plane lost contact with).
type KubernetesService struct {
	name         string
	kubeContext  string
	availability int
	newClient    func() (kubernetes.Interface, error)
}

// NewKubernetesService creates a probe for one cluster, addressed by its
// kubeconfig context name
func NewKubernetesService(name, kubeContext string, availability int) *KubernetesService {
	if availability <= 0 {
		availability = DefaultAvailability
	}
	s := &KubernetesService{
		name:         name,
		kubeContext:  kubeContext,
		availability: availability,
	}
	s.newClient = s.contextClient
	return s
}

// WithClient fixes the clientset instead of building one from the
// kubeconfig context
func (s *KubernetesService) WithClient(client kubernetes.Interface) *KubernetesService {
	s.newClient = func() (kubernetes.Interface, error) { return client, nil }
	return s
}

func (s *KubernetesService) contextClient() (kubernetes.Interface, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{CurrentContext: s.kubeContext}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig context %s: %w", s.kubeContext, err)
	}
	return kubernetes.NewForConfig(cfg)
}

func (s *KubernetesService) Kind() Kind          { return KindKubernetes }
func (s *KubernetesService) Category() string    { return CategoryInfra }
func (s *KubernetesService) NS() string          { return "" }
func (s *KubernetesService) Description() string { return s.name }

func (s *KubernetesService) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", KindKubernetes, s.name, s.kubeContext, s.availability)
}

func (s *KubernetesService) String() string {
	return fmt.Sprintf("kubernetes name=%s, context=%s", s.name, s.kubeContext)
}

// Check lists the cluster nodes and compares availability to the
// threshold
func (s *KubernetesService) Check(ctx context.Context) (Status, Extra) {
	client, err := s.newClient()
	if err != nil {
		return StatusFail, Extra{"exception": err.Error()}
	}

	nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return StatusFail, Extra{"exception": err.Error()}
	}

	total := len(nodes.Items)
	unknown := 0
	for _, node := range nodes.Items {
		for _, cond := range node.Status.Conditions {
			if cond.Status == corev1.ConditionUnknown {
				unknown++
				break
			}
		}
	}

	if total > 0 {
		availability := 100 - float64(unknown)*100/float64(total)
		if availability >= float64(s.availability) {
			return StatusOK, nil
		}
	}
	return StatusFail, Extra{
		"ready":   strconv.Itoa(total - unknown),
		"unknown": strconv.Itoa(unknown),
	}
}
