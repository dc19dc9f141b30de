package endpoint

import (
	"context"
	"fmt"
	"log"

	"github.com/gluk-w/claworc/forwarder/internal/logutil"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// NewKubernetesClient builds a clientset from the in-cluster config, falling
// back to the user's kubeconfig.
func NewKubernetesClient() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("k8s config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	return clientset, nil
}

// KubernetesPublisher publishes a ClusterIP Service that selects the hub pod
// itself, so traffic to the Service lands on the locally forwarded port.
type KubernetesPublisher struct {
	client     kubernetes.Interface
	namespace  string
	hubService string
}

var _ Lister = (*KubernetesPublisher)(nil)

// NewKubernetesPublisher creates a publisher for namespace. hubService names
// the hub's own Service; its selector and labels are reused.
func NewKubernetesPublisher(client kubernetes.Interface, namespace, hubService string) *KubernetesPublisher {
	return &KubernetesPublisher{client: client, namespace: namespace, hubService: hubService}
}

// Namespace returns the namespace Services are created in.
func (k *KubernetesPublisher) Namespace() string {
	return k.namespace
}

func (k *KubernetesPublisher) hubSelector(ctx context.Context) (map[string]string, error) {
	svc, err := k.client.CoreV1().Services(k.namespace).Get(ctx, k.hubService, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get hub service %s: %w", k.hubService, err)
	}
	if len(svc.Spec.Selector) == 0 {
		return nil, fmt.Errorf("hub service %s has no selector", k.hubService)
	}
	return svc.Spec.Selector, nil
}

// Publish creates the Service. If one with the same name exists it is deleted
// and created again; clients see a short gap instead of a failed start.
func (k *KubernetesPublisher) Publish(ctx context.Context, req Request) (string, int, error) {
	selector, err := k.hubSelector(ctx)
	if err != nil {
		return "", 0, err
	}

	svc := buildService(req, k.namespace, selector)
	services := k.client.CoreV1().Services(k.namespace)

	_, err = services.Create(ctx, svc, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		log.Printf("[endpoint] service %s already exists, recreating", logutil.SanitizeForLog(req.Name))
		if err := services.Delete(ctx, req.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			return "", 0, fmt.Errorf("delete service %s: %w", req.Name, err)
		}
		_, err = services.Create(ctx, svc, metav1.CreateOptions{})
	}
	if err != nil {
		return "", 0, fmt.Errorf("create service %s: %w", req.Name, err)
	}

	log.Printf("[endpoint] published service %s/%s port %d", k.namespace, logutil.SanitizeForLog(req.Name), req.Port)
	return req.Name, req.Port, nil
}

// Unpublish deletes the Service.
func (k *KubernetesPublisher) Unpublish(ctx context.Context, name string) error {
	if err := k.client.CoreV1().Services(k.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		return fmt.Errorf("delete service %s: %w", name, err)
	}
	log.Printf("[endpoint] removed service %s/%s", k.namespace, logutil.SanitizeForLog(name))
	return nil
}

// List returns the names of Services this publisher created.
func (k *KubernetesPublisher) List(ctx context.Context) ([]string, error) {
	list, err := k.client.CoreV1().Services(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", ComponentLabel, ComponentValue),
	})
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	names := make([]string, 0, len(list.Items))
	for _, svc := range list.Items {
		names = append(names, svc.Name)
	}
	return names, nil
}

func buildService(req Request, ns string, hubSelector map[string]string) *corev1.Service {
	labels := make(map[string]string, len(hubSelector)+len(req.ExtraLabels)+1)
	for k, v := range hubSelector {
		labels[k] = v
	}
	labels[ComponentLabel] = ComponentValue
	for k, v := range req.ExtraLabels {
		labels[k] = v
	}

	selector := make(map[string]string, len(hubSelector))
	for k, v := range hubSelector {
		selector[k] = v
	}

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.Name,
			Namespace: ns,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: selector,
			Ports: []corev1.ServicePort{
				{
					Name:       "http",
					Port:       int32(req.Port),
					TargetPort: intstr.FromInt32(int32(req.Port)),
					Protocol:   corev1.ProtocolTCP,
				},
			},
		},
	}
}
