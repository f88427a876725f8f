// Package kube запускает runner-nodes в Kubernetes: один Deployment
// с одной репликой и ClusterIP Service на каждый node.
package kube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/fleet"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// ContainerName — имя контейнера runner'а в pod.
	ContainerName = "runner"

	// ContainerPort — порт, который слушает runner.
	ContainerPort = 8080

	servicePort = 80

	labelApp     = "app.kubernetes.io/name"
	labelNodeID  = "orchestrator.nango.dev/node-id"
	labelRouting = "orchestrator.nango.dev/routing-id"
)

// nodeURLPattern — допустимый URL node внутри кластера.
var nodeURLPattern = regexp.MustCompile(`^http://[a-z0-9-]+(\.[a-z0-9-]+)*$`)

// Config — настройки провайдера.
type Config struct {
	Namespace string

	// Kubeconfig — путь к kubeconfig. Пустой — in-cluster конфигурация.
	Kubeconfig string

	// FleetAPIURL передаётся node в FLEET_API_URL.
	FleetAPIURL string

	// ProbeTimeout — таймаут GET /health.
	ProbeTimeout time.Duration

	Logger *slog.Logger
}

// Provider реализует fleet.NodeProvider поверх typed clientset.
type Provider struct {
	client    kubernetes.Interface
	namespace string
	apiURL    string
	probe     *fleet.NodeClient
	logger    *slog.Logger
}

var _ fleet.NodeProvider = (*Provider)(nil)

// RESTConfig строит конфигурацию клиента: из файла, если путь задан,
// иначе in-cluster.
func RESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}

// New создаёт Provider с реальным clientset.
func New(cfg Config) (*Provider, error) {
	restCfg, err := RESTConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient создаёт Provider с готовым клиентом (fake в тестах).
func NewWithClient(client kubernetes.Interface, cfg Config) *Provider {
	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}
	return &Provider{
		client:    client,
		namespace: ns,
		apiURL:    cfg.FleetAPIURL,
		probe:     fleet.NewNodeClient(cfg.ProbeTimeout),
		logger:    telemetry.WithComponent(cfg.Logger, "kube-provider"),
	}
}

// ResourceName — имя Deployment и Service для node.
func ResourceName(n domain.Node) string {
	return "runner-" + n.ID.String()
}

// Start создаёт Deployment и Service. Уже существующие ресурсы
// считаются созданными.
func (p *Provider) Start(ctx context.Context, n domain.Node) (fleet.StartResult, error) {
	name := ResourceName(n)

	_, err := p.client.AppsV1().Deployments(p.namespace).Create(ctx, p.deployment(n), metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fleet.StartResult{}, fmt.Errorf("create deployment %s: %w", name, err)
	}

	_, err = p.client.CoreV1().Services(p.namespace).Create(ctx, p.service(n), metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fleet.StartResult{}, fmt.Errorf("create service %s: %w", name, err)
	}

	p.logger.Debug("node resources created", "node_id", n.ID, "name", name, "namespace", p.namespace)
	return fleet.StartResult{
		URL:         p.nodeURL(n),
		ProviderRef: p.namespace + "/" + name,
	}, nil
}

// nodeURL — адрес Service node внутри кластера.
func (p *Provider) nodeURL(n domain.Node) string {
	return fmt.Sprintf("http://%s.%s", ResourceName(n), p.namespace)
}

// Terminate удаляет Deployment и Service. Отсутствующие ресурсы
// не считаются ошибкой.
func (p *Provider) Terminate(ctx context.Context, n domain.Node) error {
	name := ResourceName(n)
	policy := metav1.DeletePropagationForeground
	opts := metav1.DeleteOptions{PropagationPolicy: &policy}

	var errs []error
	if err := p.client.AppsV1().Deployments(p.namespace).Delete(ctx, name, opts); err != nil && !apierrors.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("delete deployment %s: %w", name, err))
	}
	if err := p.client.CoreV1().Services(p.namespace).Delete(ctx, name, opts); err != nil && !apierrors.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("delete service %s: %w", name, err))
	}
	return errors.Join(errs...)
}

// VerifyURL проверяет формат адреса и GET /health.
func (p *Provider) VerifyURL(ctx context.Context, url string) error {
	if !nodeURLPattern.MatchString(url) {
		return fmt.Errorf("invalid node url %q", url)
	}
	return p.probe.CheckHealth(ctx, url)
}

func (p *Provider) labels(n domain.Node) map[string]string {
	return map[string]string{
		labelApp:     "runner",
		labelNodeID:  n.ID.String(),
		labelRouting: labelValue(n.RoutingID),
	}
}

func (p *Provider) deployment(n domain.Node) *appsv1.Deployment {
	labels := p.labels(n)
	replicas := int32(1)

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ResourceName(n),
			Namespace: p.namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{labelNodeID: n.ID.String()},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  ContainerName,
						Image: n.Image,
						Ports: []corev1.ContainerPort{{
							Name:          "http",
							ContainerPort: ContainerPort,
							Protocol:      corev1.ProtocolTCP,
						}},
						Env: []corev1.EnvVar{
							{Name: "PORT", Value: strconv.Itoa(ContainerPort)},
							{Name: "NODE_ID", Value: n.ID.String()},
							{Name: "FLEET_API_URL", Value: p.apiURL},
							{Name: "RUNNER_ADVERTISE_URL", Value: p.nodeURL(n)},
						},
						Resources: resources(n),
						ReadinessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{
								HTTPGet: &corev1.HTTPGetAction{
									Path: "/health",
									Port: intstr.FromInt32(ContainerPort),
								},
							},
						},
					}},
				},
			},
		},
	}
}

func (p *Provider) service(n domain.Node) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ResourceName(n),
			Namespace: p.namespace,
			Labels:    p.labels(n),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{labelNodeID: n.ID.String()},
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       servicePort,
				TargetPort: intstr.FromInt32(ContainerPort),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

// resources — limits и requests по форме node. Нулевые поля пропускаются.
func resources(n domain.Node) corev1.ResourceRequirements {
	list := corev1.ResourceList{}
	if n.CPUMilli > 0 {
		list[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(n.CPUMilli), resource.DecimalSI)
	}
	if n.MemoryMb > 0 {
		list[corev1.ResourceMemory] = *resource.NewQuantity(int64(n.MemoryMb)*1024*1024, resource.BinarySI)
	}
	if n.StorageMb > 0 {
		list[corev1.ResourceEphemeralStorage] = *resource.NewQuantity(int64(n.StorageMb)*1024*1024, resource.BinarySI)
	}
	return corev1.ResourceRequirements{Limits: list, Requests: list.DeepCopy()}
}

// labelValue приводит routing id к допустимому значению label.
func labelValue(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-_.")
	if len(out) > 63 {
		out = strings.TrimRight(out[:63], "-_.")
	}
	return out
}
