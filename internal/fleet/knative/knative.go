// Package knative запускает runner-nodes как Knative Services
// (serving.knative.dev/v1) через dynamic client.
package knative

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/fleet"
	"github.com/NangoHQ/nango-sub018/internal/fleet/kube"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
)

// ServiceResource — GVR Knative Service.
var ServiceResource = schema.GroupVersionResource{
	Group:    "serving.knative.dev",
	Version:  "v1",
	Resource: "services",
}

// Config — настройки провайдера.
type Config struct {
	Namespace   string
	Kubeconfig  string
	FleetAPIURL string

	// MaxScale — верхняя граница autoscaler'а на node.
	MaxScale int

	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// Provider реализует fleet.NodeProvider поверх Knative Serving.
type Provider struct {
	client    dynamic.Interface
	namespace string
	apiURL    string
	maxScale  int
	probe     *fleet.NodeClient
	logger    *slog.Logger
}

var _ fleet.NodeProvider = (*Provider)(nil)

// New создаёт Provider с реальным dynamic client.
func New(cfg Config) (*Provider, error) {
	restCfg, err := kube.RESTConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	client, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("dynamic client: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient создаёт Provider с готовым клиентом.
func NewWithClient(client dynamic.Interface, cfg Config) *Provider {
	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}
	maxScale := cfg.MaxScale
	if maxScale <= 0 {
		maxScale = 1
	}
	return &Provider{
		client:    client,
		namespace: ns,
		apiURL:    cfg.FleetAPIURL,
		maxScale:  maxScale,
		probe:     fleet.NewNodeClient(cfg.ProbeTimeout),
		logger:    telemetry.WithComponent(cfg.Logger, "knative-provider"),
	}
}

// Start создаёт Knative Service. URL известен заранее: cluster-local
// адрес сервиса.
func (p *Provider) Start(ctx context.Context, n domain.Node) (fleet.StartResult, error) {
	name := kube.ResourceName(n)
	_, err := p.client.Resource(ServiceResource).Namespace(p.namespace).Create(ctx, p.service(n), metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fleet.StartResult{}, fmt.Errorf("create knative service %s: %w", name, err)
	}

	p.logger.Debug("knative service created", "node_id", n.ID, "name", name)
	return fleet.StartResult{
		URL:         p.nodeURL(n),
		ProviderRef: p.namespace + "/" + name,
	}, nil
}

func (p *Provider) nodeURL(n domain.Node) string {
	return fmt.Sprintf("http://%s.%s.svc.cluster.local", kube.ResourceName(n), p.namespace)
}

// Terminate удаляет Knative Service.
func (p *Provider) Terminate(ctx context.Context, n domain.Node) error {
	name := kube.ResourceName(n)
	err := p.client.Resource(ServiceResource).Namespace(p.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete knative service %s: %w", name, err)
	}
	return nil
}

// VerifyURL проверяет GET /health.
func (p *Provider) VerifyURL(ctx context.Context, url string) error {
	return p.probe.CheckHealth(ctx, url)
}

func (p *Provider) service(n domain.Node) *unstructured.Unstructured {
	container := map[string]any{
		"name":  kube.ContainerName,
		"image": n.Image,
		"ports": []any{
			map[string]any{"containerPort": int64(kube.ContainerPort)},
		},
		"env": []any{
			map[string]any{"name": "NODE_ID", "value": n.ID.String()},
			map[string]any{"name": "FLEET_API_URL", "value": p.apiURL},
			map[string]any{"name": "RUNNER_ADVERTISE_URL", "value": p.nodeURL(n)},
		},
	}
	if limits := limits(n); len(limits) > 0 {
		container["resources"] = map[string]any{"limits": limits, "requests": limits}
	}

	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": ServiceResource.GroupVersion().String(),
		"kind":       "Service",
		"metadata": map[string]any{
			"name":      kube.ResourceName(n),
			"namespace": p.namespace,
			"labels": map[string]any{
				"orchestrator.nango.dev/node-id": n.ID.String(),
			},
		},
		"spec": map[string]any{
			"template": map[string]any{
				"metadata": map[string]any{
					"annotations": map[string]any{
						"autoscaling.knative.dev/min-scale": "0",
						"autoscaling.knative.dev/max-scale": strconv.Itoa(p.maxScale),
					},
				},
				"spec": map[string]any{
					"containers": []any{container},
				},
			},
		},
	}}
}

func limits(n domain.Node) map[string]any {
	out := map[string]any{}
	if n.CPUMilli > 0 {
		out["cpu"] = fmt.Sprintf("%dm", n.CPUMilli)
	}
	if n.MemoryMb > 0 {
		out["memory"] = fmt.Sprintf("%dMi", n.MemoryMb)
	}
	if n.StorageMb > 0 {
		out["ephemeral-storage"] = fmt.Sprintf("%dMi", n.StorageMb)
	}
	return out
}
