// Package lambda запускает runner-nodes как AWS Lambda функции,
// собранные из образа контейнера.
package lambda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/fleet"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// Границы Lambda для памяти и ephemeral storage, MB.
const (
	minMemoryMb  = 128
	maxMemoryMb  = 10240
	minStorageMb = 512
	maxStorageMb = 10240

	defaultTimeoutSeconds = 900
	maxFunctionName       = 64
)

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9-_]`)

// API — подмножество клиента Lambda, которое использует провайдер.
type API interface {
	CreateFunction(ctx context.Context, in *awslambda.CreateFunctionInput, opts ...func(*awslambda.Options)) (*awslambda.CreateFunctionOutput, error)
	DeleteFunction(ctx context.Context, in *awslambda.DeleteFunctionInput, opts ...func(*awslambda.Options)) (*awslambda.DeleteFunctionOutput, error)
	GetFunction(ctx context.Context, in *awslambda.GetFunctionInput, opts ...func(*awslambda.Options)) (*awslambda.GetFunctionOutput, error)
}

// Config — настройки провайдера.
type Config struct {
	// RoleARN — execution role функций.
	RoleARN string
	Region  string

	FleetAPIURL string

	Logger *slog.Logger
}

// Provider реализует fleet.NodeProvider поверх Lambda.
type Provider struct {
	client API
	role   string
	apiURL string
	logger *slog.Logger
}

var _ fleet.NodeProvider = (*Provider)(nil)

// New загружает AWS конфигурацию по умолчанию и создаёт Provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithClient(awslambda.NewFromConfig(awsCfg), cfg), nil
}

// NewWithClient создаёт Provider с готовым клиентом.
func NewWithClient(client API, cfg Config) *Provider {
	return &Provider{
		client: client,
		role:   cfg.RoleARN,
		apiURL: cfg.FleetAPIURL,
		logger: telemetry.WithComponent(cfg.Logger, "lambda-provider"),
	}
}

// FunctionName — имя функции node: <routing>-<node>.
func FunctionName(n domain.Node) string {
	name := invalidNameChars.ReplaceAllString(n.RoutingID, "-") + "-" + n.ID.String()
	if len(name) > maxFunctionName {
		name = name[len(name)-maxFunctionName:]
	}
	return strings.TrimLeft(name, "-_")
}

// Start создаёт функцию. Адресом node служит имя функции:
// VerifyURL проверяет её состояние через GetFunction.
func (p *Provider) Start(ctx context.Context, n domain.Node) (fleet.StartResult, error) {
	name := FunctionName(n)

	out, err := p.client.CreateFunction(ctx, &awslambda.CreateFunctionInput{
		FunctionName: aws.String(name),
		Role:         aws.String(p.role),
		PackageType:  types.PackageTypeImage,
		Code:         &types.FunctionCode{ImageUri: aws.String(n.Image)},
		MemorySize:   aws.Int32(clamp(n.MemoryMb, minMemoryMb, maxMemoryMb)),
		EphemeralStorage: &types.EphemeralStorage{
			Size: aws.Int32(clamp(n.StorageMb, minStorageMb, maxStorageMb)),
		},
		Timeout: aws.Int32(defaultTimeoutSeconds),
		Environment: &types.Environment{Variables: map[string]string{
			"NODE_ID":       n.ID.String(),
			"FLEET_API_URL": p.apiURL,
		}},
		Tags: map[string]string{
			"orchestrator-node-id":    n.ID.String(),
			"orchestrator-routing-id": n.RoutingID,
		},
	})

	var conflict *types.ResourceConflictException
	switch {
	case errors.As(err, &conflict):
		p.logger.Debug("lambda function already exists", "node_id", n.ID, "function", name)
		return fleet.StartResult{URL: name, ProviderRef: name}, nil
	case err != nil:
		return fleet.StartResult{}, fmt.Errorf("create function %s: %w", name, err)
	}

	ref := name
	if out.FunctionArn != nil {
		ref = *out.FunctionArn
	}
	return fleet.StartResult{URL: name, ProviderRef: ref}, nil
}

// Terminate удаляет функцию. Отсутствующая функция — не ошибка.
func (p *Provider) Terminate(ctx context.Context, n domain.Node) error {
	name := FunctionName(n)
	_, err := p.client.DeleteFunction(ctx, &awslambda.DeleteFunctionInput{FunctionName: aws.String(name)})

	var notFound *types.ResourceNotFoundException
	if err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("delete function %s: %w", name, err)
	}
	return nil
}

// VerifyURL требует, чтобы функция была в состоянии Active.
func (p *Provider) VerifyURL(ctx context.Context, url string) error {
	out, err := p.client.GetFunction(ctx, &awslambda.GetFunctionInput{FunctionName: aws.String(url)})
	if err != nil {
		return fmt.Errorf("get function %s: %w", url, err)
	}
	if out.Configuration == nil {
		return fmt.Errorf("function %s: no configuration", url)
	}
	if state := out.Configuration.State; state != types.StateActive {
		reason := aws.ToString(out.Configuration.StateReason)
		return fmt.Errorf("function %s is %s: %s", url, state, reason)
	}
	return nil
}

func clamp(v, lo, hi int) int32 {
	return int32(min(max(v, lo), hi))
}
