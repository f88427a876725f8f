package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ImageVerifier проверяет, что образ существует, до активации deployment.
type ImageVerifier interface {
	Verify(ctx context.Context, image string) error
}

// NoopVerifier принимает любой образ (локальный режим).
type NoopVerifier struct{}

func (NoopVerifier) Verify(context.Context, string) error { return nil }

// DefaultRegistryURL — registry для образов без явного хоста.
const DefaultRegistryURL = "https://registry-1.docker.io"

// manifestAccept — форматы манифестов, которые принимает registry API v2.
var manifestAccept = strings.Join([]string{
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
}, ", ")

// RegistryVerifier проверяет образ через Docker Registry HTTP API v2:
// HEAD /v2/<repo>/manifests/<tag>. На 401 получает анонимный bearer
// token по заголовку WWW-Authenticate и повторяет запрос.
type RegistryVerifier struct {
	client      *resty.Client
	registryURL string
}

// NewRegistryVerifier создаёт RegistryVerifier. Пустой registryURL —
// Docker Hub.
func NewRegistryVerifier(registryURL string, timeout time.Duration) *RegistryVerifier {
	if registryURL == "" {
		registryURL = DefaultRegistryURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RegistryVerifier{
		client:      resty.New().SetTimeout(timeout),
		registryURL: strings.TrimRight(registryURL, "/"),
	}
}

// Verify возвращает ErrImageNotFound, если манифеста нет.
func (v *RegistryVerifier) Verify(ctx context.Context, image string) error {
	ref, err := parseImageRef(image)
	if err != nil {
		return err
	}

	base := v.registryURL
	if ref.host != "" {
		base = "https://" + ref.host
	}
	manifestURL := fmt.Sprintf("%s/v2/%s/manifests/%s", base, ref.repo, ref.tag)

	resp, err := v.head(ctx, manifestURL, "")
	if err != nil {
		return err
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		token, err := v.anonymousToken(ctx, resp.Header().Get("WWW-Authenticate"))
		if err != nil {
			return fmt.Errorf("verify image %s: %w", image, err)
		}
		if resp, err = v.head(ctx, manifestURL, token); err != nil {
			return err
		}
	}

	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrImageNotFound, image)
	default:
		return fmt.Errorf("verify image %s: registry returned %d", image, resp.StatusCode())
	}
}

func (v *RegistryVerifier) head(ctx context.Context, url, token string) (*resty.Response, error) {
	req := v.client.R().SetContext(ctx).SetHeader("Accept", manifestAccept)
	if token != "" {
		req.SetAuthToken(token)
	}
	resp, err := req.Head(url)
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", url, err)
	}
	return resp, nil
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// anonymousToken получает token по challenge вида
// Bearer realm="...",service="...",scope="...".
func (v *RegistryVerifier) anonymousToken(ctx context.Context, challenge string) (string, error) {
	params, ok := parseBearerChallenge(challenge)
	if !ok || params["realm"] == "" {
		return "", errors.New("registry requires unsupported authentication")
	}

	query := map[string]string{}
	if s := params["service"]; s != "" {
		query["service"] = s
	}
	if s := params["scope"]; s != "" {
		query["scope"] = s
	}

	var out tokenResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(&out).
		Get(params["realm"])
	if err != nil {
		return "", fmt.Errorf("fetch registry token: %w", err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("fetch registry token: status %d", resp.StatusCode())
	}
	if out.Token != "" {
		return out.Token, nil
	}
	return out.AccessToken, nil
}

func parseBearerChallenge(h string) (map[string]string, bool) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil, false
	}

	params := make(map[string]string)
	for _, part := range splitChallenge(rest) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return params, true
}

// splitChallenge делит параметры по запятым вне кавычек
// (scope может содержать запятые).
func splitChallenge(s string) []string {
	var (
		parts  []string
		quoted bool
		start  int
	)
	for i, r := range s {
		switch r {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

type imageRef struct {
	host string
	repo string
	tag  string
}

// parseImageRef разбирает [host/]repo[:tag|@digest].
// Образы Docker Hub без namespace получают префикс library/.
func parseImageRef(image string) (imageRef, error) {
	if image == "" {
		return imageRef{}, fmt.Errorf("%w: empty image reference", ErrImageNotFound)
	}

	var ref imageRef
	name := image

	if i := strings.Index(name, "@"); i >= 0 {
		ref.tag = name[i+1:]
		name = name[:i]
	} else if i := strings.LastIndex(name, ":"); i > strings.LastIndex(name, "/") {
		ref.tag = name[i+1:]
		name = name[:i]
	}
	if ref.tag == "" {
		ref.tag = "latest"
	}

	if first, rest, ok := strings.Cut(name, "/"); ok && (strings.ContainsAny(first, ".:") || first == "localhost") {
		ref.host = first
		name = rest
	}
	if ref.host == "" && !strings.Contains(name, "/") {
		name = "library/" + name
	}
	ref.repo = name
	return ref, nil
}
