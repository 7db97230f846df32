// Package tunnel supervises the outbound remote-access tunnel: provider
// processes, URL discovery, fallback and bounded restart.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/reconx/resilientd/internal/domain"
)

// logPollInterval is how often AwaitURL re-reads a provider's log.
const logPollInterval = 500 * time.Millisecond

// CloudflareProvider runs a cloudflared quick tunnel.
type CloudflareProvider struct{}

var cloudflareURLPattern = regexp.MustCompile(`https://[a-zA-Z0-9-]+\.trycloudflare\.com`)

func (p *CloudflareProvider) Name() string              { return "cloudflared" }
func (p *CloudflareProvider) Kind() domain.ProviderKind { return domain.ProviderCloudflare }

func (p *CloudflareProvider) Available() bool {
	_, err := exec.LookPath("cloudflared")
	return err == nil
}

func (p *CloudflareProvider) CommandArgs(localPort int) []string {
	return []string{"cloudflared", "tunnel", "--url", fmt.Sprintf("http://localhost:%d", localPort)}
}

// AwaitURL scans the cloudflared log for the quick-tunnel URL.
// Lines reporting a failure abort the attempt before the timeout.
func (p *CloudflareProvider) AwaitURL(ctx context.Context, logPath string) (string, error) {
	return awaitURLInLog(ctx, logPath, cloudflareURLPattern, true)
}

// NgrokProvider runs an ngrok HTTP tunnel. The public URL comes from
// ngrok's local inspection API rather than its log.
type NgrokProvider struct {
	// APIAddr is the local inspection API address; tests override it.
	APIAddr string
}

func (p *NgrokProvider) Name() string              { return "ngrok" }
func (p *NgrokProvider) Kind() domain.ProviderKind { return domain.ProviderNgrok }

func (p *NgrokProvider) Available() bool {
	_, err := exec.LookPath("ngrok")
	return err == nil
}

func (p *NgrokProvider) CommandArgs(localPort int) []string {
	return []string{"ngrok", "http", fmt.Sprintf("%d", localPort), "--log=stdout"}
}

type ngrokTunnelList struct {
	Tunnels []struct {
		PublicURL string `json:"public_url"`
	} `json:"tunnels"`
}

// AwaitURL polls the inspection API until a tunnel appears.
func (p *NgrokProvider) AwaitURL(ctx context.Context, logPath string) (string, error) {
	apiAddr := p.APIAddr
	if apiAddr == "" {
		apiAddr = "http://127.0.0.1:4040"
	}
	client := &http.Client{Timeout: 2 * time.Second}

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for ngrok URL: %w", ctx.Err())
		case <-ticker.C:
			if url, err := queryNgrokAPI(ctx, client, apiAddr); err == nil {
				return url, nil
			}
		}
	}
}

func queryNgrokAPI(ctx context.Context, client *http.Client, apiAddr string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiAddr+"/api/tunnels", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var list ngrokTunnelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", err
	}
	if len(list.Tunnels) == 0 {
		return "", fmt.Errorf("no ngrok tunnels yet")
	}
	return list.Tunnels[0].PublicURL, nil
}

// LocalTunnelProvider runs localtunnel through npx.
type LocalTunnelProvider struct{}

var localTunnelURLPattern = regexp.MustCompile(`https://[a-zA-Z0-9-]+\.loca\.lt`)

func (p *LocalTunnelProvider) Name() string              { return "localtunnel" }
func (p *LocalTunnelProvider) Kind() domain.ProviderKind { return domain.ProviderLocalTunnel }

func (p *LocalTunnelProvider) Available() bool {
	_, err := exec.LookPath("npx")
	return err == nil
}

func (p *LocalTunnelProvider) CommandArgs(localPort int) []string {
	return []string{"npx", "localtunnel", "--port", fmt.Sprintf("%d", localPort)}
}

func (p *LocalTunnelProvider) AwaitURL(ctx context.Context, logPath string) (string, error) {
	return awaitURLInLog(ctx, logPath, localTunnelURLPattern, false)
}

// ProviderFor returns the provider implementation for a kind.
func ProviderFor(kind domain.ProviderKind) (domain.TunnelProvider, error) {
	switch kind {
	case domain.ProviderCloudflare:
		return &CloudflareProvider{}, nil
	case domain.ProviderNgrok:
		return &NgrokProvider{}, nil
	case domain.ProviderLocalTunnel:
		return &LocalTunnelProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown tunnel provider: %s", kind)
	}
}

// awaitURLInLog polls the log file until pattern matches. With
// failFast set, a line mentioning a failure aborts the attempt early
// instead of burning the whole timeout.
func awaitURLInLog(ctx context.Context, logPath string, pattern *regexp.Regexp, failFast bool) (string, error) {
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for tunnel URL in %s: %w", logPath, ctx.Err())
		case <-ticker.C:
			data, err := os.ReadFile(logPath)
			if err != nil {
				continue // Log not written yet
			}
			if match := pattern.Find(data); match != nil {
				return string(match), nil
			}
			if failFast {
				for _, line := range strings.Split(string(data), "\n") {
					lower := strings.ToLower(line)
					if strings.Contains(lower, "failed to") || strings.Contains(lower, "error=") {
						return "", fmt.Errorf("provider reported failure: %s", strings.TrimSpace(line))
					}
				}
			}
		}
	}
}

// Ensure all providers implement domain.TunnelProvider.
var (
	_ domain.TunnelProvider = (*CloudflareProvider)(nil)
	_ domain.TunnelProvider = (*NgrokProvider)(nil)
	_ domain.TunnelProvider = (*LocalTunnelProvider)(nil)
)
