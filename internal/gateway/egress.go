package gateway

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
)

const egressAttempts = 3

// CheckEgress asks the identity endpoint which public IP the proxy exits from
// and compares it with the last IP seen for the same proxy. changed is false
// on the first observation.
func (g *Gateway) CheckEgress(ctx context.Context, proxy *model.ProxyConfig) (string, bool, error) {
	client := g.clientFor(proxy)

	ip, err := resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts: egressAttempts,
		Backoff:     resilience.ConstantBackoff(g.opts.EgressRetryDelay),
		ShouldRetry: func(error) bool { return true },
		OnRetry:     resilience.RetryLogger("gateway", "egress check"),
	}, func(ctx context.Context) (string, error) {
		return g.lookupIP(ctx, client)
	})
	if err != nil {
		return "", false, eris.Wrapf(err, "gateway: egress check via %s", proxy.String())
	}

	key := proxy.Key()
	g.mu.Lock()
	prev, seen := g.egress[key]
	g.egress[key] = ip
	g.mu.Unlock()

	changed := seen && prev != ip
	switch {
	case !seen:
		zap.L().Info("gateway: egress ip observed", zap.String("proxy", proxy.String()), zap.String("ip", ip))
	case changed:
		zap.L().Info("gateway: egress ip changed",
			zap.String("proxy", proxy.String()),
			zap.String("previous", prev),
			zap.String("ip", ip),
		)
	default:
		zap.L().Debug("gateway: egress ip unchanged", zap.String("proxy", proxy.String()), zap.String("ip", ip))
	}
	return ip, changed, nil
}

// LastEgress returns the last IP observed for proxy.
func (g *Gateway) LastEgress(proxy *model.ProxyConfig) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ip, ok := g.egress[proxy.Key()]
	return ip, ok
}

func (g *Gateway) lookupIP(ctx context.Context, client *http.Client) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.opts.EgressCheckURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "create request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("identity endpoint returned %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", eris.Wrap(err, "read identity response")
	}
	ip := strings.TrimSpace(string(b))
	if ip == "" {
		return "", eris.New("identity endpoint returned an empty body")
	}
	return ip, nil
}
