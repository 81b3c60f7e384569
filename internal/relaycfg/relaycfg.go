// Package relaycfg fetches the traversal-server (STUN/TURN) list the relay
// hands out for peer connections. The list can contain short-lived TURN
// credentials, so it is fetched once per call attempt and never cached
// across calls.
package relaycfg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/sangamlabs/callkit/internal/config"
)

// ConfigPath is the relay endpoint serving the traversal-server list.
const ConfigPath = "/api/calls/ice-servers"

const maxResponseBytes = 64 * 1024

// Fetcher resolves the traversal-server list for one call attempt.
type Fetcher interface {
	ICEServers(ctx context.Context) []webrtc.ICEServer
}

// HTTPFetcher asks the relay's config endpoint. Any failure degrades to the
// hardcoded public fallback set so calls remain attemptable.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPFetcher(baseURL string, client *http.Client, logger *slog.Logger) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		baseURL: baseURL,
		client:  client,
		logger:  logger.With("component", "relaycfg"),
	}
}

func (f *HTTPFetcher) ICEServers(ctx context.Context) []webrtc.ICEServer {
	servers, err := f.fetch(ctx)
	if err != nil {
		f.logger.Warn("traversal config fetch failed, using fallback", "err", err)
		return config.FallbackICEServers()
	}
	if len(servers) == 0 {
		return config.FallbackICEServers()
	}
	return servers
}

func (f *HTTPFetcher) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+ConfigPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	return config.ParseICEServersJSON(string(body))
}

// StaticFetcher returns a fixed list; used when the embedder supplies the
// traversal config out of band (e.g. the CALLKIT_ICE_SERVERS_JSON override).
type StaticFetcher []webrtc.ICEServer

func (s StaticFetcher) ICEServers(context.Context) []webrtc.ICEServer {
	if len(s) == 0 {
		return config.FallbackICEServers()
	}
	return append([]webrtc.ICEServer(nil), s...)
}
