package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rzbill/relay/pkg/log"
)

// DeliverPath is the peer endpoint envelopes are posted to.
const DeliverPath = "/internal/v1/deliver"

// HTTPTransport posts envelopes to peers over pooled keep-alive
// connections. Comparing addr against this instance's advertise address
// short-circuits the loopback case before any dial.
type HTTPTransport struct {
	selfAddr string
	client   *http.Client
	logger   log.Logger
}

func NewHTTPTransport(selfAddr string, logger log.Logger) *HTTPTransport {
	return &HTTPTransport{
		selfAddr: selfAddr,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.WithComponent("transport"),
	}
}

func (t *HTTPTransport) Send(ctx context.Context, addr string, env Envelope) Status {
	if addr == t.selfAddr {
		return StatusSelfTarget
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.logger.Warn("envelope encode failed", log.Str("addr", addr), log.Err(err))
		return StatusSerializeFailed
	}
	url := fmt.Sprintf("http://%s%s", addr, DeliverPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.logger.Warn("deliver request build failed", log.Str("addr", addr), log.Err(err))
		return StatusUnknownError
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("peer unreachable", log.Str("addr", addr), log.Err(err))
		return StatusConnectFailed
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.logger.Warn("peer rejected delivery",
			log.Str("addr", addr), log.Int("status", resp.StatusCode))
		return StatusUnknownError
	}
	return StatusSent
}
