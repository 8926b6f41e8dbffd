package hosts

import (
	"bytes"
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/whisthq/whist/backend/placement-service/utils"
)

// hostServicePort is the port the worker-side service listens on.
const hostServicePort = 4678

// Drainer asks a running worker to stop accepting sessions and shut itself
// down once its last session ends.
type Drainer interface {
	DrainAndShutdown(ctx context.Context, ip string, authToken string) error
}

// HTTPDrainer implements Drainer over the worker's HTTPS endpoint, retrying
// transient failures with exponential backoff.
type HTTPDrainer struct {
	client *retryablehttp.Client
}

// NewHTTPDrainer returns a drainer that gives up after maxRetries attempts.
func NewHTTPDrainer(maxRetries int) *HTTPDrainer {
	client := retryablehttp.NewClient()
	client.RetryMax = maxRetries
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 30 * time.Second
	client.Logger = nil

	// Workers serve on self-signed certificates.
	client.HTTPClient.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	client.HTTPClient.Timeout = 30 * time.Second

	return &HTTPDrainer{client: client}
}

// DrainAndShutdown sends the drain request to the worker at the given IP.
// The worker authenticates the request with the same token it uses on
// heartbeats.
func (d *HTTPDrainer) DrainAndShutdown(ctx context.Context, ip string, authToken string) error {
	body := []byte(utils.Sprintf(`{"auth_secret": %q}`, authToken))
	url := utils.Sprintf("https://%s:%d/drain_and_shutdown", ip, hostServicePort)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return utils.MakeError("couldn't create drain request for %s: %s", ip, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return utils.MakeError("drain request to %s failed: %s", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return utils.MakeError("drain request to %s returned status %d", ip, resp.StatusCode)
	}
	return nil
}
