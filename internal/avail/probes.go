package avail

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// handshakeTimeout bounds a single websocket open attempt.
const handshakeTimeout = 5 * time.Second

// CheckFunc is one availability conjunct. A nil return means the check
// passed; the error message becomes the stored unavailability reason.
type CheckFunc func(ctx context.Context) error

// Probe is the full check set for one provider. All checks must pass for
// the provider to be available; the first failure supplies the reason.
type Probe struct {
	Provider string
	Checks   []CheckFunc
}

// run evaluates the probe's conjunction.
func (p Probe) run(ctx context.Context) Availability {
	a := Availability{Provider: p.Provider, Available: true, CheckedAt: time.Now()}
	for _, check := range p.Checks {
		if err := check(ctx); err != nil {
			a.Available = false
			a.Reason = err.Error()
			break
		}
	}
	return a
}

// SecretCheck fails when the provider's API key is absent. envName is only
// used in the reason message.
func SecretCheck(envName, value string) CheckFunc {
	return func(context.Context) error {
		if value == "" {
			return fmt.Errorf("%s not set", envName)
		}
		return nil
	}
}

// NotImplemented marks a configured provider that has no adapter.
func NotImplemented(name string) CheckFunc {
	return func(context.Context) error {
		return fmt.Errorf("no adapter implemented for %s", name)
	}
}

// ReadinessCheck polls url with GET every interval until a response with
// status < 500 arrives or timeout elapses. Connection errors and 5xx
// responses keep the poll going; the deadline failure carries the last
// observed error.
func ReadinessCheck(client *http.Client, url string, timeout, interval time.Duration) CheckFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastErr error
		for {
			err := readyOnce(ctx, client, url)
			if err == nil {
				return nil
			}
			lastErr = err

			select {
			case <-ctx.Done():
				return fmt.Errorf("readiness %s: not ready within %v: %w", url, timeout, lastErr)
			case <-ticker.C:
			}
		}
	}
}

// readyOnce performs a single readiness GET.
func readyOnce(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// HandshakeCheck opens a short-lived websocket connection to url and closes
// it immediately. The open must succeed within 5 seconds.
func HandshakeCheck(url string) CheckFunc {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return fmt.Errorf("handshake %s: %w", url, err)
		}
		conn.Close(websocket.StatusNormalClosure, "probe")
		return nil
	}
}
