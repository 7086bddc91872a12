package vmpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// VMConfig is the machine description handed to the hypervisor.
type VMConfig struct {
	ID          string  `json:"id"`
	KernelImage string  `json:"kernel_image"`
	RootfsImage string  `json:"rootfs_image"`
	CPUs        int     `json:"cpus"`
	MemoryMB    int     `json:"memory_mb"`
	Net         Network `json:"network"`
}

// Hypervisor is the typed driver for the microVM control plane.
type Hypervisor interface {
	CreateVM(ctx context.Context, cfg VMConfig) error
	StartVM(ctx context.Context, id string) error
	DestroyVM(ctx context.Context, id string) error
}

// HTTPDriver speaks to a hypervisor daemon over its unix socket.
// Transient control-plane errors are retried with exponential backoff.
type HTTPDriver struct {
	client *http.Client
	base   string
}

var _ Hypervisor = (*HTTPDriver)(nil)

// NewHTTPDriver constructs a driver for the daemon at socketPath.
func NewHTTPDriver(socketPath string) *HTTPDriver {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &HTTPDriver{
		client: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		base:   "http://hypervisor",
	}
}

// CreateVM registers the machine configuration.
func (d *HTTPDriver) CreateVM(ctx context.Context, cfg VMConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("hypervisor create: %w", err)
	}
	return d.do(ctx, http.MethodPut, "/vms/"+cfg.ID, body)
}

// StartVM boots a created machine.
func (d *HTTPDriver) StartVM(ctx context.Context, id string) error {
	return d.do(ctx, http.MethodPut, "/vms/"+id+"/start", nil)
}

// DestroyVM tears a machine down. Destroying an unknown machine is
// not an error.
func (d *HTTPDriver) DestroyVM(ctx context.Context, id string) error {
	return d.do(ctx, http.MethodDelete, "/vms/"+id, nil)
}

func (d *HTTPDriver) do(ctx context.Context, method, path string, body []byte) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, d.base+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("hypervisor %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusNotFound && method == http.MethodDelete:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("hypervisor %s %s: status %d", method, path, resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("hypervisor %s %s: status %d", method, path, resp.StatusCode))
		}
	}, policy)
}
