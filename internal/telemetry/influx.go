// Package telemetry pushes scheduler statistics to InfluxDB. It is an
// operational sidecar of cmd/kernel, never imported by the core
// packages: the kernel core's only logging/metrics dependency is the
// injected klog.Logger.
package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/osfree-project/smpcore/internal/klog"
)

// CPUSample is one per-CPU scheduler observation.
type CPUSample struct {
	CPUID      uint32
	NrRunning  uint32
	NrSwitches uint64
	Load       uint64
	TickCount  uint64
}

// Client writes scheduler samples to one InfluxDB bucket.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      klog.Logger
}

// New connects to InfluxDB and verifies the server is healthy before
// returning, so a bad endpoint fails at startup rather than on the first
// sample.
func New(url, token, org, bucket string, log klog.Logger) (*Client, error) {
	if log == nil {
		log = klog.Nop{}
	}
	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("influxdb health check: %w", err)
	}
	if health.Status != "pass" {
		return nil, fmt.Errorf("influxdb unhealthy: %s", health.Status)
	}

	log.Infof("telemetry: connected to %s (org=%s bucket=%s)", url, org, bucket)
	return &Client{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      log,
	}, nil
}

// WriteSamples pushes one point per CPU, tagged by CPU id.
func (c *Client) WriteSamples(ctx context.Context, samples []CPUSample) error {
	for _, s := range samples {
		p := influxdb2.NewPoint("runqueue",
			map[string]string{
				"cpu": fmt.Sprintf("%d", s.CPUID),
			},
			map[string]interface{}{
				"nr_running":  int64(s.NrRunning),
				"nr_switches": int64(s.NrSwitches),
				"load":        int64(s.Load),
				"ticks":       int64(s.TickCount),
			},
			time.Now())
		if err := c.writeAPI.WritePoint(ctx, p); err != nil {
			return fmt.Errorf("write runqueue point: %w", err)
		}
	}
	return nil
}

// Close releases the underlying HTTP client.
func (c *Client) Close() {
	c.client.Close()
}
