// Package colo resolves the datacenter identifier a shard is created in.
// The value is probed once per shard and persisted; it never changes for
// the shard's lifetime.
package colo

import (
	"context"
	"net/http"
	"strings"

	"github.com/flexprice/usagegate/internal/config"
	"github.com/flexprice/usagegate/internal/httpclient"
	"github.com/flexprice/usagegate/internal/logger"
)

// DefaultColo is used when no probe endpoint is configured or the probe
// fails; the shard must still come up.
const DefaultColo = "local"

// Detector probes the runtime's trace endpoint for the local colo id.
type Detector struct {
	client   httpclient.Client
	probeURL string
	logger   *logger.Logger
}

func NewDetector(cfg *config.Configuration, client httpclient.Client, log *logger.Logger) *Detector {
	return &Detector{
		client:   client,
		probeURL: cfg.Colo.ProbeURL,
		logger:   log,
	}
}

// Detect returns the datacenter id, falling back to DefaultColo on any
// failure. The trace endpoint answers in "key=value" lines; the colo line
// carries the id.
func (d *Detector) Detect(ctx context.Context) string {
	if d.probeURL == "" {
		return DefaultColo
	}

	resp, err := d.client.Send(ctx, &httpclient.Request{
		Method: http.MethodGet,
		URL:    d.probeURL,
	})
	if err != nil {
		d.logger.Warnw("colo probe failed, using default", "error", err)
		return DefaultColo
	}

	for _, line := range strings.Split(string(resp.Body), "\n") {
		if value, found := strings.CutPrefix(strings.TrimSpace(line), "colo="); found && value != "" {
			return strings.ToLower(value)
		}
	}

	d.logger.Warnw("colo probe returned no colo line, using default")
	return DefaultColo
}
