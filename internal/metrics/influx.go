package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
)

// InfluxConfig addresses an InfluxDB v2 write endpoint.
type InfluxConfig struct {
	URL      string
	Token    string
	Org      string
	Bucket   string
	Interval time.Duration
	// Project and Service become line protocol tags.
	Project string
	Service string
}

// StartInfluxPusher pushes a snapshot every interval until ctx is done.
func StartInfluxPusher(ctx context.Context, cfg InfluxConfig) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	logging.Get().Info().Str("url", cfg.URL).Dur("interval", cfg.Interval).Msg("starting influxdb pusher")

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	client := &http.Client{Timeout: 5 * time.Second}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := PushInflux(ctx, client, cfg); err != nil {
				logging.Get().Error().Err(err).Msg("influxdb push failed")
			}
		}
	}
}

func writeURL(cfg InfluxConfig) string {
	q := url.Values{}
	q.Set("org", cfg.Org)
	q.Set("bucket", cfg.Bucket)
	q.Set("precision", "s")
	return strings.TrimRight(cfg.URL, "/") + "/api/v2/write?" + q.Encode()
}

// lineProtocol renders the snapshot as one Influx line:
// deployctl,project=p,service=s deploys=10i,... 1678888888
func lineProtocol(s StatsSnapshot, cfg InfluxConfig, now time.Time) string {
	tags := "deployctl"
	if cfg.Project != "" {
		tags += ",project=" + escapeTag(cfg.Project)
	}
	if cfg.Service != "" {
		tags += ",service=" + escapeTag(cfg.Service)
	}
	healthy := 0
	if s.ServiceHealthy {
		healthy = 1
	}
	return fmt.Sprintf(
		"%s deploys=%di,deploys_failed=%di,rollbacks=%di,preflight_failures=%di,health_checks_failed=%di,healthy=%di,last_deploy=%di %d",
		tags, s.Deploys, s.DeploysFailed, s.Rollbacks, s.PreflightFailures, s.HealthChecksFailed, healthy, s.LastDeploy, now.Unix(),
	)
}

func escapeTag(v string) string {
	return strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `).Replace(v)
}

// PushInflux writes the current snapshot once.
func PushInflux(ctx context.Context, client *http.Client, cfg InfluxConfig) error {
	body := lineProtocol(GetSnapshot(), cfg, time.Now())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, writeURL(cfg), bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("influxdb request creation failed: %w", err)
	}
	req.Header.Set("Authorization", "Token "+cfg.Token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("influxdb rejected metrics: status %d", resp.StatusCode)
	}
	return nil
}
