package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linarealestate/linabot/internal/config"
	"github.com/linarealestate/linabot/internal/cron"
)

const (
	keepAliveJobName   = "keepalive"
	memoryStatsJobName = "memory-stats"
	memoryStatsExpr    = "0 0 * * * *"
	keepAliveTimeout   = 10 * time.Second
)

// registerJobs adds the housekeeping jobs the configuration asks for.
func (g *Gateway) registerJobs() error {
	if url := g.cfg.KeepAlive.URL; url != "" {
		expr := g.cfg.KeepAlive.Schedule
		if expr == "" {
			expr = config.DefaultKeepAliveSchedule
		}
		if _, err := g.cron.AddJob(keepAliveJobName,
			cron.Schedule{Kind: cron.KindCron, Expr: expr},
			cron.Payload{Action: cron.ActionKeepAlive, URL: url}); err != nil {
			return fmt.Errorf("keepalive job: %w", err)
		}
	}
	if _, err := g.cron.AddJob(memoryStatsJobName,
		cron.Schedule{Kind: cron.KindCron, Expr: memoryStatsExpr},
		cron.Payload{Action: cron.ActionMemoryStats}); err != nil {
		return fmt.Errorf("memory stats job: %w", err)
	}
	return nil
}

func (g *Gateway) onJob(ctx context.Context, job cron.Job) (string, error) {
	switch job.Payload.Action {
	case cron.ActionKeepAlive:
		return ping(ctx, g.httpClient, job.Payload.URL)
	case cron.ActionMemoryStats:
		active := 0
		if g.lanes != nil {
			active = g.lanes.Active()
		}
		return fmt.Sprintf("%d conversations, %d active lanes", g.assistant.Memory().Len(), active), nil
	default:
		return "", fmt.Errorf("unknown job action %q", job.Payload.Action)
	}
}

// ping fetches url so hosts that sleep idle services see traffic.
func ping(ctx context.Context, client *http.Client, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, keepAliveTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("keepalive %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("keepalive %s: status %d", url, resp.StatusCode)
	}
	return resp.Status, nil
}
