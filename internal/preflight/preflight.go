// Package preflight gates scheduled job dispatch behind a network bandwidth
// measurement. Upload-heavy automation runs are pointless on a degraded link.
package preflight

import (
	"context"
	"fmt"
	"sort"

	"github.com/showwin/speedtest-go/speedtest"

	logx "taskherd/pkg/logx"
)

// Checker measures upload bandwidth against the nearest speedtest server.
type Checker struct {
	client *speedtest.Speedtest
	log    logx.Logger
}

func New(log logx.Logger) *Checker {
	return &Checker{client: speedtest.New(), log: log}
}

// Check runs an upload test and returns an error when the measured rate is
// below minUploadMbps. minUploadMbps <= 0 disables the check.
func (c *Checker) Check(ctx context.Context, minUploadMbps float64) error {
	if minUploadMbps <= 0 {
		return nil
	}
	defer func() {
		c.client.Snapshots().Clean()
		c.client.Reset()
	}()

	servers, err := c.client.FetchServerListContext(ctx)
	if err != nil {
		return fmt.Errorf("fetch speedtest servers: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return fmt.Errorf("no speedtest server available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	srv := servers[0]
	if err := srv.UploadTestContext(ctx); err != nil {
		return fmt.Errorf("upload test: %w", err)
	}

	got := srv.ULSpeed.Mbps()
	c.log.Info("bandwidth preflight",
		logx.Float64("upload_mbps", got),
		logx.Float64("min_mbps", minUploadMbps),
		logx.String("server", srv.Name))

	if got < minUploadMbps {
		return fmt.Errorf("upload bandwidth %.1f Mbps below required %.1f Mbps", got, minUploadMbps)
	}
	return nil
}
