package orchestrator

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/sshnp-go/sshnp/internal/session"
	"github.com/sshnp-go/sshnp/internal/substrate"
)

// PingWait bounds how long discovery waits for ping responses (spec.md
// §4.3 Discovery: "waits 5s").
const PingWait = 5 * time.Second

// DiscoveryResult is the three-way split spec.md §4.3's Discovery
// algorithm produces.
type DiscoveryResult struct {
	Active   []string
	Inactive []string
	Info     map[string]session.DeviceInfo
}

// Discover collects every device_info record shared under daemonAddr (the
// daemon's full address, including its "@" prefix, matching the exact
// string device_info/heartbeat keys carry after "sshnp"), pings each one,
// and intersects responders against observed heartbeats to classify each
// device as active or inactive (spec.md §4.3).
func Discover(ctx context.Context, bus substrate.Substrate, daemonAddr string) (*DiscoveryResult, error) {
	quoted := regexp.QuoteMeta(daemonAddr)
	infoPattern := "^.*:device_info\\..*\\.sshnp" + quoted + "$"
	infoCh, err := bus.Subscribe(ctx, infoPattern)
	if err != nil {
		return nil, err
	}

	heartbeatPattern := "^.*:heartbeat\\..*\\.sshnp" + quoted + "$"
	heartbeatCh, err := bus.Subscribe(ctx, heartbeatPattern)
	if err != nil {
		return nil, err
	}

	collectCtx, cancel := context.WithTimeout(ctx, PingWait)
	defer cancel()

	info := make(map[string]session.DeviceInfo)
	heartbeats := make(map[string]bool)

	done := false
	for !done {
		select {
		case n := <-infoCh:
			var di session.DeviceInfo
			if json.Unmarshal(n.Value, &di) == nil {
				info[di.DeviceName] = di
				if err := bus.Notify(ctx, session.PingKey(di.DeviceName), nil); err != nil {
					continue
				}
			}
		case n := <-heartbeatCh:
			var di session.DeviceInfo
			if json.Unmarshal(n.Value, &di) == nil {
				heartbeats[di.DeviceName] = true
			}
		case <-collectCtx.Done():
			done = true
		}
	}

	result := &DiscoveryResult{Info: info}
	for name := range info {
		if heartbeats[name] {
			result.Active = append(result.Active, name)
		} else {
			result.Inactive = append(result.Inactive, name)
		}
	}
	return result, nil
}
