package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sshnp-go/sshnp/internal/session"
	"github.com/sshnp-go/sshnp/internal/substrate"
)

// TestDiscoverClassifiesActiveAndInactive simulates a daemon address
// sharing device_info for two devices, only one of which answers
// discovery pings, and checks Discover's active/inactive split.
func TestDiscoverClassifiesActiveAndInactive(t *testing.T) {
	bus := substrate.NewMemoryBus()
	ctx, cancel := context.WithTimeout(context.Background(), PingWait+2*time.Second)
	defer cancel()

	const daemonAddr = "@bob"
	respondingDevices := map[string]bool{"laptop": true}

	pings, err := bus.Subscribe(ctx, `^\*:ping\..*$`)
	if err != nil {
		t.Fatalf("subscribe pings: %s", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-pings:
				if !ok {
					return
				}
				device := strings.TrimPrefix(n.Key, "*:ping.")
				if !respondingDevices[device] {
					continue
				}
				data, _ := json.Marshal(session.DeviceInfo{DeviceName: device})
				bus.Notify(ctx, session.HeartbeatKey(daemonAddr, device), data)
			}
		}
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, d := range []string{"laptop", "desktop"} {
					data, _ := json.Marshal(session.DeviceInfo{DeviceName: d})
					bus.Notify(ctx, session.DeviceInfoKey(daemonAddr, d), data)
				}
			}
		}
	}()

	result, err := Discover(ctx, bus, daemonAddr)
	if err != nil {
		t.Fatalf("Discover: %s", err)
	}

	if len(result.Info) != 2 {
		t.Errorf("Info has %d entries, want 2: %+v", len(result.Info), result.Info)
	}
	if !containsString(result.Active, "laptop") {
		t.Errorf("Active = %v, want it to contain laptop", result.Active)
	}
	if !containsString(result.Inactive, "desktop") {
		t.Errorf("Inactive = %v, want it to contain desktop", result.Inactive)
	}
	if containsString(result.Active, "desktop") {
		t.Errorf("Active = %v, desktop should not be active", result.Active)
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
