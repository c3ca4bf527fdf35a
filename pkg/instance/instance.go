// Package instance names the running process for event attribution.
package instance

import (
	"os"
	"sync"

	"github.com/denisbrodbeck/machineid"
)

const appID = "paper-trading-core"

var (
	once sync.Once
	id   string
)

// ID returns a stable, app-scoped identifier of this host. It falls back to
// the hostname when the machine id is unreadable (containers, sandboxes).
func ID() string {
	once.Do(func() {
		id = resolve(machineid.ProtectedID, os.Hostname)
	})
	return id
}

func resolve(machine func(string) (string, error), hostname func() (string, error)) string {
	if mid, err := machine(appID); err == nil && mid != "" {
		if len(mid) > 16 {
			mid = mid[:16]
		}
		return mid
	}
	if h, err := hostname(); err == nil && h != "" {
		return h
	}
	return "unknown"
}
