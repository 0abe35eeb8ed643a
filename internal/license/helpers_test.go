package license

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/fingerprint"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/store"
)

// fakeClock lets tests move through grace windows without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testFingerprint(t *testing.T, values map[string]string) *fingerprint.Fingerprint {
	t.Helper()
	names := []string{"cpu_id", "disk_serial", "mac_address", "os_uuid", "hostname"}
	components := make([]fingerprint.Component, 0, len(names))
	for _, name := range names {
		value, ok := values[name]
		if !ok {
			value = fingerprint.SentinelUnavailable
		}
		components = append(components, fingerprint.Component{Name: name, Value: value})
	}
	fp := &fingerprint.Fingerprint{Components: components, GeneratedAt: time.Now()}
	fp.PrimaryHash = fingerprint.HashComponents(components)
	fp.PartialPrefix = fp.PrimaryHash[:fingerprint.PartialPrefixLength]
	return fp
}

func defaultTestFingerprint(t *testing.T) *fingerprint.Fingerprint {
	t.Helper()
	return testFingerprint(t, map[string]string{
		"cpu_id":      "cpu-1",
		"disk_serial": "disk-1",
		"mac_address": "mac-1",
		"os_uuid":     "uuid-1",
		"hostname":    "host-1",
	})
}

func newTestStore(t *testing.T) *store.FileStore {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return fs
}
