// Package fingerprint derives a stable hardware identity for the current
// machine and compares identities under configurable drift tolerance. The
// identity binds a workshop license to the hardware it was activated on.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	apperrors "github.com/saidaladawi/universal-workshop-erp-sub013/internal/errors"
)

// SentinelUnavailable is recorded for a signal that could not be read, so a
// partially sandboxed environment still yields a usable fingerprint.
const SentinelUnavailable = "unavailable"

// PartialPrefixLength is the number of hex characters kept for the fast
// coarse comparison path.
const PartialPrefixLength = 32

// Component is a single named hardware signal captured at generation time.
type Component struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Fingerprint is the derived identity of the machine. Raw component values
// are never persisted; only PrimaryHash and PartialPrefix leave the process.
type Fingerprint struct {
	Components    []Component `json:"components"`
	PrimaryHash   string      `json:"primary_hash"`
	PartialPrefix string      `json:"partial_prefix"`
	GeneratedAt   time.Time   `json:"generated_at"`
}

// ComponentValue returns the captured value for a signal name, or the
// unavailable sentinel when the signal was not tracked.
func (f *Fingerprint) ComponentValue(name string) string {
	for _, c := range f.Components {
		if c.Name == name {
			return c.Value
		}
	}
	return SentinelUnavailable
}

// HashedComponents returns a per-signal hash map safe to persist in a
// business binding. Raw values stay in memory only.
func (f *Fingerprint) HashedComponents() map[string]string {
	hashed := make(map[string]string, len(f.Components))
	for _, c := range f.Components {
		hashed[c.Name] = HashValue(c.Value)
	}
	return hashed
}

type signalSource struct {
	name string
	read func() (string, error)
}

// Generator captures hardware signals and derives fingerprints. Generation is
// pure with respect to the host: no network calls, no persistent I/O.
type Generator struct {
	mu            sync.RWMutex
	cached        *Fingerprint
	cacheExpiry   time.Time
	cacheDuration time.Duration
	signals       []signalSource
}

// NewGenerator creates a generator over the default signal set with a
// one-hour in-process cache.
func NewGenerator() *Generator {
	g := &Generator{cacheDuration: time.Hour}
	g.signals = []signalSource{
		{name: "cpu_id", read: readCPUID},
		{name: "disk_serial", read: readDiskSerial},
		{name: "mac_address", read: readMACAddress},
		{name: "os_uuid", read: readOSUUID},
		{name: "hostname", read: readHostname},
	}
	return g
}

func newGeneratorWithSignals(signals []signalSource) *Generator {
	return &Generator{cacheDuration: time.Hour, signals: signals}
}

// Generate captures all signals and derives the fingerprint. Signals that
// cannot be read are replaced with the unavailable sentinel; only total
// signal loss is fatal.
func (g *Generator) Generate() (*Fingerprint, error) {
	g.mu.RLock()
	if g.cached != nil && time.Now().Before(g.cacheExpiry) {
		cached := *g.cached
		g.mu.RUnlock()
		return &cached, nil
	}
	g.mu.RUnlock()

	start := time.Now()

	components := make([]Component, 0, len(g.signals))
	available := 0
	for _, src := range g.signals {
		value, err := src.read()
		if err != nil || strings.TrimSpace(value) == "" {
			slog.Debug("fingerprint signal unavailable",
				slog.String("signal", src.name),
			)
			value = SentinelUnavailable
		} else {
			available++
		}
		components = append(components, Component{Name: src.name, Value: value})
	}

	if available == 0 {
		return nil, apperrors.ErrFingerprintUnavailable
	}

	fp := &Fingerprint{
		Components:  components,
		GeneratedAt: time.Now(),
	}
	fp.PrimaryHash = HashComponents(components)
	fp.PartialPrefix = fp.PrimaryHash[:PartialPrefixLength]

	g.mu.Lock()
	g.cached = fp
	g.cacheExpiry = time.Now().Add(g.cacheDuration)
	g.mu.Unlock()

	slog.Debug("hardware fingerprint generated",
		slog.String("partial_prefix", fp.PartialPrefix),
		slog.Int("signals_available", available),
		slog.Duration("generation_time", time.Since(start)),
	)

	cached := *fp
	return &cached, nil
}

// ClearCache discards the cached fingerprint so the next Generate call
// re-reads every signal.
func (g *Generator) ClearCache() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cached = nil
	g.cacheExpiry = time.Time{}
}

// HashComponents computes the deterministic primary hash over the ordered
// component list.
func HashComponents(components []Component) string {
	parts := make([]string, 0, len(components))
	for _, c := range components {
		parts = append(parts, c.Name+"="+c.Value)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func readMACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	// Prefer an up, non-loopback interface with a real MAC.
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

func readHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

func readCPUID() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
			return shortHash(procID), nil
		}
		return shortHash(fmt.Sprintf("windows-%s-%s", runtime.GOARCH, os.Getenv("PROCESSOR_ARCHITECTURE"))), nil
	case "linux":
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") ||
					strings.HasPrefix(line, "cpu family") ||
					strings.HasPrefix(line, "Hardware") {
					return shortHash(line), nil
				}
			}
		}
		return shortHash(fmt.Sprintf("linux-%s", runtime.GOARCH)), nil
	case "darwin":
		info := fmt.Sprintf("darwin-%s", runtime.GOARCH)
		if hostType := os.Getenv("HOSTTYPE"); hostType != "" {
			info = fmt.Sprintf("darwin-%s-%s", runtime.GOARCH, hostType)
		}
		return shortHash(info), nil
	default:
		return shortHash(fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)), nil
	}
}

func readDiskSerial() (string, error) {
	if runtime.GOOS != "linux" {
		return "", fmt.Errorf("disk serial not readable on %s", runtime.GOOS)
	}

	// Block device serials exposed by sysfs; no elevated privileges needed.
	matches, err := filepath.Glob("/sys/class/block/*/device/serial")
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("no block device serial available")
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		serial := strings.TrimSpace(string(data))
		if serial != "" {
			return shortHash(serial), nil
		}
	}
	return "", fmt.Errorf("no block device serial available")
}

func readOSUUID() (string, error) {
	switch runtime.GOOS {
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			id := strings.TrimSpace(string(data))
			if id != "" {
				return shortHash(id), nil
			}
		}
		return "", fmt.Errorf("no machine id available")
	case "windows":
		if guid := os.Getenv("COMPUTERNAME"); guid != "" {
			return shortHash(guid), nil
		}
		return "", fmt.Errorf("no machine id available")
	default:
		return "", fmt.Errorf("os uuid not readable on %s", runtime.GOOS)
	}
}

// HashValue hashes a single component value for persistence.
func HashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func shortHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}
