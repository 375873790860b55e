package discovery

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

const (
	defaultSysfsRoot = "/sys"

	classInfinibandPath = "class/infiniband"
	portsDirName        = "ports"
	gidAttrsDirName     = "gid_attrs"
	ndevsDirName        = "ndevs"
	linkLayerFile       = "link_layer"
	stateFile           = "state"
	physStateFile       = "phys_state"
	linkWidthFile       = "link_width"
	rateFile            = "rate"
)

var (
	// ref. https://codebrowser.dev/linux/linux/include/rdma/ib_verbs.h.html#ib_port_state
	portStateNames = map[int]string{
		0: "NOP",
		1: "DOWN",
		2: "INIT",
		3: "ARMED",
		4: "ACTIVE",
		5: "ACTIVE_DEFER",
	}
	// ref. https://codebrowser.dev/linux/linux/include/rdma/ib_verbs.h.html#ib_port_phys_state
	portPhysStateNames = map[int]string{
		1: "SLEEP",
		2: "POLLING",
		3: "DISABLED",
		4: "PORT_CONFIGURATION_TRAINING",
		5: "LINK_UP",
		6: "LINK_ERROR_RECOVERY",
		7: "PHY_TEST",
	}
)

// PortAttributes captures descriptive link metadata sysfs exposes
// alongside the counters rdmamap already reads, used to enrich the
// log line an Enumerator emits per registered device/port.
type PortAttributes struct {
	LinkLayer string
	State     string
	PhysState string
	LinkWidth string
	LinkSpeed string
	NetDev    string
}

// SysfsSource implements Source by walking /sys/class/infiniband
// directly, for hosts or test fixtures where the rdmamap bindings
// aren't available. It also offers PortAttributes, which rdmamap
// doesn't expose, as an enrichment step.
type SysfsSource struct {
	mu             sync.RWMutex
	sysfsRoot      string
	excludeDevices map[string]bool
	logger         *slog.Logger
}

// NewSysfsSource returns a SysfsSource rooted at root (or /sys if root
// is empty).
func NewSysfsSource(root string, logger *slog.Logger) *SysfsSource {
	if root == "" {
		root = defaultSysfsRoot
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SysfsSource{sysfsRoot: filepath.Clean(root), logger: logger}
}

// SetExcludeDevices configures which devices Devices/DeviceNames skip.
func (s *SysfsSource) SetExcludeDevices(devices []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.excludeDevices = make(map[string]bool, len(devices))
	for _, dev := range devices {
		s.excludeDevices[dev] = true
	}
}

func (s *SysfsSource) isExcluded(device string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.excludeDevices[device]
}

// DeviceNames lists the HCA names present under class/infiniband. It
// swallows read errors (returning no devices) to satisfy the Source
// interface, logging instead, the same way rdmamapSource treats an
// empty device list as "nothing to enumerate yet" rather than fatal.
func (s *SysfsSource) DeviceNames() []string {
	s.mu.RLock()
	root := s.sysfsRoot
	s.mu.RUnlock()

	classDir := filepath.Join(root, classInfinibandPath)
	entries, err := os.ReadDir(classDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Error("failed to list sysfs infiniband class directory", "root", root, "err", err)
		}
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			if entry.Type()&fs.ModeSymlink == 0 {
				continue
			}
			info, err := os.Stat(filepath.Join(classDir, entry.Name()))
			if err != nil || !info.IsDir() {
				continue
			}
		}
		if s.isExcluded(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names
}

// PortNumbers lists the port IDs present for deviceName.
func (s *SysfsSource) PortNumbers(deviceName string) ([]int, error) {
	s.mu.RLock()
	root := s.sysfsRoot
	s.mu.RUnlock()

	dir := filepath.Join(root, classInfinibandPath, deviceName, portsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	ports := make([]int, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		portID, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		ports = append(ports, portID)
	}
	return ports, nil
}

// PortAttributes reads the link_layer/state/phys_state/link_width/rate
// files and resolves the netdev backing an RDMA port, for an Enumerator
// to log alongside registration.
func (s *SysfsSource) PortAttributes(deviceName string, port int) PortAttributes {
	s.mu.RLock()
	root := s.sysfsRoot
	s.mu.RUnlock()

	portDir := filepath.Join(root, classInfinibandPath, deviceName, portsDirName, strconv.Itoa(port))

	readRaw := func(name string) string {
		data, err := os.ReadFile(filepath.Join(portDir, name))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}
	read := func(name string) string {
		value := readRaw(name)
		if idx := strings.Index(value, "("); idx > 0 {
			value = strings.TrimSpace(value[:idx])
		}
		return value
	}

	return PortAttributes{
		LinkLayer: read(linkLayerFile),
		State:     normalizePortState(readRaw(stateFile), portStateNames),
		PhysState: normalizePortState(readRaw(physStateFile), portPhysStateNames),
		LinkWidth: read(linkWidthFile),
		LinkSpeed: read(rateFile),
		NetDev:    readPortNetDev(portDir),
	}
}

func readPortNetDev(portDir string) string {
	ndevsPath := filepath.Join(portDir, gidAttrsDirName, ndevsDirName)
	entries, err := os.ReadDir(ndevsPath)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(ndevsPath, entry.Name()))
		if err != nil {
			continue
		}
		if value := strings.TrimSpace(string(data)); value != "" {
			return value
		}
	}
	return ""
}

func normalizePortState(value string, names map[int]string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if number, ok := extractFirstNumber(value); ok {
		if label, found := names[number]; found {
			return label
		}
	}
	if idx := strings.Index(value, ":"); idx >= 0 {
		if label := canonicalFromLabel(value[idx+1:], names); label != "" {
			return label
		}
	}
	if label := canonicalFromLabel(value, names); label != "" {
		return label
	}
	return value
}

func canonicalFromLabel(label string, names map[int]string) string {
	normalized := normalizeLabelKey(label)
	if normalized == "" {
		return ""
	}
	for _, name := range names {
		if normalizeLabelKey(name) == normalized {
			return name
		}
	}
	return ""
}

func normalizeLabelKey(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

func extractFirstNumber(value string) (int, bool) {
	start := -1
	for i, r := range value {
		if r >= '0' && r <= '9' {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 {
			if num, err := strconv.Atoi(value[start:i]); err == nil {
				return num, true
			}
			start = -1
		}
	}
	if start != -1 {
		if num, err := strconv.Atoi(value[start:]); err == nil {
			return num, true
		}
	}
	return 0, false
}
