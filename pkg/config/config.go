// Package config holds the parsed configuration struct the core consumes.
// Loading the on-device binary configuration format itself is out of scope
// (spec §6); what ships here is that struct plus, for tests/cmd/examples, a
// concrete loader for a human-editable manifest, grounded on the reference
// stack's own EDS loader (od_parser.go), which also turns a flat text
// format into the runtime config structs via gopkg.in/ini.v1.
package config

import "github.com/northfield-iot/mm2gateway/pkg/sector"

// SensorConfig describes one sensor's sector kind, sampling period, and
// (for TSD/EVT-with-GPS groups) its role in a GPS companion group.
type SensorConfig struct {
	ID         uint32
	Name       string
	Kind       sector.Kind
	PeriodUs   uint32 // inter-sample period for TSD sensors
	IsGPSGroup bool   // true for the four designated GPS companion sensors
}

// InterfaceConfig describes one candidate uplink interface.
type InterfaceConfig struct {
	Name       string
	Priority   int // lower is higher priority
	DHCPServer bool
	AnchorHost string // probe target for this interface
}

// CellularConfig describes the modem/PPP setup the cellular supervisor
// drives (spec §4.4).
type CellularConfig struct {
	SerialPort    string
	BaudRate      uint32
	PPPStartScript string
	PPPLockDir    string
	PPPTTYName    string
	LogPath       string

	BlacklistThreshold int
	AutoScanInterval   int // minutes
}

// CANMapping describes one fixed CAN-ID -> sensor row for pkg/canfeed
// (spec §4.5): a byte offset/length within the 8-byte frame, optionally
// big-endian, scaled and offset linearly into the stored value. Not a PID
// decoder — just enough to drive the producer API from real CAN traffic.
type CANMapping struct {
	CANID       uint32
	SensorID    uint32
	Kind        sector.Kind
	ByteOffset  int
	ByteLength  int // 1, 2, or 4
	BigEndian   bool
	Scale       float64
	Offset      float64
	IsGPSGroup  bool
}

// Config is the parsed configuration struct referenced throughout spec §6:
// sensors, upload sources, interfaces (with priority and DHCP-server flag),
// and probe anchors.
type Config struct {
	Sensors       []SensorConfig
	UploadSources []string // closed enumeration, order defines the index
	Interfaces    []InterfaceConfig
	GPSSensorIDs  [4]uint32 // the four configured GPS companion sensor IDs
	Cellular      CellularConfig
	CANMappings   []CANMapping

	SpoolDir             string
	PoolTotalSectors      int
	HighWaterMarkPercent int // spillover trigger, e.g. 80
}

// SourceIndex returns the index of name within UploadSources, or -1.
func (c *Config) SourceIndex(name string) int {
	for i, s := range c.UploadSources {
		if s == name {
			return i
		}
	}
	return -1
}
