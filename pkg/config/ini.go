package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/northfield-iot/mm2gateway/pkg/sector"
)

// LoadManifest parses a device manifest in .ini format into a Config. file
// may be a path, []byte or io.Reader, anything gopkg.in/ini.v1 accepts.
//
// Manifest shape:
//
//	[general]
//	spool_dir = /var/spool/mm2
//	pool_sectors = 4096
//	high_water_percent = 80
//	upload_sources = gateway,hosted-device,can-bus,local-storage
//	gps_sensors = 900,901,902,903
//
//	[iface:eth0]
//	priority = 0
//	dhcp_server = false
//	anchor = 8.8.8.8
//
//	[sensor:42]
//	name = coolant_temp
//	kind = tsd
//	period_us = 100000
func LoadManifest(file any) (*Config, error) {
	f, err := ini.Load(file)
	if err != nil {
		return nil, fmt.Errorf("config: load manifest: %w", err)
	}

	cfg := &Config{}
	general := f.Section("general")
	cfg.SpoolDir = general.Key("spool_dir").String()
	cfg.PoolTotalSectors = general.Key("pool_sectors").MustInt(4096)
	cfg.HighWaterMarkPercent = general.Key("high_water_percent").MustInt(80)

	if raw := general.Key("upload_sources").String(); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			cfg.UploadSources = append(cfg.UploadSources, strings.TrimSpace(s))
		}
	}
	if raw := general.Key("gps_sensors").String(); raw != "" {
		parts := strings.Split(raw, ",")
		for i := 0; i < len(cfg.GPSSensorIDs) && i < len(parts); i++ {
			v, err := strconv.ParseUint(strings.TrimSpace(parts[i]), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("config: gps_sensors[%d]: %w", i, err)
			}
			cfg.GPSSensorIDs[i] = uint32(v)
		}
	}

	if cell := f.Section("cellular"); cell != nil {
		cfg.Cellular = CellularConfig{
			SerialPort:     cell.Key("serial_port").String(),
			BaudRate:       uint32(cell.Key("baud_rate").MustInt(115200)),
			PPPStartScript: cell.Key("ppp_start_script").String(),
			PPPLockDir:     cell.Key("ppp_lock_dir").MustString("/var/lock"),
			PPPTTYName:     cell.Key("ppp_tty_name").String(),
			LogPath:        cell.Key("log_path").String(),
			BlacklistThreshold: cell.Key("blacklist_threshold").MustInt(3),
			AutoScanInterval:   cell.Key("auto_scan_interval_minutes").MustInt(30),
		}
	}

	for _, section := range f.Sections() {
		name := section.Name()
		switch {
		case strings.HasPrefix(name, "iface:"):
			cfg.Interfaces = append(cfg.Interfaces, InterfaceConfig{
				Name:       strings.TrimPrefix(name, "iface:"),
				Priority:   section.Key("priority").MustInt(0),
				DHCPServer: section.Key("dhcp_server").MustBool(false),
				AnchorHost: section.Key("anchor").String(),
			})
		case strings.HasPrefix(name, "can:"):
			idStr := strings.TrimPrefix(name, "can:")
			canID, err := strconv.ParseUint(strings.TrimPrefix(idStr, "0x"), 16, 32)
			if err != nil {
				return nil, fmt.Errorf("config: can section %q: %w", name, err)
			}
			kind := sector.KindTSD
			if strings.EqualFold(section.Key("kind").String(), "evt") {
				kind = sector.KindEVT
			}
			cfg.CANMappings = append(cfg.CANMappings, CANMapping{
				CANID:      uint32(canID),
				SensorID:   uint32(section.Key("sensor_id").MustInt(0)),
				Kind:       kind,
				ByteOffset: section.Key("byte_offset").MustInt(0),
				ByteLength: section.Key("byte_length").MustInt(2),
				BigEndian:  section.Key("big_endian").MustBool(true),
				Scale:      section.Key("scale").MustFloat64(1.0),
				Offset:     section.Key("offset").MustFloat64(0.0),
				IsGPSGroup: section.Key("gps_group").MustBool(false),
			})
		case strings.HasPrefix(name, "sensor:"):
			idStr := strings.TrimPrefix(name, "sensor:")
			id, err := strconv.ParseUint(idStr, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("config: sensor section %q: %w", name, err)
			}
			kind := sector.KindTSD
			if strings.EqualFold(section.Key("kind").String(), "evt") {
				kind = sector.KindEVT
			}
			cfg.Sensors = append(cfg.Sensors, SensorConfig{
				ID:         uint32(id),
				Name:       section.Key("name").String(),
				Kind:       kind,
				PeriodUs:   uint32(section.Key("period_us").MustInt(0)),
				IsGPSGroup: section.Key("gps_group").MustBool(false),
			})
		}
	}
	return cfg, nil
}
