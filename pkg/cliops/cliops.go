// Package cliops implements the operator-facing command table from spec
// §6 (`ms`, `ms use`, `debug <mask>`, `net`, `cell`, `ppp ...`) as plain
// functions over the core's exported interfaces: each returns a small
// result struct plus a rendered string, for a CLI/TUI front end (out of
// scope here) to call. Grounded on the teacher's cmd/canopen/main.go,
// which has application code call straight into exported node/NMT methods
// with no intervening framework; cmd/mm2gwctl does the same over these
// functions instead of cobra.
package cliops

import (
	"fmt"
	"strings"
	"time"

	"github.com/northfield-iot/mm2gateway/pkg/cellular"
	"github.com/northfield-iot/mm2gateway/pkg/config"
	"github.com/northfield-iot/mm2gateway/pkg/diag"
	"github.com/northfield-iot/mm2gateway/pkg/netmgr"
	"github.com/northfield-iot/mm2gateway/pkg/pool"
	"github.com/northfield-iot/mm2gateway/pkg/sector"
	"github.com/northfield-iot/mm2gateway/pkg/storage"
)

// dataBytesPerSector returns how many of a sector's 32 bytes actually hold
// sample data for k (spec §2: "24 data bytes per 32-byte sector" for both
// layouts the scheme currently defines).
func dataBytesPerSector(k sector.Kind) int {
	switch k {
	case sector.KindTSD:
		return sector.TSDValuesPerSector * 4
	case sector.KindEVT:
		return sector.EVTPairsPerSector * 12 // {4-byte value, 8-byte timestamp}
	default:
		return 0
	}
}

// PoolSummary is the `ms` command's result.
type PoolSummary struct {
	UsedSectors       int
	TotalSectors      int
	FreeSectors       int
	EfficiencyPercent int
}

func (p PoolSummary) String() string {
	return fmt.Sprintf("sectors: %d/%d used, %d free, efficiency %d%%",
		p.UsedSectors, p.TotalSectors, p.FreeSectors, p.EfficiencyPercent)
}

// Ms is the `ms` command: pool summary.
func Ms(p *pool.Pool, engine *storage.Engine, cfg *config.Config) PoolSummary {
	summary := PoolSummary{
		UsedSectors:  p.UsedSectors(),
		TotalSectors: p.TotalSectors(),
		FreeSectors:  p.FreeSectors(),
	}
	var dataBytes, usedBytes int
	for _, sc := range cfg.Sensors {
		n, err := engine.SectorCount(sc.ID)
		if err != nil {
			continue
		}
		dataBytes += n * dataBytesPerSector(sc.Kind)
		usedBytes += n * sector.Size
	}
	if usedBytes > 0 {
		summary.EfficiencyPercent = dataBytes * 100 / usedBytes
	}
	return summary
}

// SensorUsage is one row of `ms use`.
type SensorUsage struct {
	SensorID uint32
	Name     string
	Sectors  int
	Records  int
}

func (u SensorUsage) String() string {
	return fmt.Sprintf("%-20s (id=%d) %4d sectors, %6d records", u.Name, u.SensorID, u.Sectors, u.Records)
}

// MsUse is the `ms use` command: per-sensor chain length.
func MsUse(engine *storage.Engine, cfg *config.Config) ([]SensorUsage, error) {
	out := make([]SensorUsage, 0, len(cfg.Sensors))
	for _, sc := range cfg.Sensors {
		sectors, err := engine.SectorCount(sc.ID)
		if err != nil {
			return nil, fmt.Errorf("cliops: sector count for %s: %w", sc.Name, err)
		}
		records, err := engine.TotalRecords(sc.ID)
		if err != nil {
			return nil, fmt.Errorf("cliops: record count for %s: %w", sc.Name, err)
		}
		out = append(out, SensorUsage{SensorID: sc.ID, Name: sc.Name, Sectors: sectors, Records: records})
	}
	return out, nil
}

// Debug is the `debug <hex-mask>` command: sets the diagnostic stream's
// category filter.
func Debug(diagStream *diag.Stream, mask uint32) string {
	diagStream.SetDebugMask(mask)
	return fmt.Sprintf("debug mask set to 0x%x", mask)
}

// NetStatus is the `net` command's result.
type NetStatus struct {
	State      netmgr.State
	Current    string
	Interfaces []netmgr.IfaceStatus
}

func (n NetStatus) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s  current: %s\n", n.State, n.Current)
	for _, i := range n.Interfaces {
		fmt.Fprintf(&b, "  %-10s priority=%d dhcp=%v score=%d active=%v", i.Name, i.Priority, i.DHCPServer, i.Score, i.Active)
		if !i.CooldownUntil.IsZero() {
			fmt.Fprintf(&b, " cooldown_until=%s", i.CooldownUntil.Format(time.RFC3339))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Net is the `net` command: current interface, scores, cooldowns.
func Net(m *netmgr.Manager) NetStatus {
	state, ifaces := m.Status()
	current, _ := m.CurrentInterface()
	return NetStatus{State: state, Current: current, Interfaces: ifaces}
}

// CellStatus is the `cell` command's result.
type CellStatus struct {
	cellular.Status
}

func (c CellStatus) String() string {
	return fmt.Sprintf("state: %s  carrier: %s  link: %s  ip: %s  last_error: %s",
		c.State, c.Carrier, c.LinkState, c.LocalIP, c.LastError)
}

// Cell is the `cell` command: supervisor state, carrier, signal, last PPP
// state.
func Cell(s *cellular.Supervisor) CellStatus {
	return CellStatus{Status: s.GetStatus()}
}

// PPPStatus is `ppp status`: a combined view of cell plus health.
type PPPStatus struct {
	CellStatus
	Health cellular.Health
}

func (p PPPStatus) String() string {
	return fmt.Sprintf("%s  online_for=%s health_passes=%d", p.CellStatus.String(), p.Health.OnlineFor, p.Health.HealthPasses)
}

func PPPStatusCmd(s *cellular.Supervisor) PPPStatus {
	return PPPStatus{CellStatus: Cell(s), Health: s.Health()}
}

// PPPLogs is `ppp logs [N]`.
func PPPLogs(s *cellular.Supervisor, n int) ([]string, error) {
	lines, err := s.Logs(n)
	if err != nil {
		return nil, fmt.Errorf("cliops: ppp logs: %w", err)
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out, nil
}

// PPPHealth is `ppp health`.
func PPPHealth(s *cellular.Supervisor) cellular.Health {
	return s.Health()
}

// PPPStart is `ppp start`.
func PPPStart(s *cellular.Supervisor) string {
	s.Reconnect()
	return "ppp start requested"
}

// PPPStop is `ppp stop`.
func PPPStop(s *cellular.Supervisor) string {
	s.RequestStop()
	return "ppp stop requested"
}

// PPPRestart is `ppp restart`.
func PPPRestart(s *cellular.Supervisor) string {
	s.Reconnect()
	return "ppp restart requested"
}
