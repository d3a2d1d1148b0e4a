// Command mm2gateway wires together the storage engine, network interface
// manager, cellular supervisor, CAN/OBD2 feed, and scheduler into one
// running process, reading its configuration from a device manifest. In
// the spirit of the teacher's cmd/canopen/main.go (flag.String config
// path, straight construction calls, no wiring framework).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/northfield-iot/mm2gateway/pkg/canfeed"
	"github.com/northfield-iot/mm2gateway/pkg/cellular"
	"github.com/northfield-iot/mm2gateway/pkg/config"
	"github.com/northfield-iot/mm2gateway/pkg/diag"
	"github.com/northfield-iot/mm2gateway/pkg/netmgr"
	"github.com/northfield-iot/mm2gateway/pkg/pool"
	"github.com/northfield-iot/mm2gateway/pkg/scheduler"
	"github.com/northfield-iot/mm2gateway/pkg/storage"
)

func main() {
	manifestPath := flag.String("manifest", "/etc/mm2gateway/manifest.ini", "device manifest path")
	canIface := flag.String("can-iface", "", "CAN interface to feed from (e.g. can0); empty disables the feed")
	logLevel := flag.String("log-level", "info", "logrus level")
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	cfg, err := config.LoadManifest(*manifestPath)
	if err != nil {
		fmt.Printf("failed to load manifest %s: %v\n", *manifestPath, err)
		os.Exit(1)
	}

	diagStream := diag.New(entry)
	p := pool.New(cfg.PoolTotalSectors, diagStream)
	engine := storage.New(p, cfg, diagStream, func() uint64 { return uint64(time.Now().UnixMilli()) }, entry)

	prober := netmgr.NewTCPProbe(3*time.Second, "443")
	netManager := netmgr.New(cfg, diagStream, time.Now, prober, entry)
	netManager.OnInterfaceChanged(func(ifaceName, localIP string) {
		entry.WithFields(logrus.Fields{"iface": ifaceName, "ip": localIP}).Info("active uplink interface changed")
	})

	var supervisor *cellular.Supervisor
	if cfg.Cellular.SerialPort != "" {
		modem, err := cellular.OpenSerialModem(cfg.Cellular.SerialPort, cfg.Cellular.BaudRate)
		if err != nil {
			entry.WithError(err).Error("failed to open cellular modem, continuing without cellular uplink")
		} else {
			ppp := cellular.NewShellPPPRunner(cfg.Cellular.PPPStartScript, cfg.Cellular.PPPLockDir, cfg.Cellular.PPPTTYName)
			tail := cellular.NewLogTailer(cfg.Cellular.LogPath, 200, time.Second, time.Now)
			supervisor = cellular.New(modem, ppp, tail, diagStream, time.Now, ppp.Running(), entry,
				cellular.WithBlacklistThreshold(cfg.Cellular.BlacklistThreshold),
				cellular.WithAutoScanInterval(time.Duration(cfg.Cellular.AutoScanInterval)*time.Minute),
				cellular.WithHardwareResetter(logOnlyHardwareResetter{log: entry}),
			)
		}
	}

	sched := scheduler.New(engine, netManager, netManager, supervisorOrNil(supervisor), diagStream, time.Now, entry)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *canIface != "" {
		feed, err := canfeed.New(*canIface, engine, canfeed.MappingsFromConfig(cfg.CANMappings), diagStream, time.Now, entry)
		if err != nil {
			entry.WithError(err).Error("failed to start CAN feed, continuing without it")
		} else {
			go func() {
				if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
					entry.WithError(err).Error("CAN feed exited")
				}
			}()
		}
	}

	sched.Run(ctx)
}

// logOnlyHardwareResetter is the default cellular.HardwareResetter: this
// deployment target has no GPIO-driven modem power cycle wired up yet, so a
// hardware-reset escalation just logs loudly instead of silently never
// firing.
type logOnlyHardwareResetter struct {
	log *logrus.Entry
}

func (r logOnlyHardwareResetter) Reset(ctx context.Context) error {
	r.log.Warn("cellular supervisor escalated to hardware reset but no GPIO resetter is wired up on this target")
	return nil
}

// supervisorOrNil returns a typed-nil-safe scheduler.CellularTicker: a nil
// *cellular.Supervisor passed directly would be a non-nil interface value
// wrapping a nil pointer, which the scheduler's `!= nil` check can't catch.
func supervisorOrNil(s *cellular.Supervisor) scheduler.CellularTicker {
	if s == nil {
		return nil
	}
	return s
}
