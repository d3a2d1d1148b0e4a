// Command mm2gwctl is a thin flag-based front end over pkg/cliops, in the
// same spirit as the teacher's cmd/canopen (flag.String/flag.Int, no
// cobra). Spec §6 treats the CLI front-end itself as out of scope and
// only names the operations it must expose; a production build of this
// binary would be a small RPC client talking to the long-running
// mm2gateway process over whatever local transport that process exposes
// (also out of scope). What's wired up here instead loads the same
// manifest and constructs the same subsystems in-process, so the command
// table below is exercised against a live instance for local
// testing/demonstration rather than a separate daemon.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/northfield-iot/mm2gateway/pkg/cellular"
	"github.com/northfield-iot/mm2gateway/pkg/cliops"
	"github.com/northfield-iot/mm2gateway/pkg/config"
	"github.com/northfield-iot/mm2gateway/pkg/diag"
	"github.com/northfield-iot/mm2gateway/pkg/netmgr"
	"github.com/northfield-iot/mm2gateway/pkg/pool"
	"github.com/northfield-iot/mm2gateway/pkg/storage"
)

func main() {
	manifestPath := flag.String("manifest", "/etc/mm2gateway/manifest.ini", "device manifest path")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println("usage: mm2gwctl [-manifest path] <ms|ms-use|debug|net|cell|ppp> [args...]")
		os.Exit(2)
	}

	cfg, err := config.LoadManifest(*manifestPath)
	if err != nil {
		fmt.Printf("failed to load manifest %s: %v\n", *manifestPath, err)
		os.Exit(1)
	}

	log := logrus.NewEntry(logrus.StandardLogger())
	diagStream := diag.New(log)
	p := pool.New(cfg.PoolTotalSectors, diagStream)
	engine := storage.New(p, cfg, diagStream, func() uint64 { return uint64(time.Now().UnixMilli()) }, log)
	netManager := netmgr.New(cfg, diagStream, time.Now, netmgr.NewTCPProbe(3*time.Second, "443"), log)

	var supervisor *cellular.Supervisor
	if cfg.Cellular.SerialPort != "" {
		if modem, err := cellular.OpenSerialModem(cfg.Cellular.SerialPort, cfg.Cellular.BaudRate); err == nil {
			ppp := cellular.NewShellPPPRunner(cfg.Cellular.PPPStartScript, cfg.Cellular.PPPLockDir, cfg.Cellular.PPPTTYName)
			tail := cellular.NewLogTailer(cfg.Cellular.LogPath, 200, time.Second, time.Now)
			supervisor = cellular.New(modem, ppp, tail, diagStream, time.Now, ppp.Running(), log)
		}
	}

	if err := dispatch(args, cfg, p, engine, netManager, supervisor, diagStream); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func dispatch(args []string, cfg *config.Config, p *pool.Pool, engine *storage.Engine, netManager *netmgr.Manager, supervisor *cellular.Supervisor, diagStream *diag.Stream) error {
	switch args[0] {
	case "ms":
		if len(args) > 1 && args[1] == "use" {
			usage, err := cliops.MsUse(engine, cfg)
			if err != nil {
				return err
			}
			for _, u := range usage {
				fmt.Println(u)
			}
			return nil
		}
		fmt.Println(cliops.Ms(p, engine, cfg))
		return nil

	case "debug":
		if len(args) < 2 {
			return fmt.Errorf("usage: mm2gwctl debug <hex-mask>")
		}
		mask, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return fmt.Errorf("invalid mask %q: %w", args[1], err)
		}
		fmt.Println(cliops.Debug(diagStream, uint32(mask)))
		return nil

	case "net":
		fmt.Println(cliops.Net(netManager))
		return nil

	case "cell":
		if supervisor == nil {
			return fmt.Errorf("no cellular modem configured")
		}
		fmt.Println(cliops.Cell(supervisor))
		return nil

	case "ppp":
		if supervisor == nil {
			return fmt.Errorf("no cellular modem configured")
		}
		return dispatchPPP(args[1:], supervisor)

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func dispatchPPP(args []string, supervisor *cellular.Supervisor) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: mm2gwctl ppp <status|logs [N]|health|start|stop|restart>")
	}
	switch args[0] {
	case "status":
		fmt.Println(cliops.PPPStatusCmd(supervisor))
	case "logs":
		n := 20
		if len(args) > 1 {
			if v, err := strconv.Atoi(args[1]); err == nil {
				n = v
			}
		}
		lines, err := cliops.PPPLogs(supervisor, n)
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Println(l)
		}
	case "health":
		fmt.Printf("%+v\n", cliops.PPPHealth(supervisor))
	case "start":
		fmt.Println(cliops.PPPStart(supervisor))
	case "stop":
		fmt.Println(cliops.PPPStop(supervisor))
	case "restart":
		fmt.Println(cliops.PPPRestart(supervisor))
	default:
		return fmt.Errorf("unknown ppp subcommand %q", args[0])
	}
	return nil
}
