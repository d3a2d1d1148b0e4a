package cliops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/northfield-iot/mm2gateway/pkg/cellular"
	"github.com/northfield-iot/mm2gateway/pkg/config"
	"github.com/northfield-iot/mm2gateway/pkg/diag"
	"github.com/northfield-iot/mm2gateway/pkg/netmgr"
	"github.com/northfield-iot/mm2gateway/pkg/pool"
	"github.com/northfield-iot/mm2gateway/pkg/sector"
	"github.com/northfield-iot/mm2gateway/pkg/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Sensors: []config.SensorConfig{
			{ID: 1, Name: "coolant_temp", Kind: sector.KindTSD, PeriodUs: 100000},
		},
		UploadSources:        []string{"gateway"},
		PoolTotalSectors:      16,
		HighWaterMarkPercent: 80,
	}
}

func TestMsAndMsUseReflectWrites(t *testing.T) {
	cfg := testConfig()
	p := pool.New(cfg.PoolTotalSectors, nil)
	engine := storage.New(p, cfg, nil, func() uint64 { return 0 }, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, engine.WriteTSD(1, uint32(i)))
	}

	summary := Ms(p, engine, cfg)
	require.Equal(t, cfg.PoolTotalSectors, summary.TotalSectors)
	require.Greater(t, summary.UsedSectors, 0)
	require.Equal(t, 75, summary.EfficiencyPercent) // TSD: 24/32 data bytes

	usage, err := MsUse(engine, cfg)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	require.Equal(t, "coolant_temp", usage[0].Name)
	require.Equal(t, 5, usage[0].Records)
}

func TestDebugSetsStreamMask(t *testing.T) {
	d := diag.New(nil)
	msg := Debug(d, diag.CategoryNetwork)
	require.Contains(t, msg, "0x")

	ch, cancel := d.Subscribe(2)
	defer cancel()
	d.Emit("pool", "threshold", nil) // filtered out
	d.Emit("netmgr", "state", nil)   // passes

	select {
	case ev := <-ch:
		require.Equal(t, "netmgr", ev.Component)
	case <-time.After(time.Second):
		t.Fatal("expected one event to pass the mask")
	}
}

type fakeProber struct{ successes int }

func (p *fakeProber) Probe(ctx context.Context, anchor string, count int) int { return p.successes }

func TestNetReportsCurrentInterface(t *testing.T) {
	cfg := &config.Config{Interfaces: []config.InterfaceConfig{
		{Name: "eth0", Priority: 0, AnchorHost: "8.8.8.8"},
	}}
	clock := func() time.Time { return time.Unix(0, 0) }
	m := netmgr.New(cfg, nil, clock, &fakeProber{successes: 10}, nil)

	for i := 0; i < 20; i++ {
		m.Tick(context.Background())
		time.Sleep(time.Millisecond)
	}

	status := Net(m)
	require.NotEmpty(t, status.Interfaces)
	require.NotEmpty(t, status.String())
}

type fakeModem struct{}

func (fakeModem) SendAT(cmd string, timeout time.Duration) ([]string, error) { return []string{"OK"}, nil }
func (fakeModem) Close() error                                               { return nil }

type fakePPP struct{ running bool }

func (p *fakePPP) Start() error          { p.running = true; return nil }
func (p *fakePPP) Stop() error           { p.running = false; return nil }
func (p *fakePPP) ForceStop() error      { p.running = false; return nil }
func (p *fakePPP) Running() bool         { return p.running }
func (p *fakePPP) CleanLockFiles() error { return nil }

func TestCellAndPPPCommandsExposeStatus(t *testing.T) {
	logPath := t.TempDir() + "/ppp.log"
	clock := func() time.Time { return time.Unix(0, 0) }
	tail := cellular.NewLogTailer(logPath, 50, time.Second, clock)
	ppp := &fakePPP{}
	sup := cellular.New(fakeModem{}, ppp, tail, nil, clock, false, nil)

	cell := Cell(sup)
	require.NotEmpty(t, cell.String())

	require.Equal(t, "ppp stop requested", PPPStop(sup))
	require.Equal(t, "ppp start requested", PPPStart(sup))
	require.Equal(t, "ppp restart requested", PPPRestart(sup))

	h := PPPHealth(sup)
	require.False(t, h.Connected)

	logs, err := PPPLogs(sup, 10)
	require.NoError(t, err)
	require.Empty(t, logs)
}
