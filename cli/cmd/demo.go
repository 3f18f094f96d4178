package cmd

import (
	"context"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/virtsnd/audio"
	"github.com/pithecene-io/virtsnd/backend"
	"github.com/pithecene-io/virtsnd/cli/config"
	"github.com/pithecene-io/virtsnd/cli/render"
	"github.com/pithecene-io/virtsnd/frontend"
	"github.com/pithecene-io/virtsnd/kctl"
	"github.com/pithecene-io/virtsnd/log"
	"github.com/pithecene-io/virtsnd/metrics"
	"github.com/pithecene-io/virtsnd/resource"
	"github.com/pithecene-io/virtsnd/trace"
	"github.com/pithecene-io/virtsnd/transport"
	"github.com/pithecene-io/virtsnd/wire"
)

// DemoResult is the demo command's report.
type DemoResult struct {
	Domain     string           `json:"domain"`
	DomainID   uint32           `json:"domain_id"`
	Periods    int              `json:"periods"`
	Frames     uint64           `json:"frames"`
	Frontend   metrics.Snapshot `json:"frontend"`
	Backend    metrics.Snapshot `json:"backend"`
	TraceFile  string           `json:"trace_file,omitempty"`
	ElapsedMS  int64            `json:"elapsed_ms"`
	KctlEchoed bool             `json:"kctl_echoed"`
}

// DemoCommand returns the demo command: a full in-process session between a
// frontend and backend over the shared channels, driving a fake substream.
func DemoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Run an in-process frontend/backend session",
		Flags: append([]cli.Flag{
			ConfigFlag,
			&cli.IntFlag{
				Name:  "periods",
				Value: 8,
				Usage: "Number of period interrupts to simulate",
			},
			&cli.StringFlag{
				Name:  "trace",
				Usage: "Record protocol traffic to this file",
			},
		}, ReadOnlyFlags()...),
		Action: demoAction,
	}
}

func demoAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg := demoConfig()
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
	}

	periods := c.Int("periods")
	result, err := runDemo(c.Context, cfg, periods, c.String("trace"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.Bool("tui") {
		return r.RenderTUI("stats_endpoint", &result.Frontend)
	}
	return r.Render(result)
}

// demoConfig is the built-in configuration used when no file is given: one
// guest domain owning one playback stream and one mixer control.
func demoConfig() *config.Config {
	cfg := &config.Config{
		Domain: config.DomainConfig{Name: "guest-audio"},
		Topology: config.TopologyConfig{
			Domains: []config.DomainEntry{
				{Name: "guest-audio", ID: 1, Topology: "guest-audio.tplg"},
			},
			PCMOwners: []config.PCMOwner{
				{PCMID: "Speaker", Direction: "playback", DomainID: 1},
			},
			StaticKctls: []config.KctlEntry{
				{ControlID: "Master Playback Volume", DomainID: 1},
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func runDemo(ctx context.Context, cfg *config.Config, periods int, tracePath string) (*DemoResult, error) {
	start := time.Now()

	table, err := cfg.Table()
	if err != nil {
		return nil, err
	}

	var tw *trace.Writer
	if tracePath != "" {
		tw, err = trace.Create(tracePath)
		if err != nil {
			return nil, err
		}
		defer tw.Close()
	}

	beMet := metrics.NewCollector("backend", "host")
	feMet := metrics.NewCollector("frontend", cfg.Domain.Name)

	xlate := audio.NewMemTranslator()
	dev := audio.NewFakeDevice()
	sub := dev.Add("Speaker", wire.DirPlayback, 8)

	store := resource.NewStore()
	if cfg.Resources.Dir != "" {
		store, err = resource.Open(cfg.Resources.Dir)
		if err != nil {
			return nil, err
		}
	} else {
		store.Put(wire.ResTopology, "guest-audio.tplg", make([]byte, 4096))
	}

	be := backend.New(backend.Options{
		Log:     log.NewLogger("host", 0),
		Metrics: beMet,
		Table:   table,
		Device:  dev,
		Xlate:   xlate,
		Res:     store,
		Trace:   tw,
		HDA: wire.HDAConfig{
			CpStreams: 4,
			PbStreams: 4,
		},
	})
	defer be.Stop()
	be.Kctls().Register("Master Playback Volume", &kctl.MemControl{})

	ch := transport.NewChannels(cfg.Transport.ChannelSlots)
	client := be.Attach(ch)
	defer be.Detach(client)

	fe := frontend.New(ch, frontend.Options{
		Log:              log.NewLogger(cfg.Domain.Name, 0),
		Metrics:          feMet,
		DomainName:       cfg.Domain.Name,
		Alloc:            xlate,
		RequestTimeout:   cfg.Timeouts.Request.Duration,
		TriggerTimeout:   cfg.Timeouts.Trigger.Duration,
		RetryInterval:    cfg.Timeouts.RetryInterval.Duration,
		RetryAttempts:    cfg.Timeouts.RetryAttempts,
		InboxBuffers:     cfg.Transport.InboxBuffers,
	})
	defer fe.Stop()

	if err := fe.Register(ctx); err != nil {
		return nil, err
	}
	if _, err := fe.QueryHDA(ctx); err != nil {
		return nil, err
	}
	if _, err := fe.FetchTopology(ctx, "guest-audio.tplg"); err != nil {
		return nil, err
	}

	echoed := make(chan struct{}, 1)
	fe.OnKctlChange(func(string, *wire.KctlValue) {
		select {
		case echoed <- struct{}{}:
		default:
		}
	})
	var vol wire.KctlValue
	vol.Value[0] = 60
	if err := fe.KctlSet(ctx, "Master Playback Volume", &vol); err != nil {
		return nil, err
	}

	st, err := fe.OpenStream(ctx, frontend.StreamConfig{
		PCMID:       "Speaker",
		Direction:   wire.DirPlayback,
		BufferBytes: 8 * 4096,
		Pages:       8,
	})
	if err != nil {
		return nil, err
	}

	params := wire.HwParams{
		Rate:       48000,
		Channels:   2,
		BufferSize: 4096,
		PeriodSize: 512,
		Periods:    8,
	}
	if err := st.HwParams(ctx, &params); err != nil {
		return nil, err
	}
	if err := st.Prepare(ctx); err != nil {
		return nil, err
	}
	if err := st.Trigger(ctx, wire.TriggerStart); err != nil {
		return nil, err
	}

	for i := 0; i < periods; i++ {
		sub.Advance(uint64(params.PeriodSize))
		be.NotifyStreamUpdate("Speaker", wire.DirPlayback)
		time.Sleep(time.Millisecond)
	}
	frames := st.Frames()

	if err := st.Trigger(ctx, wire.TriggerStop); err != nil {
		return nil, err
	}
	if err := st.Close(ctx); err != nil {
		return nil, err
	}

	kctlEchoed := false
	select {
	case <-echoed:
		kctlEchoed = true
	case <-time.After(time.Second):
	}

	return &DemoResult{
		Domain:     cfg.Domain.Name,
		DomainID:   fe.DomainID(),
		Periods:    periods,
		Frames:     frames,
		Frontend:   feMet.Snapshot(),
		Backend:    beMet.Snapshot(),
		TraceFile:  tracePath,
		ElapsedMS:  time.Since(start).Milliseconds(),
		KctlEchoed: kctlEchoed,
	}, nil
}
