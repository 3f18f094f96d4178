package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/virtsnd/cli/reader"
	"github.com/pithecene-io/virtsnd/cli/render"
)

// StatsCommand returns the stats command group.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Aggregate statistics over recorded traffic",
		Subcommands: []*cli.Command{
			{
				Name:      "trace",
				Usage:     "Summarize a trace file",
				ArgsUsage: "<path>",
				Flags:     ReadOnlyFlags(),
				Action:    statsTraceAction,
			},
		},
	}
}

func statsTraceAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: virtsnd stats trace <path>", 1)
	}
	path := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	records, err := reader.Load(path)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	summary := reader.Summarize(path, records)

	if c.Bool("tui") {
		return r.RenderTUI("inspect_trace", &summary)
	}

	return r.Render(summary)
}
