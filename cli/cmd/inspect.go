package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/virtsnd/cli/reader"
	"github.com/pithecene-io/virtsnd/cli/render"
)

// InspectCommand returns the inspect command group.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect recorded protocol traffic",
		Subcommands: []*cli.Command{
			{
				Name:      "trace",
				Usage:     "List the messages of a trace file",
				ArgsUsage: "<path>",
				Flags:     ReadOnlyFlags(),
				Action:    inspectTraceAction,
			},
		},
	}
}

func inspectTraceAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: virtsnd inspect trace <path>", 1)
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

	if c.Bool("tui") {
		summary := reader.Summarize(path, records)
		return r.RenderTUI("inspect_trace", &summary)
	}

	return r.Render(records)
}
