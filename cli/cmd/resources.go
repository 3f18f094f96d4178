package cmd

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/virtsnd/cli/render"
)

// ResourceEntry is one row of the resources listing.
type ResourceEntry struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ResourcesCommand returns the resources command, a read-only listing of the
// blobs a backend would serve from a resource directory.
func ResourcesCommand() *cli.Command {
	return &cli.Command{
		Name:      "resources",
		Usage:     "List the loadable blobs under a resource directory",
		ArgsUsage: "<dir>",
		Flags:     ReadOnlyFlags(),
		Action:    resourcesAction,
	}
}

func resourcesAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: virtsnd resources <dir>", 1)
	}
	dir := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for resources command", 1)
	}

	var entries []ResourceEntry
	for _, typ := range []string{"firmware", "library", "topology"} {
		sub := filepath.Join(dir, typ)
		files, err := os.ReadDir(sub)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			entries = append(entries, ResourceEntry{
				Type: typ,
				Name: f.Name(),
				Size: info.Size(),
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type < entries[j].Type
		}
		return entries[i].Name < entries[j].Name
	})

	return r.Render(entries)
}
