// Copyright (c) Innofi
// Licensed under the MIT license

// Command packfs inspects and creates pack archives: the host-side
// companion of the device reader.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "packfs",
		Usage: "inspect and create pack archives",
		Commands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "list the entries of an archive",
				ArgsUsage: "<archive>",
				Action: func(c *cli.Context) error {
					return (&list{path: c.Args().First()}).Run()
				},
			},
			{
				Name:      "meta",
				Usage:     "list the meta records of an archive",
				ArgsUsage: "<archive>",
				Action: func(c *cli.Context) error {
					return (&meta{path: c.Args().First()}).Run()
				},
			},
			{
				Name:      "cat",
				Usage:     "write one entry to stdout",
				ArgsUsage: "<archive#interior/path>",
				Action: func(c *cli.Context) error {
					return (&cat{composite: c.Args().First()}).Run()
				},
			},
			{
				Name:      "verify",
				Usage:     "stream-verify an archive's hashes",
				ArgsUsage: "<archive>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "full", Usage: "verify every image entry hash"},
				},
				Action: func(c *cli.Context) error {
					return (&verify{path: c.Args().First(), full: c.Bool("full")}).Run()
				},
			},
			{
				Name:      "create",
				Usage:     "build an archive from files",
				ArgsUsage: "<file>...",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Required: true},
					&cli.StringSliceFlag{Name: "meta", Usage: "meta record key=value"},
					&cli.StringSliceFlag{Name: "image", Usage: "treat this path as a firmware image"},
					&cli.IntFlag{Name: "lzo", Usage: "compress entries with this LZO block size"},
				},
				Action: func(c *cli.Context) error {
					return (&create{
						output: c.String("output"),
						metas:  c.StringSlice("meta"),
						images: c.StringSlice("image"),
						lzo:    c.Int("lzo"),
						files:  c.Args().Slice(),
					}).Run()
				},
			},
			{
				Name:      "strip",
				Usage:     "re-emit an archive with the image section removed",
				ArgsUsage: "<archive>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Required: true},
				},
				Action: func(c *cli.Context) error {
					return (&strip{path: c.Args().First(), output: c.String("output")}).Run()
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
