package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/bodgit/nod"
	"github.com/bodgit/nod/nfs"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var fs = afero.NewOsFs()

func init() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "print the version",
	}
}

func parseKeys(commonHex, koreanHex string) (nod.CommonKeyTable, error) {
	var keys nod.CommonKeyTable
	if commonHex != "" {
		b, err := hex.DecodeString(commonHex)
		if err != nil {
			return keys, fmt.Errorf("common key: %w", err)
		}
		if len(b) != 16 {
			return keys, fmt.Errorf("common key must be 16 bytes")
		}
		copy(keys[0][:], b)
	}
	if koreanHex != "" {
		b, err := hex.DecodeString(koreanHex)
		if err != nil {
			return keys, fmt.Errorf("korean key: %w", err)
		}
		if len(b) != 16 {
			return keys, fmt.Errorf("korean key must be 16 bytes")
		}
		copy(keys[1][:], b)
	}
	return keys, nil
}

// openImage opens name as a plain ISO or WBFS file, or, if it names a
// directory, as an NFS archive (hif_000000.nfs and friends).
func openImage(name string, keys nod.CommonKeyTable) (*nod.Disc, error) {
	info, err := fs.Stat(name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		c, err := nfs.Open(fs, name)
		if err != nil {
			return nil, err
		}
		disc, err := nod.OpenContainer(c, keys)
		if err != nil {
			c.Close()
			return nil, err
		}
		return disc, nil
	}
	return nod.Open(fs, name, keys)
}

// extractImage extracts every partition on file into directory. A disc
// with more than one partition (some Wii discs carry an UPDATE and/or
// CHANNEL partition alongside DATA) gets one subdirectory per partition
// kind; a single-partition disc extracts flat.
func extractImage(file, directory string, force bool, keys nod.CommonKeyTable, bar *progressbar.ProgressBar) error {
	disc, err := openImage(file, keys)
	if err != nil {
		return err
	}
	defer disc.Close()

	return nod.ExtractAll(fs, disc, directory, force, func(fraction float64, name string, xferred int64) {
		if bar != nil {
			bar.Set(int(fraction * 100))
		}
	})
}

func makeGCN(c *cli.Context, image string, bar *progressbar.ProgressBar) error {
	return nod.BuildGCN(fs, nod.GCNBuildOptions{
		GameID:        c.Args().Get(0),
		GameTitle:     c.Args().Get(1),
		SourceDir:     c.Args().Get(2),
		DOLPath:       c.Args().Get(3),
		ApploaderPath: c.Args().Get(4),
		ImagePath:     image,
		Progress: func(fraction float64, name string, xferred int64) {
			bar.Set(int(fraction * 100))
		},
	})
}

func makeWii(c *cli.Context, image string, dualLayer bool, bar *progressbar.ProgressBar) error {
	return nod.BuildWii(fs, nod.WiiBuildOptions{
		GameID:            c.Args().Get(0),
		GameTitle:         c.Args().Get(1),
		SourceDir:         c.Args().Get(2),
		DOLPath:           c.Args().Get(3),
		ApploaderPath:     c.Args().Get(4),
		PartitionHeadPath: c.Args().Get(5),
		DualLayer:         dualLayer,
		ImagePath:         image,
		Progress: func(fraction float64, name string, xferred int64) {
			bar.Set(int(fraction * 100))
		},
	})
}

func mergeImage(c *cli.Context, dualLayer, isWii bool, image string) error {
	keys, err := parseKeys(c.String("common-key"), c.String("korean-key"))
	if err != nil {
		return err
	}

	bar := progressbar.Default(100, "merging")
	opt := nod.MergeOptions{
		SourceImage:   c.Args().Get(0),
		SourceKeys:    keys,
		OverrideDir:   c.Args().Get(1),
		DOLPath:       c.Path("dol"),
		ApploaderPath: c.Path("apploader"),
		ImagePath:     image,
		Progress: func(fraction float64, name string, xferred int64) {
			bar.Set(int(fraction * 100))
		},
	}

	if isWii {
		return nod.MergeWii(fs, opt, dualLayer)
	}
	return nod.MergeGCN(fs, opt)
}

func main() {
	app := cli.NewApp()

	app.Name = "nod"
	app.Usage = "GameCube and Wii disc image utility"
	app.Version = fmt.Sprintf("%s, commit %s, built at %s", version, commit, date)

	cwd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}

	commonKeyFlag := &cli.StringFlag{
		Name:  "common-key",
		Usage: "Wii common key, as 32 hex digits",
	}
	koreanKeyFlag := &cli.StringFlag{
		Name:  "korean-key",
		Usage: "Wii Korean common key, as 32 hex digits",
	}

	app.Commands = []*cli.Command{
		{
			Name:        "extract",
			Usage:       "Extract every partition on a disc image to a directory",
			Description: "FILE may be an ISO, a WBFS archive or an NFS directory (hif_000000.nfs and friends). A disc with more than one partition extracts into one subdirectory per partition kind (DATA, UPDATE, CHANNEL).",
			ArgsUsage:   "FILE",
			Action: func(c *cli.Context) error {
				if c.NArg() < 1 {
					cli.ShowCommandHelpAndExit(c, c.Command.Name, 1)
				}

				file := c.Args().First()
				directory := c.Path("directory")
				if directory == "" {
					directory = file + ".ext"
				}

				keys, err := parseKeys(c.String("common-key"), c.String("korean-key"))
				if err != nil {
					return err
				}

				var bar *progressbar.ProgressBar
				if !c.Bool("quiet") {
					bar = progressbar.NewOptions(100, progressbar.OptionSetDescription("extracting"))
				}

				return extractImage(file, directory, c.Bool("force"), keys, bar)
			},
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:    "directory",
					Aliases: []string{"d"},
					Usage:   "extract to `DIRECTORY`",
					Value:   cwd,
				},
				&cli.BoolFlag{
					Name:    "force",
					Aliases: []string{"f"},
					Usage:   "overwrite an existing directory",
				},
				&cli.BoolFlag{
					Name:  "quiet",
					Usage: "suppress the progress bar",
				},
				commonKeyFlag,
				koreanKeyFlag,
			},
		},
		{
			Name:        "makegcn",
			Usage:       "Assemble a GameCube disc image from a host directory tree",
			Description: "",
			ArgsUsage:   "GAMEID TITLE FSROOT DOL APPLOADER",
			Action: func(c *cli.Context) error {
				if c.NArg() < 5 {
					cli.ShowCommandHelpAndExit(c, c.Command.Name, 1)
				}

				image := c.Path("output")
				if image == "" {
					image = c.Args().Get(0) + ".iso"
				}

				bar := progressbar.Default(100, "building")
				return makeGCN(c, image, bar)
			},
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:    "output",
					Aliases: []string{"o"},
					Usage:   "write the image to `FILE`",
				},
			},
		},
		{
			Name:        "makewiisl",
			Usage:       "Assemble a single-layer single-partition Wii disc image",
			Description: "",
			ArgsUsage:   "GAMEID TITLE FSROOT DOL APPLOADER PARTITIONHEAD",
			Action: func(c *cli.Context) error {
				if c.NArg() < 6 {
					cli.ShowCommandHelpAndExit(c, c.Command.Name, 1)
				}

				image := c.Path("output")
				if image == "" {
					image = c.Args().Get(0) + ".iso"
				}

				bar := progressbar.Default(100, "building")
				return makeWii(c, image, false, bar)
			},
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:    "output",
					Aliases: []string{"o"},
					Usage:   "write the image to `FILE`",
				},
			},
		},
		{
			Name:        "makewiidl",
			Usage:       "Assemble a dual-layer single-partition Wii disc image",
			Description: "",
			ArgsUsage:   "GAMEID TITLE FSROOT DOL APPLOADER PARTITIONHEAD",
			Action: func(c *cli.Context) error {
				if c.NArg() < 6 {
					cli.ShowCommandHelpAndExit(c, c.Command.Name, 1)
				}

				image := c.Path("output")
				if image == "" {
					image = c.Args().Get(0) + ".iso"
				}

				bar := progressbar.Default(100, "building")
				return makeWii(c, image, true, bar)
			},
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:    "output",
					Aliases: []string{"o"},
					Usage:   "write the image to `FILE`",
				},
			},
		},
		{
			Name:        "mergegcn",
			Usage:       "Rebuild a GameCube disc image, overlaying a directory of replacement files",
			Description: "",
			ArgsUsage:   "SOURCE OVERRIDEDIR",
			Action: func(c *cli.Context) error {
				if c.NArg() < 2 {
					cli.ShowCommandHelpAndExit(c, c.Command.Name, 1)
				}

				image := c.Path("output")
				if image == "" {
					image = c.Args().Get(0) + ".merged.iso"
				}

				return mergeImage(c, false, false, image)
			},
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:    "output",
					Aliases: []string{"o"},
					Usage:   "write the image to `FILE`",
				},
				&cli.PathFlag{
					Name:  "dol",
					Usage: "replace the DOL with `FILE`",
				},
				&cli.PathFlag{
					Name:  "apploader",
					Usage: "replace the apploader with `FILE`",
				},
			},
		},
		{
			Name:        "mergewii",
			Usage:       "Rebuild a single-partition Wii disc image, overlaying a directory of replacement files",
			Description: "",
			ArgsUsage:   "SOURCE OVERRIDEDIR",
			Action: func(c *cli.Context) error {
				if c.NArg() < 2 {
					cli.ShowCommandHelpAndExit(c, c.Command.Name, 1)
				}

				image := c.Path("output")
				if image == "" {
					image = c.Args().Get(0) + ".merged.iso"
				}

				return mergeImage(c, c.Bool("dual-layer"), true, image)
			},
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:    "output",
					Aliases: []string{"o"},
					Usage:   "write the image to `FILE`",
				},
				&cli.PathFlag{
					Name:  "dol",
					Usage: "replace the DOL with `FILE`",
				},
				&cli.PathFlag{
					Name:  "apploader",
					Usage: "replace the apploader with `FILE`",
				},
				&cli.BoolFlag{
					Name:  "dual-layer",
					Usage: "pad the result to dual-layer capacity",
				},
				commonKeyFlag,
				koreanKeyFlag,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
