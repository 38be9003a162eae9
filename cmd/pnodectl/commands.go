package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-logr/logr"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/linlinhaohao888/LegoOS/pkg/api"
	"github.com/linlinhaohao888/LegoOS/pkg/config"
	"github.com/linlinhaohao888/LegoOS/pkg/p2m"
	"github.com/linlinhaohao888/LegoOS/pkg/snapshot"
	"github.com/linlinhaohao888/LegoOS/pkg/task"
	"github.com/linlinhaohao888/LegoOS/pkg/watcher"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"

	defaultTimeout = 30 * time.Second
)

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "Restore a process from a snapshot directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "snapshot",
				Usage:    "Directory holding snapshot.yaml",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := requestContext(c)
			defer cancel()

			resp, err := api.NewClient(c.String("socket")).Restore(ctx, api.RestoreAPIRequest{
				SnapshotPath: c.String("snapshot"),
			})
			if err != nil {
				return err
			}
			return render(c, resp, func(w io.Writer) {
				fmt.Fprintf(w, "Restored %s as pid %d\n", resp.Comm, resp.PID)
			})
		},
	}
}

func importCRIUCommand() *cli.Command {
	return &cli.Command{
		Name:  "import-criu",
		Usage: "Convert a CRIU image directory into a snapshot",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "images", Usage: "CRIU image directory", Required: true},
			&cli.StringFlag{Name: "comm", Usage: "Process name to record", Required: true},
			&cli.StringFlag{Name: "fdinfo", Usage: "fdinfo image to use (default: first in the directory)"},
			&cli.StringFlag{Name: "tty-name", Usage: "Path to record terminal descriptors under (empty keeps tty:[id])", Value: task.DefaultConsolePath},
			&cli.StringFlag{Name: "out", Usage: "Directory to write snapshot.yaml into"},
			&cli.StringFlag{Name: "spool", Usage: "Spool directory to enqueue the snapshot into instead of --out"},
			&cli.StringFlag{Name: "name", Usage: "Spool entry name (default: comm and a timestamp)"},
		},
		Action: func(c *cli.Context) error {
			out, spool := c.String("out"), c.String("spool")
			if (out == "") == (spool == "") {
				return fmt.Errorf("exactly one of --out and --spool is required")
			}

			snap, err := snapshot.ImportCRIU(c.String("images"), snapshot.ImportOptions{
				Comm:        c.String("comm"),
				FdinfoImage: c.String("fdinfo"),
				TTYName:     c.String("tty-name"),
			})
			if err != nil {
				return err
			}

			dest := out
			if spool != "" {
				name := c.String("name")
				if name == "" {
					name = fmt.Sprintf("%s-%d", snap.Comm, time.Now().Unix())
				}
				dest, err = watcher.Enqueue(spool, name, snap)
			} else {
				err = snapshot.Write(out, snap)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "Wrote snapshot of %s with %d files to %s\n", snap.Comm, snap.NrFiles(), dest)
			return nil
		},
	}
}

func tasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "List live tasks on the processor node",
		Action: func(c *cli.Context) error {
			ctx, cancel := requestContext(c)
			defer cancel()

			infos, err := api.NewClient(c.String("socket")).Tasks(ctx)
			if err != nil {
				return err
			}
			return render(c, infos, func(w io.Writer) {
				fmt.Fprintln(w, "PID\tTGID\tPARENT\tCOMM\tSTATE\tFILES")
				for _, info := range infos {
					comm := info.Comm
					if info.Kernel {
						comm = "[" + comm + "]"
					}
					fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%s\n",
						info.PID, info.TGID, info.ParentTGID, comm, info.State, formatFiles(info.Files))
				}
			})
		},
	}
}

func exitCommand() *cli.Command {
	return &cli.Command{
		Name:      "exit",
		Usage:     "Tear down a restored task and free its thread slot",
		ArgsUsage: "PID",
		Action: func(c *cli.Context) error {
			pid, err := strconv.Atoi(c.Args().First())
			if err != nil || c.NArg() != 1 {
				return fmt.Errorf("exactly one numeric PID is required")
			}

			ctx, cancel := requestContext(c)
			defer cancel()

			info, err := api.NewClient(c.String("socket")).ExitTask(ctx, pid)
			if err != nil {
				return err
			}
			return render(c, info, func(w io.Writer) {
				fmt.Fprintf(w, "Exited %s (pid %d)\n", info.Comm, info.PID)
			})
		},
	}
}

func processesCommand() *cli.Command {
	return &cli.Command{
		Name:  "processes",
		Usage: "List the process records a memory node holds",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "memory-node",
				Usage:   "Memory node address (unix:///path or host:port)",
				EnvVars: []string{config.EnvMemoryNode},
				Value:   config.DefaultMemoryNode,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := requestContext(c)
			defer cancel()

			client := p2m.NewClient(c.String("memory-node"), p2m.ClientOptions{Timeout: c.Duration("timeout")}, logr.Discard())
			records, err := client.Processes(ctx)
			if err != nil {
				return err
			}
			return render(c, records, func(w io.Writer) {
				fmt.Fprintln(w, "PID\tTGID\tPARENT\tCOMM\tNODE\tCREATED")
				for _, rec := range records {
					fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%s\n",
						rec.PID, rec.TGID, rec.ParentTGID, rec.Comm, rec.Node, rec.CreatedAt.Format(time.RFC3339))
				}
			})
		},
	}
}

func requestContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, c.Duration("timeout"))
}

// render writes data in the selected output format. table is used for the
// table format and writes tab-separated rows.
func render(c *cli.Context, data interface{}, table func(w io.Writer)) error {
	out := c.App.Writer
	if out == nil {
		out = os.Stdout
	}

	switch format := c.String("output"); format {
	case formatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case formatYAML:
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(data)
	case formatTable:
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func formatFiles(files map[int]string) string {
	if len(files) == 0 {
		return "-"
	}
	fds := make([]int, 0, len(files))
	for fd := range files {
		fds = append(fds, fd)
	}
	sort.Ints(fds)

	parts := make([]string, 0, len(fds))
	for _, fd := range fds {
		parts = append(parts, fmt.Sprintf("%d:%s", fd, files[fd]))
	}
	return strings.Join(parts, ",")
}
