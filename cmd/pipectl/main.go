package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/kelseyhightower/envconfig"

	"github.com/zfett/vpipe/internal/client"
	"github.com/zfett/vpipe/internal/infrastructure/config"
	"github.com/zfett/vpipe/internal/pipeline/controller"
	"github.com/zfett/vpipe/internal/pipeline/ring"
)

// Env configures pipectl, e.g. PIPECTL_ADDR=http://wall:8080
type Env struct {
	Addr    string        `envconfig:"ADDR" default:"http://localhost:8080"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"30s"`
}

var errUsage = errors.New("usage")

const usage = `pipectl [-addr URL] <command> [args]

  list                      list pipelines
  get <path>                show one pipeline
  stats <path>              show pipeline statistics
  init <path> [flags]       initialize a path
  reconfigure <path> [flags]  change the input size or crop of a live path
  apply <profile>           init every pipeline of a profile file and run its start commands
  trigger|display|pause|resume|reset|deinit <path>
  buffers <path>            list ring buffers
  attach <path> <addr>      stage a new buffer
  detach <path> <id>        stage a buffer removal
  consume <path> <id>       hand a buffer to the consumer
  export [-path N] [-o file]  write retained events as NDJSON
  inject <path> underflow|overrun
`

func main() {
	var env Env
	if err := envconfig.Process("pipectl", &env); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load environment: %v\n", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("pipectl", flag.ContinueOnError)
	addr := fs.String("addr", env.Addr, "daemon address")
	timeout := fs.Duration("timeout", env.Timeout, "request timeout")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := client.New(*addr, *timeout)
	if err := run(ctx, c, fs.Args(), os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "pipectl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	name, args := args[0], args[1:]

	switch name {
	case "list":
		list, err := c.List(ctx)
		if err != nil {
			return err
		}
		return show(out, list)
	case "get":
		path, err := pathArg(args)
		if err != nil {
			return err
		}
		info, err := c.Get(ctx, path)
		if err != nil {
			return err
		}
		return show(out, info)
	case "stats":
		path, err := pathArg(args)
		if err != nil {
			return err
		}
		stats, err := c.Stats(ctx, path)
		if err != nil {
			return err
		}
		return show(out, stats)
	case "init":
		return initPath(ctx, c, args, out)
	case "reconfigure":
		return reconfigure(ctx, c, args, out)
	case "apply":
		return apply(ctx, c, args, out)
	case "buffers":
		path, err := pathArg(args)
		if err != nil {
			return err
		}
		bufs, err := c.Buffers(ctx, path)
		if err != nil {
			return err
		}
		return show(out, bufs)
	case "attach":
		path, n, err := pathAndNumber(args)
		if err != nil {
			return err
		}
		id, err := c.Attach(ctx, path, n)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "attached buffer %d\n", id)
		return nil
	case "detach", "consume":
		path, n, err := pathAndNumber(args)
		if err != nil {
			return err
		}
		if name == "detach" {
			return c.Detach(ctx, path, ring.BufferID(n))
		}
		return c.HandToConsumer(ctx, path, ring.BufferID(n))
	case "export":
		return export(ctx, c, args, out)
	case "inject":
		if len(args) != 2 {
			return errUsage
		}
		path, err := pathArg(args[:1])
		if err != nil {
			return err
		}
		return c.Inject(ctx, path, args[1])
	}

	cmd, err := controller.ParseCommand(name)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	path, err := pathArg(args)
	if err != nil {
		return err
	}
	state, err := c.Command(ctx, path, cmd)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "path %d: %s\n", path, state)
	return nil
}

func initPath(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	path, err := pathArg(args[:min(1, len(args))])
	if err != nil {
		return err
	}

	var cfg controller.Config
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&cfg.InWidth, "in-width", 1920, "input width")
	fs.IntVar(&cfg.InHeight, "in-height", 1080, "input height")
	fs.IntVar(&cfg.OutWidth, "out-width", 0, "output width, defaults to input")
	fs.IntVar(&cfg.OutHeight, "out-height", 0, "output height, defaults to input")
	fs.StringVar(&cfg.Format, "format", "", "pixel format")
	fs.StringVar(&cfg.Input, "input", "", "input source")
	fs.StringVar(&cfg.Layout, "layout", "", "layout")
	fs.StringVar(&cfg.SyncGroup, "sync-group", "", "shared trigger group")
	fs.IntVar(&cfg.BufferCount, "buffers", 0, "ring size")
	fs.BoolVar(&cfg.AutoRecover, "auto-recover", false, "reset on fatal underflow")
	fs.BoolVar(&cfg.NotifyUnderflow, "notify-underflow", false, "report every underflow")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	cfg.Path = path

	info, err := c.Init(ctx, cfg)
	if err != nil {
		return err
	}
	return show(out, info)
}

// reconfigure starts from the running config so only the given flags change
func reconfigure(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	path, err := pathArg(args[:min(1, len(args))])
	if err != nil {
		return err
	}
	info, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if info.Config == nil {
		return fmt.Errorf("path %d is not initialized", path)
	}
	cfg := *info.Config

	fs := flag.NewFlagSet("reconfigure", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&cfg.InWidth, "in-width", cfg.InWidth, "input width")
	fs.IntVar(&cfg.InHeight, "in-height", cfg.InHeight, "input height")
	fs.IntVar(&cfg.CropX, "crop-x", cfg.CropX, "crop window left edge")
	fs.IntVar(&cfg.CropY, "crop-y", cfg.CropY, "crop window top edge")
	fs.IntVar(&cfg.CropHeight, "crop-height", cfg.CropHeight, "crop window height")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	if err := c.Reconfigure(ctx, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "path %d: reconfigure submitted\n", path)
	return nil
}

func apply(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errUsage
	}
	p, err := config.ReadProfile(args[0])
	if err != nil {
		return err
	}
	cmds, err := p.Commands()
	if err != nil {
		return err
	}
	for _, cfg := range p.Pipelines {
		if _, err := c.Init(ctx, cfg); err != nil {
			return fmt.Errorf("init path %d: %w", cfg.Path, err)
		}
		state := controller.StateInit
		for _, cmd := range cmds {
			if state, err = c.Command(ctx, cfg.Path, cmd); err != nil {
				return fmt.Errorf("%s path %d: %w", cmd, cfg.Path, err)
			}
		}
		fmt.Fprintf(out, "%s: path %d %s\n", p.Name, cfg.Path, state)
	}
	return nil
}

func export(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := fs.Int("path", -1, "only events of this path")
	file := fs.String("o", "", "output file")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	w := out
	if *file != "" {
		f, err := os.Create(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	n, err := c.Export(ctx, *path, w)
	if err != nil {
		return err
	}
	if *file != "" {
		fmt.Fprintf(out, "wrote %d events to %s\n", n, *file)
	}
	return nil
}

func pathArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, errUsage
	}
	path, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("%w: path %q is not a number", errUsage, args[0])
	}
	return path, nil
}

// pathAndNumber parses "<path> <n>"; n may be hex with a 0x prefix
func pathAndNumber(args []string) (int, uint64, error) {
	if len(args) != 2 {
		return 0, 0, errUsage
	}
	path, err := pathArg(args[:1])
	if err != nil {
		return 0, 0, err
	}
	n, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q is not a number", errUsage, args[1])
	}
	return path, n, nil
}

func show(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
