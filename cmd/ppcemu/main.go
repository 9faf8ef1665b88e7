// Command ppcemu runs a PReP style PowerPC machine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/ppcemu/internal/config"
	"github.com/tinyrange/ppcemu/internal/gdbstub"
	"github.com/tinyrange/ppcemu/internal/machine"
	"github.com/tinyrange/ppcemu/internal/timeslice"
)

// escapeByte ends the session when typed on a raw terminal (Ctrl-]).
const escapeByte = 0x1d

// imageFlags collects repeated -image file@addr flags.
type imageFlags []config.Image

func (f *imageFlags) String() string {
	parts := make([]string, len(*f))
	for i, img := range *f {
		parts[i] = fmt.Sprintf("%s@%#x", img.File, uint64(img.Address))
	}
	return strings.Join(parts, ",")
}

func (f *imageFlags) Set(v string) error {
	i := strings.LastIndexByte(v, '@')
	if i <= 0 {
		return fmt.Errorf("want file@address, got %q", v)
	}
	addr, err := strconv.ParseUint(v[i+1:], 0, 64)
	if err != nil {
		return fmt.Errorf("bad address in %q: %w", v, err)
	}
	*f = append(*f, config.Image{File: v[:i], Address: config.Address(addr)})
	return nil
}

func run() error {
	configPath := flag.String("config", "", "machine description (YAML)")
	var images imageFlags
	flag.Var(&images, "image", "load `file@addr` into physical memory (repeatable)")
	entry := flag.String("entry", "", "initial program counter")
	count := flag.Uint64("count", 0, "stop after N instructions")
	trace := flag.Bool("trace", false, "log every instruction")
	stats := flag.Bool("stats", false, "print per-handler statistics on exit")
	recorder := flag.Int("recorder", 0, "keep the last N instructions and dump them on exit")
	gdbAddr := flag.String("gdb", "", "listen for a gdb client on `addr`")
	verbose := flag.Bool("v", false, "debug logging")
	consoleLog := flag.String("console-log", "", "append serial output, without escape sequences, to `file`")
	screenshot := flag.String("screenshot", "", "write the framebuffer to a PNG `file` on exit")
	dumpConfig := flag.Bool("dump-config", false, "print the effective configuration and exit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to file")
	memprofile := flag.String("memprofile", "", "write memory profile to file")
	profile := flag.String("profile", "", "record host time per run loop phase to `file`")
	profileReport := flag.String("profile-report", "", "summarize a -profile `file` and exit")
	flag.Parse()

	if *profileReport != "" {
		return printProfile(os.Stdout, *profileReport)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	cfg.Images = append(cfg.Images, images...)
	if *entry != "" {
		pc, err := strconv.ParseUint(*entry, 0, 64)
		if err != nil {
			return fmt.Errorf("bad -entry %q: %w", *entry, err)
		}
		cfg.Entry = config.Address(pc)
	}
	if *trace {
		cfg.Dyntrans.InstructionTrace = true
	}
	if *stats {
		cfg.Dyntrans.Statistics = true
	}
	if *recorder != 0 {
		cfg.Dyntrans.Recorder = *recorder
	}
	if *gdbAddr != "" {
		cfg.GDB.Listen = *gdbAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if *dumpConfig {
		return config.Write(os.Stdout, cfg)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return fmt.Errorf("create CPU profile file: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	isTerminal := term.IsTerminal(int(os.Stdin.Fd()))
	var console io.Writer = os.Stdout
	if isTerminal {
		console = crlfWriter{os.Stdout}
	}
	if *consoleLog != "" {
		f, err := os.OpenFile(*consoleLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open console log: %w", err)
		}
		sl := newStripLog(f)
		defer func() {
			sl.Close()
			f.Close()
		}()
		console = io.MultiWriter(console, sl)
	}

	opts := machine.Options{Logger: log, Console: console}
	if target := cfg.Devices.Passthrough.Connect; target != "" {
		conn, err := dialMonitor(target)
		if err != nil {
			return err
		}
		opts.Passthrough = conn
	}

	if *profile != "" {
		f, err := os.Create(*profile)
		if err != nil {
			return fmt.Errorf("create profile: %w", err)
		}
		defer f.Close()
		w, err := timeslice.Create(f, machine.ProfileKinds)
		if err != nil {
			return err
		}
		defer w.Close()
		opts.Profile = w
	}

	m, err := machine.New(cfg, opts)
	if err != nil {
		return err
	}
	defer m.Close()

	for _, img := range cfg.Images {
		if err := loadImage(m, img); err != nil {
			return err
		}
	}
	if *count != 0 {
		m.SetInstructionLimit(*count)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if isTerminal {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}
	go forwardInput(ctx, cancel, m, isTerminal)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, runDone := context.WithCancel(gctx)
	var runErr error
	g.Go(func() error {
		defer runDone()
		runErr = m.Run(runCtx)
		return nil
	})
	if cfg.GDB.Listen != "" {
		ln, err := net.Listen("tcp", cfg.GDB.Listen)
		if err != nil {
			runDone()
			_ = g.Wait()
			return fmt.Errorf("gdb listen: %w", err)
		}
		log.Info("waiting for gdb", "addr", ln.Addr().String())
		g.Go(func() error { return serveGDB(runCtx, netutil.LimitListener(ln, 1), m, log) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if *stats {
		if err := m.Stats().WriteReport(os.Stderr, 20); err != nil {
			return err
		}
	}
	if cfg.Dyntrans.Recorder > 0 {
		if err := m.DumpRecorders(os.Stderr); err != nil {
			return err
		}
	}
	if *screenshot != "" {
		if err := writeScreenshot(m, *screenshot); err != nil {
			return err
		}
	}
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			return fmt.Errorf("create memory profile file: %w", err)
		}
		defer f.Close()
		if err := pprof.Lookup("heap").WriteTo(f, 0); err != nil {
			return fmt.Errorf("write memory profile: %w", err)
		}
	}

	switch {
	case runErr == nil, errors.Is(runErr, machine.ErrHalt), errors.Is(runErr, context.Canceled):
		return nil
	case errors.Is(runErr, machine.ErrInstructionLimit):
		log.Info("stopped", "reason", runErr)
		return nil
	}
	return runErr
}

// dialMonitor opens the passthrough monitor. Paths name a serial device,
// anything else is a TCP address.
func dialMonitor(target string) (io.ReadWriter, error) {
	if strings.HasPrefix(target, "/") {
		f, err := os.OpenFile(target, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("open passthrough monitor: %w", err)
		}
		return f, nil
	}
	conn, err := net.Dial("tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dial passthrough monitor: %w", err)
	}
	return conn, nil
}

func loadImage(m *machine.Machine, img config.Image) error {
	f, err := os.Open(img.File)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}
	bar := progressbar.DefaultBytes(fi.Size(), fmt.Sprintf("load %s", img.File))
	defer bar.Close()
	return m.LoadImage(f, uint64(img.Address), uint64(fi.Size()), bar)
}

// forwardInput feeds stdin to COM1 until stdin closes or, on a terminal,
// the escape byte is typed.
func forwardInput(ctx context.Context, cancel context.CancelFunc, m *machine.Machine, raw bool) {
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data := buf[:n]
			if raw {
				if i := strings.IndexByte(string(data), escapeByte); i >= 0 {
					m.SerialReceive(data[:i])
					cancel()
					return
				}
			}
			m.SerialReceive(append([]byte(nil), data...))
		}
		if err != nil {
			return
		}
	}
}

// serveGDB accepts one client at a time and hands each session to the
// machine.
func serveGDB(ctx context.Context, ln net.Listener, m *machine.Machine, log *slog.Logger) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gdb accept: %w", err)
		}
		log.Info("gdb connected", "remote", conn.RemoteAddr().String())
		stub := gdbstub.New(conn, m, log)
		if err := m.AttachDebugger(ctx, stub); err != nil {
			conn.Close()
			return nil
		}
	}
}

func printProfile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open profile: %w", err)
	}
	defer f.Close()
	sums, err := timeslice.Summarize(f)
	if err != nil {
		return err
	}
	for _, s := range sums {
		if _, err := fmt.Fprintln(w, s); err != nil {
			return err
		}
	}
	return nil
}

func writeScreenshot(m *machine.Machine, path string) error {
	if m.Framebuffer == nil {
		return fmt.Errorf("screenshot: framebuffer is disabled")
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create screenshot: %w", err)
	}
	defer f.Close()
	if err := png.Encode(f, m.Framebuffer.Image()); err != nil {
		return fmt.Errorf("encode screenshot: %w", err)
	}
	return nil
}

// crlfWriter expands \n to \r\n for a terminal in raw mode.
type crlfWriter struct{ w io.Writer }

func (c crlfWriter) Write(p []byte) (int, error) {
	out := make([]byte, 0, len(p)+8)
	for _, b := range p {
		if b == '\n' {
			out = append(out, '\r')
		}
		out = append(out, b)
	}
	if _, err := c.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ppcemu: %v\n", err)
		os.Exit(1)
	}
}
