package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/librewatch/linkup"
)

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	var opts commonOpts
	addCommonFlags(fs, &opts)
	interval := fs.Duration("interval", time.Minute, "Poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := opts.resolve()
	if err != nil {
		return err
	}
	unit, err := linkup.ParseUnit(cfg.Unit)
	if err != nil {
		return err
	}
	logger := newLogger(opts.verbose)
	client, closer, err := buildClient(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { closer() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reload := make(chan struct{}, 1)
	if opts.configPath != "" {
		stopWatch, werr := watchConfig(ctx, opts.configPath, logger, reload)
		if werr != nil {
			logger.Warn("config watching disabled", "error", werr)
		} else {
			defer stopWatch()
		}
	}

	show := func() {
		latest, err := client.Latest(ctx, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "linkup: %v\n", err)
			return
		}
		printReading(os.Stdout, latest, unit)
	}

	show()
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			show()
		case <-reload:
			ncfg, rerr := opts.resolve()
			if rerr != nil {
				logger.Warn("config reload failed, keeping previous config", "error", rerr)
				continue
			}
			nunit, rerr := linkup.ParseUnit(ncfg.Unit)
			if rerr != nil {
				logger.Warn("config reload failed, keeping previous config", "error", rerr)
				continue
			}
			nclient, ncloser, rerr := buildClient(ncfg, logger)
			if rerr != nil {
				logger.Warn("config reload failed, keeping previous config", "error", rerr)
				continue
			}
			closer()
			client, closer, unit = nclient, ncloser, nunit
			logger.Info("configuration reloaded", "path", opts.configPath)
			show()
		}
	}
}

// watchConfig signals reload whenever the config file changes. fsnotify on
// the parent directory gives instant updates; a polling ticker covers
// filesystems where the watch cannot be established. The directory is
// watched rather than the file because editors typically save by renaming a
// temp file over the target, which would silence a file-level watch after
// the first save.
func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload chan<- struct{}) (func() error, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	base := filepath.Base(abs)

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(filepath.Dir(abs)); werr != nil {
			watcher.Close()
			watcher = nil
			logger.Warn("config watch unavailable, polling only", "error", werr)
		} else {
			events = watcher.Events
			errs = watcher.Errors
		}
	} else {
		watcher = nil
		logger.Warn("config watch unavailable, polling only", "error", err)
	}

	// Coalesce bursts; the receiver drains one signal per round.
	signalReload := func() {
		select {
		case reload <- struct{}{}:
		default:
		}
	}

	lastMod, lastSize := statConfig(abs)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				lastMod, lastSize = statConfig(abs)
				signalReload()
			case werr, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				logger.Warn("config watcher error", "error", werr)
			case <-ticker.C:
				mod, size := statConfig(abs)
				if !mod.Equal(lastMod) || size != lastSize {
					lastMod, lastSize = mod, size
					signalReload()
				}
			}
		}
	}()

	stop := func() error {
		if watcher != nil {
			return watcher.Close()
		}
		return nil
	}
	return stop, nil
}

func statConfig(path string) (time.Time, int64) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, -1
	}
	return info.ModTime(), info.Size()
}
