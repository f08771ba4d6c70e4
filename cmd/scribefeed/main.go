// Command scribefeed tails the live transcript of an online meeting or
// prints a historical one, fed by the transcription service's REST API and
// WebSocket event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scribefeed/scribefeed/internal/config"
	"github.com/scribefeed/scribefeed/internal/history"
	"github.com/scribefeed/scribefeed/internal/observe"
	"github.com/scribefeed/scribefeed/internal/session"
	"github.com/scribefeed/scribefeed/pkg/stream"
	"github.com/scribefeed/scribefeed/pkg/types"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// errMeetingEnded unwinds the run group when the meeting reaches a terminal
// status. It is a successful outcome, not a failure.
var errMeetingEnded = errors.New("meeting ended")

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	meetingFlag := flag.String("meeting", "", "meeting reference as platform/nativeID[/internalID]")
	live := flag.Bool("live", false, "follow the live transcript stream instead of a one-shot fetch")
	language := flag.String("language", "", "switch the recognition language before tailing (live mode)")
	output := flag.String("o", "", "write the final transcript to this file instead of stdout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "scribefeed: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "scribefeed: %v\n", err)
		}
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if *meetingFlag == "" {
		fmt.Fprintln(os.Stderr, "scribefeed: -meeting is required")
		return 1
	}
	ref, err := types.ParseMeetingRef(*meetingFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scribefeed: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := observe.ServeMetrics(ctx, cfg.MetricsAddr); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("metrics endpoint error", "err", err)
			}
		}()
	}

	slog.Info("scribefeed starting",
		"version", version,
		"meeting", ref.String(),
		"live", *live,
		"stream_url", stream.RedactURL(cfg.API.StreamURL),
	)

	var hist *history.Client
	if cfg.API.RESTURL != "" {
		if hist, err = history.New(cfg.API.RESTURL, cfg.API.Key); err != nil {
			slog.Error("failed to build REST client", "err", err)
			return 1
		}
	}

	var ctrl *session.Controller
	client, err := stream.New(stream.Config{
		URL:            cfg.API.StreamURL,
		APIKey:         cfg.API.Key,
		OnFrame:        func(data []byte) { ctrl.HandleFrame(data) },
		PingInterval:   cfg.Stream.PingInterval,
		ConnectTimeout: cfg.Stream.ConnectTimeout,
		BackoffBase:    cfg.Stream.BackoffBase,
		MaxAttempts:    cfg.Stream.MaxAttempts,
	})
	if err != nil {
		slog.Error("failed to build stream client", "err", err)
		return 1
	}

	ctrl, err = session.New(session.Config{Transport: client, History: hist})
	if err != nil {
		slog.Error("failed to build session controller", "err", err)
		return 1
	}

	// Hot-reload the credential and log level on config file changes.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		logLevel.Set(new.LogLevel.Slog())
		if old.API.Key != new.API.Key {
			client.SetAPIKey(new.API.Key)
			if hist != nil {
				hist.SetAPIKey(new.API.Key)
			}
			slog.Info("api credential updated from config file")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	if !*live {
		return runHistorical(ctx, ctrl, ref, *output)
	}
	return runLive(ctx, ctrl, ref, *language, *output)
}

// runHistorical prints a one-shot transcript fetch.
func runHistorical(ctx context.Context, ctrl *session.Controller, ref types.MeetingRef, output string) int {
	if err := ctrl.Load(ctx, ref); err != nil {
		slog.Error("historical load failed", "err", err)
		return 1
	}
	select {
	case snap := <-ctrl.Snapshots():
		if err := writeTranscript(snap, output); err != nil {
			slog.Error("write transcript", "err", err)
			return 1
		}
	case <-ctx.Done():
		return 1
	}
	return 0
}

// runLive follows the meeting's event stream until the meeting ends or the
// process is interrupted, then writes the final transcript.
func runLive(ctx context.Context, ctrl *session.Controller, ref types.MeetingRef, language, output string) int {
	var latest atomic.Pointer[session.Snapshot]

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		// One line per finalized block; the full grouped transcript is
		// rewritten at exit.
		printed := make(map[types.Key]bool)
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case snap := <-ctrl.Snapshots():
				latest.Store(&snap)
				for _, blk := range snap.Blocks {
					if blk.Provisional || len(blk.Keys) == 0 || printed[blk.Keys[0]] {
						continue
					}
					printed[blk.Keys[0]] = true
					fmt.Println(formatBlock(blk))
				}
				if snap.State == session.StateClosed {
					return errMeetingEnded
				}
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case w := <-ctrl.Warnings():
				slog.Warn("session warning", "session_uid", w.SessionUID, "message", w.Message)
			}
		}
	})

	if err := ctrl.Select(ctx, ref); err != nil {
		slog.Error("select meeting failed", "err", err)
		ctrl.Shutdown()
		return 1
	}
	if language != "" {
		if err := ctrl.UpdateLanguage(ctx, language); err != nil {
			slog.Error("language update failed", "err", err)
			ctrl.Shutdown()
			return 1
		}
	}

	err := g.Wait()
	ctrl.Shutdown()

	if snap := latest.Load(); snap != nil {
		if werr := writeTranscript(*snap, output); werr != nil {
			slog.Error("write transcript", "err", werr)
			return 1
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errMeetingEnded) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// writeTranscript renders snap and writes it to path, or to stdout when path
// is empty.
func writeTranscript(snap session.Snapshot, path string) error {
	text := renderTranscript(snap)
	if path == "" {
		fmt.Print(text)
		return nil
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return err
	}
	slog.Info("transcript written", "path", path, "blocks", len(snap.Blocks))
	return nil
}
