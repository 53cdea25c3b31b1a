// Command reprocess replays webhook events whose dispatch never completed
// (handled=false). A delivery that died on a transient failure is normally
// retried by the platform; this tool covers the cases where retries ran out
// or an operator wants to re-drive a fixed event by hand.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/cnm4us/mux/internal/config"
	"github.com/cnm4us/mux/internal/store"
	"github.com/cnm4us/mux/internal/webhook"
)

func main() {
	limit := flag.Int("limit", 100, "max events to replay")
	dryRun := flag.Bool("dry-run", false, "list unhandled events without dispatching")
	flag.Parse()

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx := context.Background()
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	events, err := st.ListUnhandled(ctx, webhook.Provider, *limit)
	if err != nil {
		log.Fatalf("list unhandled: %v", err)
	}
	if len(events) == 0 {
		logger.Info("no unhandled events")
		return
	}

	dispatcher := webhook.NewDispatcher(st, logger)

	var replayed, failed, skipped int
	for _, e := range events {
		if *dryRun {
			logger.Info("unhandled", "event_id", e.EventID, "type", e.Type, "received_at", e.ReceivedAt)
			continue
		}

		payload, err := st.GetPayload(ctx, e.Provider, e.PayloadSHA256)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				logger.Warn("payload missing from archive", "event_id", e.EventID, "sha", e.PayloadSHA256)
				skipped++
				continue
			}
			log.Fatalf("load payload for %s: %v", e.EventID, err)
		}

		evt, err := webhook.ParseEvent(payload)
		if err != nil {
			logger.Warn("archived payload does not parse", "event_id", e.EventID, "error", err)
			skipped++
			continue
		}

		note, err := dispatcher.Handle(ctx, evt)
		if err != nil {
			logger.Error("replay failed", "event_id", e.EventID, "type", e.Type, "error", err)
			failed++
			continue
		}
		if err := st.MarkHandled(ctx, e.Provider, e.EventID); err != nil {
			log.Fatalf("mark handled %s: %v", e.EventID, err)
		}
		logger.Info("replayed", "event_id", e.EventID, "type", e.Type, "note", note)
		replayed++
	}

	logger.Info("reprocess complete", "replayed", replayed, "failed", failed, "skipped", skipped)
}
