package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"dreamstream/server/internal/capture"
	"dreamstream/server/internal/events"
	"dreamstream/server/internal/generation"
	"dreamstream/server/internal/model"
	"dreamstream/server/internal/provider"
	"dreamstream/server/internal/store"
	"dreamstream/server/internal/telemetry"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const narrateUser = "cli"

var (
	outFlag   string
	modeFlag  string
	styleFlag string
)

var narrateCmd = &cobra.Command{
	Use:   "narrate",
	Short: "Read utterances from stdin, one per line, and generate the timeline",
	Long: `narrate runs a local session. Every non-empty line of stdin is one finalized
utterance: "undo"/"go back"/"back"/"previous" and "redo"/"go forward"/"forward"/
"next" walk the timeline, anything else refines the scene and is generated.
When input ends the command waits for pending generations, writes every ready
item to --out and prints the timeline.`,
	RunE: runNarrate,
}

func init() {
	narrateCmd.Flags().StringVarP(&outFlag, "out", "o", "", "Directory for generated media (skipped when empty)")
	narrateCmd.Flags().StringVar(&modeFlag, "mode", string(model.MediaImage), "Generation mode: IMAGE or VIDEO")
	narrateCmd.Flags().StringVar(&styleFlag, "style", string(model.StyleNone), "Visual style, e.g. Cinematic or \"Pixel Art\"")
}

func runNarrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	st := store.NewMemoryStore()
	hub := events.NewHub()
	// No UI can answer a key prompt here, so prompts return at once.
	keys := provider.NewKeyStore(cfg.GeminiAPIKey, provider.WithPromptTimeout(0))
	gen, err := buildGenerator(cfg, keys, st, logger)
	if err != nil {
		return err
	}
	svc := generation.NewService(st, hub, gen, keys, logger, generation.Options{
		GenerationTimeout: cfg.GenerationTimeout,
		Metrics:           telemetry.NewMetrics(),
	})

	traceID := uuid.NewString()
	snap, err := svc.CreateSession(narrateUser, traceID)
	if err != nil {
		return err
	}
	sessionID := snap.SessionID
	mode := model.MediaKind(strings.ToUpper(modeFlag))
	style := model.Style(styleFlag)
	if _, err := svc.UpdateSettings(narrateUser, sessionID, &mode, &style, traceID); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	_, sub, unsubscribe := hub.Subscribe(sessionID, 64)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(cmd.ErrOrStderr(), sub)
	}()

	finished := make(chan struct{})
	var once sync.Once
	cs := capture.NewSession(capture.NewLineRecognizer(cmd.InOrStdin()),
		capture.WithContinuous(false),
		capture.WithLogger(logger),
		capture.WithStateHook(func(state capture.State) {
			if state == capture.StateIdle {
				once.Do(func() { close(finished) })
			}
		}),
	)
	if err := cs.Start(ctx); err != nil {
		return err
	}

	pumpDone := make(chan error, 1)
	go func() { pumpDone <- svc.Pump(ctx, narrateUser, sessionID, cs, traceID) }()

	select {
	case <-finished:
	case <-ctx.Done():
	}
	cs.Close()
	if err := <-pumpDone; err != nil && ctx.Err() == nil {
		logger.Warn("narration stopped", zap.Error(err))
	}
	svc.Wait()
	unsubscribe()
	<-printed

	final, err := svc.Snapshot(narrateUser, sessionID)
	if err != nil {
		return err
	}
	paths := map[string]string{}
	if outFlag != "" {
		if paths, err = writeMedia(st, final, outFlag); err != nil {
			return err
		}
	}
	printTimeline(out, final, paths)
	return nil
}

func printEvents(w io.Writer, sub <-chan model.SessionEvent) {
	for evt := range sub {
		switch evt.Type {
		case model.EventNotice:
			fmt.Fprintf(w, "! %v\n", evt.Payload["message"])
		case model.EventCredentialRequired:
			fmt.Fprintf(w, "! API key required: %v\n", evt.Payload["reason"])
		case model.EventSnapshot:
			if evt.Snapshot != nil && evt.Snapshot.Current != nil {
				cur := evt.Snapshot.Current
				fmt.Fprintf(w, "> [%d/%d] %s %s\n", evt.Snapshot.CurrentIndex+1, len(evt.Snapshot.Items), cur.Status, cur.Prompt)
			}
		}
	}
}

func writeMedia(st *store.MemoryStore, snap model.Snapshot, dir string) (map[string]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	paths := map[string]string{}
	for i, item := range snap.Items {
		if !item.IsReady() {
			continue
		}
		blob, err := st.GetBlob(strings.TrimPrefix(item.ResultRef, store.MediaPathPrefix))
		if err != nil {
			return nil, fmt.Errorf("load media for item %s: %w", item.ID, err)
		}
		ext := ".bin"
		if m := mimetype.Lookup(blob.MimeType); m != nil {
			ext = m.Extension()
		}
		path := filepath.Join(dir, fmt.Sprintf("%02d-%s%s", i+1, strings.ToLower(string(item.Kind)), ext))
		if err := os.WriteFile(path, blob.Data, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		paths[item.ID] = path
	}
	return paths, nil
}

func printTimeline(w io.Writer, snap model.Snapshot, paths map[string]string) {
	fmt.Fprintf(w, "session %s (seed %d, %s, style %s)\n", snap.SessionID, snap.Seed, snap.Mode, snap.Style)
	if len(snap.Items) == 0 {
		fmt.Fprintln(w, "  timeline is empty")
		return
	}
	for i, item := range snap.Items {
		marker := " "
		if i == snap.CurrentIndex {
			marker = "*"
		}
		detail := paths[item.ID]
		if item.Status == model.ItemFailed {
			detail = item.ErrorMessage
		}
		fmt.Fprintf(w, "%s %2d  %-7s %-5s %s\n", marker, i+1, item.Status, item.Kind, item.Prompt)
		if detail != "" {
			fmt.Fprintf(w, "         %s\n", detail)
		}
	}
	fmt.Fprintf(w, "scene: %s\n", snap.SceneContext)
}
