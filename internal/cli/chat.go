// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command.
//
// Interactive Commands (during chat):
//   /help, /h           Show available commands
//   /new                Start a new conversation
//   /model [name]       Show or switch model
//   /tools              List available tools
//   /history            List stored conversations
//   /quit, /q           Exit chat
//   Ctrl+C              Stop the current response
//   Ctrl+D              Exit chat

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-chatcore/internal/cloud"
	"github.com/jeranaias/rigrun-chatcore/internal/config"
	"github.com/jeranaias/rigrun-chatcore/internal/model"
	"github.com/jeranaias/rigrun-chatcore/internal/session"
	"github.com/jeranaias/rigrun-chatcore/internal/storage"
	"github.com/jeranaias/rigrun-chatcore/internal/telemetry"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI whose history lives in the config directory.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history with owner-only permissions.
func (c *ChatCLI) SaveHistory() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and closes the liner.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// COMMAND
// =============================================================================

func newChatCmd(a *app) *cobra.Command {
	var resume, system string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Example: `  chatcore chat
  chatcore chat --resume 1
  chatcore chat --system "Answer in one sentence."`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), a, cmd.OutOrStdout(), resume, system)
		},
	}
	cmd.Flags().StringVarP(&resume, "resume", "r", "", "Resume a stored conversation (id, id prefix or list position)")
	cmd.Flags().StringVar(&system, "system", "", "System prompt for the conversation")
	return cmd
}

// chatREPL is the state of one interactive session.
type chatREPL struct {
	a        *app
	out      io.Writer
	store    storage.Store
	client   *cloud.Client
	renderer *streamRenderer
	opts     session.Options
	system   string
	sess     *session.Session

	// reloaded holds a config picked up by the watcher, applied before the
	// next turn.
	reloaded atomic.Pointer[config.Config]
}

func runChat(ctx context.Context, a *app, out io.Writer, resume, system string) error {
	store, err := a.openStore()
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer store.Close()

	r := &chatREPL{
		a:        a,
		out:      out,
		store:    store,
		client:   a.newClient(),
		renderer: newStreamRenderer(out, newMarkdownRenderer()),
		system:   system,
	}
	r.opts, err = a.sessionOptions(r.client, store)
	if err != nil {
		return err
	}

	var conv *model.Conversation
	if resume != "" {
		if conv, err = storage.Find(ctx, store, resume); err != nil {
			return err
		}
	}
	if err := r.startSession(conv); err != nil {
		return err
	}

	if w := r.watchConfig(); w != nil {
		defer w.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, addr, a)
		})
	}
	g.Go(func() error {
		defer cancel()
		return r.loop(gctx)
	})
	return g.Wait()
}

func (r *chatREPL) startSession(conv *model.Conversation) error {
	if conv == nil {
		conv = model.NewConversation()
	}
	if r.system != "" {
		conv.SystemPrompt = r.system
	}
	sess, err := session.New(conv, r.opts, r.renderer.callbacks(nil))
	if err != nil {
		return err
	}
	r.sess = sess
	return nil
}

// watchConfig reloads the config file on change. Returns nil when there is
// no file to watch.
func (r *chatREPL) watchConfig() *config.Watcher {
	path := r.a.configPath
	if path == "" {
		var err error
		if path, err = config.ConfigPath(); err != nil {
			return nil
		}
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	w, err := config.NewWatcher(path, r.a.logger)
	if err != nil {
		r.a.logger.Warn("config hot reload disabled", "error", err)
		return nil
	}
	w.Subscribe(func(cfg *config.Config) { r.reloaded.Store(cfg) })
	w.Start()
	return w
}

// applyReloaded picks up a reloaded config: model and tool-loop settings
// change for the next turn.
func (r *chatREPL) applyReloaded() {
	cfg := r.reloaded.Swap(nil)
	if cfg == nil {
		return
	}
	if r.a.model != "" {
		cfg.Endpoint.Model = r.a.model
	}
	r.a.cfg.Endpoint.Model = cfg.Endpoint.Model
	r.a.cfg.Tools = cfg.Tools
	r.client.SetModel(cfg.Endpoint.Model)
	r.opts.Tools = toolsConfig(r.a.cfg)
	r.sess.Configure(r.opts.Tools)
	fmt.Fprintln(r.out, DimStyle.Render("Configuration reloaded."))
}

// =============================================================================
// LOOP
// =============================================================================

func (r *chatREPL) loop(ctx context.Context) error {
	input := NewChatCLI()
	defer input.Close()

	fmt.Fprintln(r.out, TitleStyle.Render("chatcore")+DimStyle.Render(" · "+r.a.cfg.Endpoint.Model+" · /help for commands"))

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := input.ReadInput("you> ")
		switch {
		case errors.Is(err, liner.ErrPromptAborted):
			continue
		case errors.Is(err, io.EOF):
			fmt.Fprintln(r.out)
			return nil
		case err != nil:
			return fmt.Errorf("read input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return nil
			}
			continue
		}

		r.applyReloaded()
		r.submit(ctx, line)
	}
}

// submit runs one turn. Ctrl+C while it runs stops the response.
func (r *chatREPL) submit(ctx context.Context, prompt string) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigCh:
				r.sess.Stop()
			case <-done:
				return
			}
		}
	}()
	defer func() {
		signal.Stop(sigCh)
		close(done)
	}()

	start := time.Now()
	res, err := r.sess.Submit(ctx, prompt)
	if err != nil {
		fmt.Fprintln(r.out, ErrorStyle.Render("Error: ")+err.Error())
		return
	}
	if res.Cancelled {
		fmt.Fprintln(r.out, DimStyle.Render("(stopped)"))
	}
	slog.Debug("turn finished", "outcome", res.Outcome, "elapsed", time.Since(start))
}

func (r *chatREPL) command(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/q", "/exit":
		return true
	case "/help", "/h":
		fmt.Fprintln(r.out, `Commands:
  /new             start a new conversation
  /model [name]    show or switch model
  /tools           list available tools
  /history         list stored conversations
  /quit            exit
Ctrl+C stops a response; Ctrl+D exits.`)
	case "/new":
		if err := r.startSession(nil); err != nil {
			fmt.Fprintln(r.out, ErrorStyle.Render("Error: ")+err.Error())
			return false
		}
		fmt.Fprintln(r.out, DimStyle.Render("New conversation "+r.sess.ID()))
	case "/model":
		if len(fields) < 2 {
			fmt.Fprintln(r.out, "Model: "+r.a.cfg.Endpoint.Model)
			return false
		}
		r.a.model = fields[1]
		r.a.cfg.Endpoint.Model = fields[1]
		r.client.SetModel(fields[1])
		r.opts.Tools = toolsConfig(r.a.cfg)
		r.sess.Configure(r.opts.Tools)
		fmt.Fprintln(r.out, SuccessStyle.Render("Model set to "+fields[1]))
	case "/tools":
		names := r.opts.Registry.Names()
		if len(names) == 0 {
			fmt.Fprintln(r.out, "No tools registered.")
			return false
		}
		for _, name := range names {
			tool, _ := r.opts.Registry.Get(name)
			fmt.Fprintf(r.out, "  %s  %s\n", ToolStyle.Render(name), DimStyle.Render(tool.Description))
		}
	case "/history":
		if err := listConversations(ctx, r.store, r.out, r.a.metrics); err != nil {
			fmt.Fprintln(r.out, ErrorStyle.Render("Error: ")+err.Error())
		}
	default:
		fmt.Fprintln(r.out, WarningStyle.Render("Unknown command "+fields[0]+", try /help"))
	}
	return false
}

// =============================================================================
// METRICS ENDPOINT
// =============================================================================

func serveMetrics(ctx context.Context, addr string, a *app) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(a.promRegistry))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
