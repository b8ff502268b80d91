package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/felixgeelhaar/canvas/internal/dispatch"
	"github.com/felixgeelhaar/canvas/internal/guard"
	"github.com/felixgeelhaar/canvas/internal/observe"
	"github.com/felixgeelhaar/canvas/internal/store"
	"github.com/felixgeelhaar/canvas/internal/ui"
	"github.com/felixgeelhaar/canvas/internal/ui/tui"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var interactive bool

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start a conversation",
	Long: `Start a conversation. Plain lines are messages; commands:
  /upload <path> [description]  add a local image
  /images                        list images in the session
  /active <id> [id...]           choose which images edits apply to
  /set <key> <value>             set a preference (width, height, model,
                                 format, edit_type, strength, guidance)
  /new                           start a new session
  /quit                          leave`,
	RunE: func(cmd *cobra.Command, args []string) error {
		obs := newObserver()
		if interactive {
			obs = observe.Nop()
		}
		defer obs.Close()

		r, err := start(obs)
		if err != nil {
			return err
		}
		defer r.Close()
		defer r.Store.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		if interactive {
			return runTUI(ctx, r)
		}
		return runREPL(ctx, r, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Start interactive TUI")
}

// runREPL reads one message per line until EOF or /quit.
func runREPL(ctx context.Context, r *Runner, in io.Reader, out io.Writer) error {
	ui.Bind(r.Bus, ui.NewConsole(out))

	sessionID := ""
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(line)

		switch {
		case line == "":
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/new":
			sessionID = ""
			fmt.Fprintln(out, "Started a new session.")
		case line == "/images":
			listImages(r, sessionID, out)
		case fields[0] == "/upload":
			if len(fields) < 2 {
				fmt.Fprintln(out, "usage: /upload <path> [description]")
				break
			}
			desc := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "/upload"), " "+fields[1]))
			res, err := uploadFile(ctx, r, sessionID, fields[1], desc)
			if err != nil {
				fmt.Fprintln(out, "upload failed:", err)
				break
			}
			sessionID = res.SessionID
			fmt.Fprintf(out, "Added %s as image %s.\n", res.Image.Filename, res.Image.ID)
		case fields[0] == "/active":
			if err := r.Sessions.SetActiveImages(sessionID, fields[1:]); err != nil {
				fmt.Fprintln(out, "could not set active images:", err)
			}
		case fields[0] == "/set":
			if len(fields) < 3 {
				fmt.Fprintln(out, "usage: /set <key> <value>")
				break
			}
			if sessionID == "" {
				sessionID = r.Sessions.Create().ID
			}
			if err := r.Dispatcher.SetPreference(sessionID, fields[1], strings.Join(fields[2:], " ")); err != nil {
				fmt.Fprintln(out, "could not set preference:", err)
				break
			}
			fmt.Fprintf(out, "Set %s.\n", fields[1])
		default:
			res, err := r.Send(ctx, sessionID, line)
			if err != nil {
				var v *guard.Violation
				if errors.As(err, &v) {
					fmt.Fprintln(out, v.Message)
					break
				}
				return err
			}
			sessionID = res.SessionID
			fmt.Fprintln(out, Render(res))
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func listImages(r *Runner, sessionID string, out io.Writer) {
	images, err := r.Sessions.Images(sessionID)
	if err != nil || len(images) == 0 {
		fmt.Fprintln(out, "No images yet.")
		return
	}
	active, _ := r.Sessions.ActiveImages(sessionID)
	isActive := make(map[string]bool, len(active))
	for _, id := range active {
		isActive[id] = true
	}
	for _, img := range images {
		mark := " "
		if isActive[img.ID] {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %s  %-9s  %s\n", mark, img.ID, img.Origin, firstNonEmpty(img.Description, img.Filename, img.Locator))
	}
}

// uploadFile copies a local image into the upload store and adds it to the
// session, creating one when sessionID is empty.
func uploadFile(ctx context.Context, r *Runner, sessionID, path, description string) (*dispatch.UploadResult, error) {
	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if v := r.Guard.CheckUpload(name, mimeType, 0); v != nil {
		return nil, v
	}

	content, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}

	if _, err := r.Sessions.Get(sessionID); err != nil {
		sessionID = r.Sessions.Create().ID
	}

	locator, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if r.Store != nil {
		u := &store.Upload{ID: uuid.NewString(), SessionID: sessionID, Filename: name, MIMEType: mimeType}
		if locator, err = r.Store.SaveUpload(u, content); err != nil {
			return nil, err
		}
	}

	return r.Dispatcher.Upload(ctx, dispatch.UploadRequest{
		SessionID:   sessionID,
		Filename:    name,
		MIMEType:    mimeType,
		Size:        int64(len(content)),
		Locator:     locator,
		Description: description,
	})
}

func runTUI(ctx context.Context, r *Runner) error {
	sessionID := ""
	send := func(text string) (string, error) {
		res, err := r.Send(ctx, sessionID, text)
		if err != nil {
			return "", err
		}
		sessionID = res.SessionID
		return Render(res), nil
	}

	program := tea.NewProgram(tui.NewModel("canvas", send), tea.WithAltScreen(), tea.WithContext(ctx))
	ui.Bind(r.Bus, tui.NewTUI(program))

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
