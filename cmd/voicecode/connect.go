package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/voicecode/voicecode/internal/dispatch"
	"github.com/voicecode/voicecode/internal/protocol"
	"github.com/voicecode/voicecode/internal/retry"
	"github.com/voicecode/voicecode/internal/store"
	"github.com/voicecode/voicecode/internal/voice"
)

func newConnectCmd(configPath *string) *cobra.Command {
	var (
		sessionID string
		workDir   string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to the backend and chat interactively",
		Long:  "Opens a connection, subscribes to a session and reads prompts from stdin. Lines starting with / are commands; everything else is sent as a prompt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, *configPath, sessionID, workDir)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id to attach to (a new one is created when empty)")
	cmd.Flags().StringVarP(&workDir, "dir", "d", "", "working directory for the session")
	return cmd
}

// terminalSynth renders would-be speech as text. Platform speech engines
// replace it when the client is embedded in the mobile app.
type terminalSynth struct {
	out io.Writer
}

func (s *terminalSynth) Speak(ctx context.Context, text string) error {
	fmt.Fprintf(s.out, "[speech] %s\n", text)
	return nil
}

func (s *terminalSynth) Stop() {}

func runConnect(cmd *cobra.Command, configPath, sessionID, workDir string) error {
	c, err := newClient(configPath)
	if err != nil {
		return err
	}
	defer c.close()

	out := cmd.OutOrStdout()
	d := c.dispatcher

	d.OnStateChanged(func(s dispatch.State) {
		fmt.Fprintf(out, "-- %s\n", s)
	})
	d.OnError(func(err error, adv retry.Advice) {
		if adv.Action != nil {
			fmt.Fprintf(out, "!! %s [%s]\n", adv.Message, adv.Action.Label)
		} else {
			fmt.Fprintf(out, "!! %s\n", adv.Message)
		}
	})

	var synth voice.Synthesizer
	if c.cfg.Voice.SpeakResponses {
		synth = &terminalSynth{out: out}
	}
	d.Store().OnMessage(func(sid string, msg store.Message) {
		if msg.Role == "user" {
			return
		}
		fmt.Fprintf(out, "%s: %s\n", msg.Role, msg.Text)
		if synth != nil && msg.Role == "assistant" {
			if err := voice.SpeakText(cmd.Context(), synth, msg.Text); err != nil {
				c.log.Warn("speak response: %v", err)
			}
		}
	})

	if err := d.Connect(cmd.Context()); err != nil {
		return fmt.Errorf("connect to %s: %w", c.cfg.Server.URL, err)
	}
	if err := d.RefreshSessions(); err != nil {
		c.log.Warn("refresh sessions: %v", err)
	}

	if sessionID == "" {
		sessionID = protocol.NewMessageID()
		fmt.Fprintf(out, "-- new session %s\n", sessionID)
	}
	sessionID = protocol.NormalizeID(sessionID)
	if err := d.SubscribeSession(sessionID); err != nil {
		return err
	}
	if workDir != "" {
		if err := d.SetWorkingDirectory(sessionID, workDir); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":

		case line == "/quit" || line == "/exit":
			return nil

		case line == "/cancel":
			if err := d.CancelPrompt(sessionID); err != nil {
				fmt.Fprintf(out, "!! cancel: %v\n", err)
			}

		case line == "/sessions":
			printSessions(out, d.Store().Sessions())

		case line == "/compact":
			ctx, cancel := context.WithTimeout(cmd.Context(), c.cfg.Server.RequestTimeout)
			done, err := d.RequestCompaction(ctx, sessionID)
			cancel()
			if err != nil {
				fmt.Fprintf(out, "!! compact: %v\n", err)
			} else {
				fmt.Fprintf(out, "-- compacted, %d messages kept\n", done.Kept)
			}

		case line == "/name":
			ctx, cancel := context.WithTimeout(cmd.Context(), c.cfg.Server.RequestTimeout)
			name, err := d.RequestInferredName(ctx, sessionID)
			cancel()
			if err != nil {
				fmt.Fprintf(out, "!! infer name: %v\n", err)
			} else {
				fmt.Fprintf(out, "-- session named %q\n", name)
			}

		case strings.HasPrefix(line, "/dir "):
			dir := strings.TrimSpace(strings.TrimPrefix(line, "/dir "))
			if err := d.SetWorkingDirectory(sessionID, dir); err != nil {
				fmt.Fprintf(out, "!! set directory: %v\n", err)
			}

		case strings.HasPrefix(line, "/run "):
			command := strings.TrimSpace(strings.TrimPrefix(line, "/run "))
			cmdID, err := d.RunCommand(sessionID, command, workDir)
			if err != nil {
				fmt.Fprintf(out, "!! run: %v\n", err)
			} else {
				fmt.Fprintf(out, "-- command %s started\n", cmdID)
			}

		case strings.HasPrefix(line, "/"):
			fmt.Fprintf(out, "!! unknown command %s\n", strings.Fields(line)[0])

		default:
			if _, err := d.SendPrompt(sessionID, line); err != nil {
				fmt.Fprintf(out, "!! %v\n", err)
			}
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func printSessions(out io.Writer, sessions []store.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no sessions")
		return
	}
	for _, s := range sessions {
		flags := ""
		if s.Locked {
			flags += " [locked]"
		}
		if s.Subscribed {
			flags += " [subscribed]"
		}
		modified := ""
		if !s.LastModified.IsZero() {
			modified = s.LastModified.Local().Format(time.DateTime)
		}
		fmt.Fprintf(out, "%s  %-24s %s%s\n", s.ID, s.Name, modified, flags)
	}
}
