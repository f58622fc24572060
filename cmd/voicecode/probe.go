package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/voicecode/voicecode/internal/config"
	"github.com/voicecode/voicecode/internal/logger"
	"github.com/voicecode/voicecode/internal/protocol"
	"github.com/voicecode/voicecode/internal/transport"
)

func newProbeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run a wire-level smoke test against the backend",
		Long:  "Connects straight to the WebSocket, exercises ping, set_working_directory, a prompt and an unknown frame type, and prints every frame the backend sends back.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, *configPath)
		},
	}
	return cmd
}

// probeHandler prints every inbound frame as it arrives.
type probeHandler struct {
	out io.Writer
}

func (h *probeHandler) HandleFrame(data []byte) {
	in, err := protocol.Decode(data)
	if err != nil {
		fmt.Fprintf(h.out, "<- undecodable frame: %v\n", err)
		return
	}
	switch msg := in.(type) {
	case protocol.Connected:
		fmt.Fprintf(h.out, "<- connected (server version %q)\n", msg.ServerVersion)
	case protocol.Pong:
		fmt.Fprintln(h.out, "<- pong")
	case protocol.Ack:
		fmt.Fprintf(h.out, "<- ack for message %s\n", msg.MessageID)
	case protocol.ServerError:
		fmt.Fprintf(h.out, "<- error [%s] %s\n", msg.Code, msg.Message)
	case protocol.Unknown:
		fmt.Fprintf(h.out, "<- unknown frame type %q\n", msg.Type)
	default:
		fmt.Fprintf(h.out, "<- %T\n", msg)
	}
}

func (h *probeHandler) HandleReceiveFailure(err error) {
	fmt.Fprintf(h.out, "<- receive failed: %v\n", err)
}

func runProbe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	tr := transport.New(logger.Nop())
	tr.SetHandler(&probeHandler{out: out})

	fmt.Fprintf(out, "-> connecting to %s\n", cfg.Server.URL)
	if err := tr.Connect(cmd.Context(), cfg.Server.URL); err != nil {
		return err
	}
	defer tr.Disconnect()

	sessionID := protocol.NewMessageID()
	steps := []func() (*protocol.Envelope, error){
		func() (*protocol.Envelope, error) {
			return protocol.NewPing(protocol.NewRequestID())
		},
		func() (*protocol.Envelope, error) {
			return protocol.NewSetWorkingDirectory(protocol.NewRequestID(), sessionID, "/tmp")
		},
		func() (*protocol.Envelope, error) {
			return protocol.NewPrompt(protocol.NewRequestID(), sessionID, protocol.NewMessageID(), "Say hello.", "")
		},
	}

	for _, build := range steps {
		env, err := build()
		if err != nil {
			return err
		}
		frame, err := protocol.Encode(env)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "-> %s\n", env.Type)
		if err := tr.Send(frame); err != nil {
			return err
		}
		time.Sleep(500 * time.Millisecond)
	}

	// An unknown frame type must come back as an error, not a hangup.
	bogus, err := json.Marshal(map[string]string{"type": "no_such_type"})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "-> no_such_type")
	if err := tr.Send(bogus); err != nil {
		return err
	}
	time.Sleep(500 * time.Millisecond)

	fmt.Fprintln(out, "-> disconnecting")
	return nil
}
