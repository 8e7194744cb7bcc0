package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Studyroom/internal/adapters/media"
	"github.com/dkeye/Studyroom/internal/adapters/rtc"
	sigclient "github.com/dkeye/Studyroom/internal/adapters/signal"
	"github.com/dkeye/Studyroom/internal/app/session"
	"github.com/dkeye/Studyroom/internal/config"
	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join your study group and chat from the terminal",
	Long: `Join registers you with the broker under <user>-<group>, then reads
lines from stdin. Plain lines are sent as chat messages; commands are
/connect <user>, /mute, /video, /peers, /stats, /help and /quit.`,
	Args: cobra.NoArgs,
	RunE: runJoin,
}

func init() {
	rootCmd.AddCommand(joinCmd)

	f := joinCmd.Flags()
	f.String("name", "", "display name shown to others")
	f.Bool("audio", false, "capture the microphone")
	f.Bool("video", false, "capture the camera")
	f.String("audio-file", "", "Ogg/Opus file looped as the microphone")
	f.String("video-file", "", "IVF file looped as the camera")
	f.Bool("deny", false, "refuse camera/microphone access")
	f.String("record-dir", "", "record remote tracks into this directory")
	f.String("duplicate-policy", "", "tiebreak, reject or replace")
	f.Bool("auto-connect", false, "connect to everyone online on join")

	for flag, key := range map[string]string{
		"name":             "name",
		"audio":            "audio",
		"video":            "video",
		"audio-file":       "audio_file",
		"video-file":       "video_file",
		"deny":             "deny",
		"record-dir":       "record_dir",
		"duplicate-policy": "duplicate_policy",
		"auto-connect":     "auto_connect",
	} {
		bind(f.Lookup(flag), key)
	}
}

func runJoin(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadPeer(v)
	if err != nil {
		return err
	}
	config.SetupLogging(cfg.LogLevel)

	policy, err := session.PolicyByName(cfg.DuplicatePolicy)
	if err != nil {
		return err
	}

	newTransport, err := transportFactory(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := session.NewController(session.Options{
		User:         domain.UserID(cfg.User),
		Group:        domain.GroupID(cfg.Group),
		DisplayName:  cfg.Name,
		NewTransport: newTransport,
		Devices: media.NewDevices(media.Config{
			AudioFile: cfg.AudioFile,
			VideoFile: cfg.VideoFile,
			Deny:      cfg.Deny,
		}),
		Constraints: core.Constraints{Audio: cfg.Audio, Video: cfg.Video},
		Policy:      policy,
		AutoConnect: cfg.AutoConnect,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	unsubscribe := ctrl.Feed().Subscribe(func(m domain.ChatMessage) {
		fmt.Fprintln(out, formatMessage(m))
	})
	defer unsubscribe()

	renderer := media.NewRenderer(ctx, cfg.RecordDir)
	defer renderer.Close()
	unfollow := renderer.Follow(ctrl.Surfaces())
	defer unfollow()

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := ctrl.End(); err != nil {
			log.Warn().Err(err).Str("module", "cmd.peer").Msg("end session")
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	con := &console{ctrl: ctrl, renderer: renderer, group: domain.GroupID(cfg.Group), out: out}
	fmt.Fprintln(out, "type /help for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || con.exec(ctx, line) {
				return nil
			}
		}
	}
}

// transportFactory sets up WebRTC once; every Start then gets a transport
// on a fresh broker connection.
func transportFactory(cfg *config.Peer) (session.TransportFactory, error) {
	engine, err := rtc.NewEngine(rtc.Config{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("webrtc setup: %w", err)
	}
	return func() core.Transport {
		return engine.Transport(sigclient.NewClient(cfg.SignalURL, cfg.Key))
	}, nil
}
