package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dkeye/Mesh/internal/adapters/rtc"
	"github.com/dkeye/Mesh/internal/client"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/media"
	"github.com/dkeye/Mesh/internal/mesh"
	"github.com/spf13/cobra"
)

var (
	flagRoom     string
	flagName     string
	flagAudioRTP string
	flagVideoRTP string
	flagGlare    string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and stay until leave, EOF or Ctrl-C",
	Long: `Join a room. Local audio and video are read as RTP from UDP, e.g.

  ffmpeg -re -i in.ogg -c:a libopus -f rtp rtp://127.0.0.1:5004
  mesh join --room demo --name alice --audio-rtp 127.0.0.1:5004

Commands on stdin: mute, unmute, video on, video off, say <text>, who, leave.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagRoom == "" {
			return client.ErrMissingRoomID
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flagName != "" {
			cfg.Name = flagName
		}
		if flagAudioRTP != "" {
			cfg.AudioRTP = flagAudioRTP
		}
		if flagVideoRTP != "" {
			cfg.VideoRTP = flagVideoRTP
		}
		if flagGlare != "" {
			cfg.Glare = flagGlare
		}
		glare, err := mesh.ParseGlarePolicy(cfg.Glare)
		if err != nil {
			return err
		}

		api, err := rtc.NewAPI()
		if err != nil {
			return fmt.Errorf("webrtc: %w", err)
		}
		factory := rtc.NewFactory(api, rtc.ICEConfiguration(cfg.STUNURLs, cfg.TURNURLs, cfg.TURNUsername, cfg.TURNPassword))

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		s, err := client.Connect(ctx, client.Options{
			ServerURL:   cfg.ServerURL,
			Name:        cfg.Name,
			Glare:       glare,
			MaxRestarts: cfg.MaxLinkRestarts,
			Factory:     factory,
			OpenMedia: func(ctx context.Context) (*media.LocalMedia, error) {
				return media.Open(ctx, media.Options{AudioAddr: cfg.AudioRTP, VideoAddr: cfg.VideoRTP})
			},
		})
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Join(domain.ParseRoomID(flagRoom)); err != nil {
			return err
		}
		fmt.Printf("joined %s as %s (%s)\n", flagRoom, s.Name(), s.Self())

		go printMessages(s)
		leave := make(chan struct{})
		go func() {
			runCommands(s, os.Stdin, os.Stdout)
			close(leave)
		}()

		select {
		case <-ctx.Done():
		case <-s.Done():
			fmt.Println("relay connection lost")
		case <-leave:
		}
		return nil
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagRoom, "room", "", "room id")
	joinCmd.Flags().StringVar(&flagName, "name", "", "display name")
	joinCmd.Flags().StringVar(&flagAudioRTP, "audio-rtp", "", "UDP address to read Opus RTP from")
	joinCmd.Flags().StringVar(&flagVideoRTP, "video-rtp", "", "UDP address to read VP8 RTP from")
	joinCmd.Flags().StringVar(&flagGlare, "glare", "", "offer policy: tiebreak or always")
}

func printMessages(s *client.Session) {
	for {
		select {
		case m := <-s.Messages():
			fmt.Printf("<%s> %s\n", m.Sender, m.Message)
		case <-s.Done():
			return
		}
	}
}

// runCommands executes stdin commands until leave or EOF.
func runCommands(s *client.Session, in io.Reader, out io.Writer) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		cmd, rest, _ := strings.Cut(line, " ")
		lm := s.Media()
		switch cmd {
		case "":
		case "leave", "quit":
			return
		case "mute", "unmute":
			if lm != nil {
				lm.SetAudioEnabled(cmd == "unmute")
				fmt.Fprintf(out, "audio %s\n", lm.Audio.State())
			}
		case "video":
			if lm != nil {
				lm.SetVideoEnabled(strings.TrimSpace(rest) == "on")
				fmt.Fprintf(out, "video %s\n", lm.Video.State())
			}
		case "say":
			if err := s.Chat(rest); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		case "who":
			for _, p := range s.Participants() {
				fmt.Fprintf(out, "%s %s %s\n", p.ID, p.Name, s.State(p.ID))
				for _, st := range s.Sink().Stats(p.ID) {
					fmt.Fprintf(out, "  %s %s packets=%d bytes=%d\n", st.Kind, st.ID, st.Packets, st.Bytes)
				}
			}
		default:
			fmt.Fprintf(out, "unknown command %q\n", cmd)
		}
	}
}
