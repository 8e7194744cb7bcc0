package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dkeye/Studyroom/internal/adapters/media"
	"github.com/dkeye/Studyroom/internal/app/session"
	"github.com/dkeye/Studyroom/internal/domain"
)

const helpText = `/connect <user>   open chat and video with a group member
/mute             toggle your microphone
/video            toggle your camera
/peers            show links and who is online
/stats            show received media
/quit             leave the group`

type console struct {
	ctrl     *session.Controller
	renderer *media.Renderer
	group    domain.GroupID
	out      io.Writer
}

// exec runs one input line and reports whether the user asked to quit.
func (c *console) exec(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		// failures are already posted to the feed
		_ = c.ctrl.SendMessage(line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(c.out, helpText)
	case "/connect":
		peer, err := parseTarget(arg, c.group)
		if err != nil {
			fmt.Fprintln(c.out, err)
			return false
		}
		if err := c.ctrl.ConnectToPeer(ctx, peer); err != nil {
			fmt.Fprintln(c.out, err)
		}
	case "/mute":
		fmt.Fprintf(c.out, "microphone %s\n", onOff(c.ctrl.ToggleAudio()))
	case "/video":
		fmt.Fprintf(c.out, "camera %s\n", onOff(c.ctrl.ToggleVideo()))
	case "/peers":
		c.printPeers()
	case "/stats":
		c.printStats()
	default:
		fmt.Fprintf(c.out, "unknown command %s\n", cmd)
	}
	return false
}

func (c *console) printPeers() {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tLINK\tCALL\tDIRECTION")
	for _, p := range c.ctrl.Peers() {
		dir := "in"
		if p.Outbound {
			dir = "out"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Peer, p.Link, p.CallState, dir)
	}
	_ = w.Flush()
	fmt.Fprintf(c.out, "online: %v\n", c.ctrl.Online())
}

func (c *console) printStats() {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tTRACK\tKIND\tPACKETS\tBYTES")
	for _, s := range c.renderer.Stats() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", s.Peer, s.TrackID, s.Kind, s.Packets, s.Bytes)
	}
	_ = w.Flush()
}

// parseTarget accepts either a bare user id, taken to be in group, or a
// full peer id.
func parseTarget(arg string, group domain.GroupID) (domain.PeerID, error) {
	if arg == "" {
		return "", fmt.Errorf("usage: /connect <user>")
	}
	if strings.Contains(arg, "-") {
		peer := domain.PeerID(arg)
		if _, _, err := domain.ParsePeerID(peer); err != nil {
			return "", err
		}
		return peer, nil
	}
	return domain.NewPeerID(domain.UserID(arg), group)
}

func formatMessage(m domain.ChatMessage) string {
	if m.IsSystem() {
		return "* " + m.Text
	}
	sender := m.Sender
	if m.Mine {
		sender = "you"
	}
	return fmt.Sprintf("[%s] %s: %s", m.At.Format("15:04:05"), sender, m.Text)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
