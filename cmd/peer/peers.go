package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkeye/Studyroom/internal/domain"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List who is online in the group",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		group := domain.GroupID(v.GetString("group"))
		if err := group.Validate(); err != nil {
			return err
		}
		peers, err := fetchPeers(cmd.Context(), v.GetString("signal_url"), group)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(peers) == 0 {
			fmt.Fprintf(out, "nobody is online in %s\n", group)
			return nil
		}
		for _, p := range peers {
			fmt.Fprintln(out, p)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(peersCmd)
}

// apiURL turns the broker websocket url into its REST counterpart.
func apiURL(signalURL, path string) (string, error) {
	u, err := url.Parse(signalURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported signal url scheme %q", u.Scheme)
	}
	u.Path = "/api/" + strings.TrimPrefix(path, "/")
	u.RawQuery = ""
	return u.String(), nil
}

func fetchPeers(ctx context.Context, signalURL string, group domain.GroupID) ([]domain.PeerID, error) {
	endpoint, err := apiURL(signalURL, "groups/"+url.PathEscape(string(group))+"/peers")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker answered %s", resp.Status)
	}
	var body struct {
		Peers []domain.PeerID `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Peers, nil
}
