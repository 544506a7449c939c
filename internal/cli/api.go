package cli

import (
	"errors"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ankittk/lanekeeper/internal/config"
	"github.com/ankittk/lanekeeper/internal/daemon"
	"github.com/ankittk/lanekeeper/pkg/client"
)

var errDaemonDown = errors.New("lanekeeper is not running (start it with: lanekeeper start)")

// apiClient returns a client for --addr, LANEKEEPER_ADDR, or the daemon
// recorded under home, in that order.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = os.Getenv("LANEKEEPER_ADDR")
	}
	if addr == "" {
		st, err := daemon.Status(cmd.Context(), config.MustHomeFrom(cmd.Context()))
		if err != nil {
			return nil, err
		}
		if !st.Running {
			return nil, errDaemonDown
		}
		addr = st.Addr
	}
	return client.New(baseURL(addr), apiKey()), nil
}

// baseURL turns a listen address into something a client can dial.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func apiKey() string { return os.Getenv("LANEKEEPER_API_KEY") }
