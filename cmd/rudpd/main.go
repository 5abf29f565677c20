// Package main implements rudpd, a thin host process for one RUDP
// endpoint plus its monitoring surface. It does not implement any
// application protocol on top of the endpoint; it only proves the
// transport works end to end.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rcarmo/go-rudp/internal/config"
	"github.com/rcarmo/go-rudp/internal/dispatcher"
	"github.com/rcarmo/go-rudp/internal/endpoint"
	"github.com/rcarmo/go-rudp/internal/logging"
	"github.com/rcarmo/go-rudp/internal/monitor"
)

var (
	appName    = "rudpd"
	appVersion = "dev" // injected at build time via -ldflags
)

func main() {
	args, action := parseFlags()
	if action != "" {
		return
	}
	if err := run(args); err != nil {
		log.Fatalln(err)
	}
}

// parsedArgs holds the parsed command line arguments.
type parsedArgs struct {
	listenPort  int
	window      int
	timeout     time.Duration
	maxRetrans  int
	logLevel    string
	monitorAddr string
}

// parseFlags parses command line flags and returns the parsed args.
// Returns an action string if help/version was shown (caller should
// return early).
func parseFlags() (parsedArgs, string) {
	return parseFlagsWithArgs(os.Args[1:])
}

func parseFlagsWithArgs(args []string) (parsedArgs, string) {
	fs := flag.NewFlagSet("rudpd", flag.ContinueOnError)
	listenPort := fs.Int("listen-port", 0, "UDP port to listen on (0 = random)")
	window := fs.Int("window", 0, "send window size in packets")
	timeout := fs.Duration("timeout", 0, "retransmission timeout")
	maxRetrans := fs.Int("max-retrans", 0, "max retransmissions before giving up")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	monitorAddr := fs.String("monitor-addr", "", "monitor HTTP listen address")
	helpFlag := fs.Bool("help", false, "show help")
	versionFlag := fs.Bool("version", false, "show version")

	_ = fs.Parse(args)

	if *helpFlag {
		showHelp()
		return parsedArgs{}, "help"
	}
	if *versionFlag {
		showVersion()
		return parsedArgs{}, "version"
	}

	return parsedArgs{
		listenPort:  *listenPort,
		window:      *window,
		timeout:     *timeout,
		maxRetrans:  *maxRetrans,
		logLevel:    strings.TrimSpace(*logLevel),
		monitorAddr: strings.TrimSpace(*monitorAddr),
	}, ""
}

func run(args parsedArgs) error {
	opts := config.LoadOptions{
		ListenPort:  args.listenPort,
		Window:      args.window,
		Timeout:     args.timeout,
		MaxRetrans:  args.maxRetrans,
		LogLevel:    args.logLevel,
		MonitorAddr: args.monitorAddr,
	}

	cfg, err := config.LoadWithOverrides(opts)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logging.SetLevelFromString(cfg.Logging.Level)

	disp := dispatcher.New()

	ep, err := endpoint.Open(disp, cfg.Endpoint.ListenPort, endpoint.Options{
		Window:     cfg.Endpoint.Window,
		Timeout:    cfg.Endpoint.Timeout,
		MaxRetrans: cfg.Endpoint.MaxRetrans,
	})
	if err != nil {
		return fmt.Errorf("failed to open endpoint: %w", err)
	}

	ep.SetDataUpcall(func(peer *net.UDPAddr, payload []byte) {
		logging.Info("endpoint: %d bytes from %s", len(payload), peer)
	})
	ep.SetEventUpcall(func(peer *net.UDPAddr, ev endpoint.Event) {
		logging.Info("endpoint: event %s", ev)
	})

	reg := monitor.NewRegistry()
	reg.Register(ep.LocalAddr().String(), ep)

	mon := monitor.NewServer(cfg.Monitor, reg)

	logging.Info("rudpd listening on %s, monitor on %s", ep.LocalAddr(), cfg.Monitor.Addr)

	errCh := make(chan error, 2)
	go func() {
		errCh <- disp.Run()
	}()
	go func() {
		if err := mon.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	return <-errCh
}

func showHelp() {
	fmt.Println(appName)
	fmt.Println("USAGE: rudpd [options]")
	fmt.Println("OPTIONS:")
	fmt.Println("  -listen-port   UDP port to listen on (0 = random)")
	fmt.Println("  -window        send window size in packets")
	fmt.Println("  -timeout       retransmission timeout (e.g. 200ms)")
	fmt.Println("  -max-retrans   max retransmissions before giving up")
	fmt.Println("  -log-level     log level (debug, info, warn, error)")
	fmt.Println("  -monitor-addr  monitor HTTP listen address")
	fmt.Println("  -version       show version information")
	fmt.Println("  -help          show this help message")
	fmt.Println("ENVIRONMENT VARIABLES: RUDP_LISTEN_PORT, RUDP_WINDOW, RUDP_TIMEOUT, RUDP_MAX_RETRANS, RUDP_LOG_LEVEL, RUDP_MONITOR_ADDR")
}

func showVersion() {
	fmt.Printf("%s %s\n", appName, appVersion)
}
