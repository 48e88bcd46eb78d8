package cmds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-delve/cdpbridge/pkg/cdp"
	"github.com/go-delve/cdpbridge/pkg/config"
	"github.com/go-delve/cdpbridge/pkg/logflags"
	"github.com/go-delve/cdpbridge/pkg/version"
	"github.com/go-delve/cdpbridge/service"
	"github.com/go-delve/cdpbridge/service/dap"
	"github.com/go-delve/cdpbridge/service/rdp"
	"github.com/go-delve/cdpbridge/service/thread"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// addr is the address the client-facing server listens on.
	addr string
	// target is the debugger endpoint of the target.
	target string
	// ignoreURLs are script url prefixes hidden from clients.
	ignoreURLs []string
	// dialTimeout bounds connecting to the target.
	dialTimeout time.Duration
	// stdio serves the client on standard input and output instead of TCP.
	stdio bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

// Protocols served by the client-facing server.
const (
	protoRDP = "rdp"
	protoDAP = "dap"
)

const bridgeCommandLongDesc = `cdpbridge lets a debugger client speaking the Firefox remote debugging
protocol (RDP), or the Debug Adapter Protocol (DAP), debug a JavaScript
target that speaks the Chrome DevTools Protocol (CDP).

The target is either the websocket debugger URL of a page
(ws://host:port/devtools/page/<id>) or the HTTP discovery endpoint of a
browser (http://host:port), in which case the first page is used.

` + "`cdpbridge rdp --target http://127.0.0.1:9222`"

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main cdpbridge root command.
	rootCommand = &cobra.Command{
		Use:          "cdpbridge",
		Short:        "cdpbridge bridges RDP and DAP debugger clients to CDP targets.",
		Long:         bridgeCommandLongDesc,
		SilenceUsage: true,
	}
	addServerFlags(rootCommand.PersistentFlags())

	// 'rdp' subcommand.
	rdpCommand := &cobra.Command{
		Use:   "rdp",
		Short: "Starts a TCP server speaking the Firefox remote debugging protocol.",
		Long: `Starts a TCP server speaking the Firefox remote debugging protocol (RDP).

The server exposes the target as a single tab. A client attaches to the tab
to get a thread actor, and detaches or disconnects to end the session.
The server does not accept multiple client connections.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(protoRDP, conf))
		},
	}
	rootCommand.AddCommand(rdpCommand)

	// 'dap' subcommand.
	dapCommand := &cobra.Command{
		Use:   "dap",
		Short: "Starts a TCP server communicating via Debug Adaptor Protocol (DAP).",
		Long: `Starts a TCP server communicating via Debug Adaptor Protocol (DAP).

The server supports attach requests only: the target is already running
when the client connects. The target is exposed as a single thread.
The server does not accept multiple client connections.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(protoDAP, conf))
		},
	}
	rootCommand.AddCommand(dapCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cdpbridge\n%s\n", version.BridgeVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	thread		Log debugging session state changes
	cdp		Log calls made to the target
	cdpwire		Log every message exchanged with the target
	rdp		Log all RDP packets
	dap		Log all DAP messages

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
This option will also redirect the "server listening at" message.

`,
	})

	rootCommand.DisableAutoGenTag = docCall

	return rootCommand
}

func addServerFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&addr, "listen", "l", "", fmt.Sprintf("Server listen address (default %q or the config file's listen).", config.DefaultListen))
	fs.StringVarP(&target, "target", "t", "", "Debugger endpoint of the target (default the config file's target).")
	fs.StringSliceVar(&ignoreURLs, "ignore-url", nil, "Script url prefix hidden from clients, may be repeated.")
	fs.DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "Time allowed to connect to the target.")
	fs.BoolVar(&stdio, "stdio", false, "Serve a single client on standard input and output instead of listening.")

	fs.BoolVarP(&log, "log", "", false, "Enable server logging.")
	fs.StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'cdpbridge help log')`)
	fs.StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'cdpbridge help log').")
}

// options merges the command line with the config file. Flags win.
type options struct {
	listen string
	target string
	thread thread.Config
	depth  int
}

func resolveOptions(conf *config.Config) (options, error) {
	opts := options{
		listen: conf.GetListen(),
		target: conf.Target,
		thread: thread.Config{
			IgnoredURLs:      append(append([]string(nil), conf.IgnoreURLs...), ignoreURLs...),
			PreviewCacheSize: conf.GetPreviewCacheSize(),
		},
		depth: conf.GetStackTraceDepth(),
	}
	if addr != "" {
		opts.listen = addr
	}
	if target != "" {
		opts.target = target
	}
	if opts.target == "" {
		return opts, errors.New("no target: pass --target or set target in the config file")
	}
	return opts, nil
}

func newServer(proto string, cfg *service.Config) (service.Server, error) {
	switch proto {
	case protoRDP:
		return rdp.NewServer(cfg), nil
	case protoDAP:
		return dap.NewServer(cfg), nil
	}
	return nil, fmt.Errorf("unknown protocol %q", proto)
}

func execute(proto string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	opts, err := resolveOptions(conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	client, info, err := cdp.Dial(ctx, opts.target)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not connect to target %s: %v\n", opts.target, err)
		return 1
	}
	defer client.Close()

	var listener net.Listener
	if stdio {
		logflags.ReserveStdout()
		listener = service.StdioListener(os.Stdin, os.Stdout)
	} else {
		listener, err = net.Listen("tcp", opts.listen)
		if err != nil {
			fmt.Fprintf(os.Stderr, "couldn't start listener: %s\n", err)
			return 1
		}
	}

	disconnectChan := make(chan struct{})
	server, err := newServer(proto, &service.Config{
		Listener:        listener,
		Target:          client,
		TargetTitle:     info.Title,
		TargetURL:       info.URL,
		Thread:          opts.thread,
		StackTraceDepth: opts.depth,
		DisconnectChan:  disconnectChan,
	})
	if err != nil {
		listener.Close()
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer server.Stop()

	server.Run()
	if err := waitForDisconnectSignal(disconnectChan, client.Done(), client.Err); err != nil {
		fmt.Fprintf(os.Stderr, "target connection lost: %v\n", err)
		return 1
	}
	return 0
}

// waitForDisconnectSignal is a blocking function that waits for either
// a SIGINT (Ctrl-C) or SIGTERM signal from the OS, for disconnectChan to
// be closed by the server when the client disconnects, or for the target
// connection to end. It returns the target error in the last case.
func waitForDisconnectSignal(disconnectChan <-chan struct{}, targetDone <-chan struct{}, targetErr func() error) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)
	select {
	case <-ch:
	case <-disconnectChan:
	case <-targetDone:
		return targetErr()
	}
	return nil
}
