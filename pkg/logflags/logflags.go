package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var thread = false
var cdp = false
var cdpWire = false
var rdp = false
var dap = false

var logOut io.WriteCloser

func makeLogger(flag bool, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(flag, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = colorable.NewColorableStderr()
	}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.ErrorLevel
	}
	return &logrusLogger{logger}
}

// Thread returns true if the thread controller should log.
func Thread() bool {
	return thread
}

// ThreadLogger returns a logger for the thread controller.
func ThreadLogger() Logger {
	return makeLogger(thread, Fields{"layer": "thread"})
}

// CDP returns true if the target protocol client should log.
func CDP() bool {
	return cdp
}

// CDPWire returns true if every message exchanged with the target should
// be logged verbatim.
func CDPWire() bool {
	return cdpWire
}

// CDPLogger returns a logger for the target protocol client.
func CDPLogger() Logger {
	return makeLogger(cdp || cdpWire, Fields{"layer": "cdp"})
}

// RDP returns true if the RDP server should log.
func RDP() bool {
	return rdp
}

// RDPLogger returns a logger for the RDP server.
func RDPLogger() Logger {
	return makeLogger(rdp, Fields{"layer": "rdp"})
}

// DAP returns true if the DAP server should log.
func DAP() bool {
	return dap
}

// DAPLogger returns a logger for the DAP server.
func DAPLogger() Logger {
	return makeLogger(dap, Fields{"layer": "dap"})
}

var stdoutReserved bool

// ReserveStdout is called when standard output carries protocol traffic.
// The listening message then goes to stderr.
func ReserveStdout() {
	stdoutReserved = true
}

// WriteListeningMessage writes the "server listening" message to
// stdout or to the log destination.
func WriteListeningMessage(proto, addr string) {
	msg := fmt.Sprintf("%s server listening at: %s", proto, addr)
	switch {
	case logOut != nil:
		fmt.Fprintln(logOut, msg)
	case stdoutReserved:
		fmt.Fprintln(os.Stderr, msg)
	default:
		fmt.Println(msg)
	}
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets bridge flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "bridge-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "thread"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "thread":
			thread = true
		case "cdp":
			cdp = true
		case "cdpwire":
			cdpWire = true
		case "rdp":
			rdp = true
		case "dap":
			dap = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'cdpbridge help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter colors the output only when it ends up on a terminal.
func textFormatter() logrus.Formatter {
	colors := false
	if logOut == nil {
		colors = isatty.IsTerminal(os.Stderr.Fd())
	} else if f, ok := logOut.(*os.File); ok {
		colors = isatty.IsTerminal(f.Fd())
	}
	return &logrus.TextFormatter{
		DisableColors:   !colors,
		ForceColors:     colors,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	}
}
