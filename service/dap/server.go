// Package dap implements VSCode's Debug Adaptor Protocol (DAP).
// This allows editors to debug a target through the bridge without a
// separate adaptor. The editor attaches to the bridge in server mode
// listening on a port and communicating over TCP.
// For DAP details see https://microsoft.github.io/debug-adapter-protocol.
package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/go-dap"

	"github.com/go-delve/cdpbridge/pkg/logflags"
	"github.com/go-delve/cdpbridge/service"
	"github.com/go-delve/cdpbridge/service/thread"
)

// threadID is the id of the only thread reported to the client.
const threadID = 1

// detachTimeout bounds the cleanup of a session when the client goes away.
const detachTimeout = 5 * time.Second

var errNoSession = errors.New("not attached to the target")

// Server implements a DAP server that can accept a single client for
// a single debug session. It does not support restarting.
// The server operates via three kinds of goroutines:
// (1) Main goroutine where the server is created via NewServer(),
// started via Run() and stopped via Stop().
// (2) Run goroutine started from Run() that accepts a client connection,
// reads, decodes and processes each request, issuing commands to the
// debugging session and sending back responses.
// (3) Event goroutine started on attach that turns session events into
// DAP events.
type Server struct {
	// config is all the information necessary to start the server.
	config *service.Config
	// listener is used to accept the client connection.
	listener net.Listener
	// stopChan is closed when the server is Stop()-ed. This can be used to signal
	// to goroutines run by the server that it's time to quit.
	stopChan chan struct{}
	// ctx is cancelled when the server stops. Session commands run in it.
	ctx    context.Context
	cancel context.CancelFunc
	// log is used for structured logging.
	log logflags.Logger
	// sendingMu serializes messages written to the client.
	sendingMu sync.Mutex
	// clientResume is set while a resume requested by the client has not
	// been reported by the session. Such resumes need no continued event.
	clientResume atomic.Bool
	// disconnectOnce guards config.DisconnectChan.
	disconnectOnce sync.Once
	// wg tracks the event goroutine.
	wg sync.WaitGroup

	// mu guards the fields below.
	mu sync.Mutex
	// conn is the accepted client connection.
	conn net.Conn
	// session is the debugging session started by attach.
	session *session
	// variableHandles maps values of the current pause to unique references.
	variableHandles *variablesHandlesMap
	// args tracks special settings for handling debug session requests.
	args attachArgs
	// exceptions is the exception policy applied at the next resume.
	exceptions exceptionFilters
	// stepping is set when the last resume was a step.
	stepping bool
	// nextBreakpoint numbers breakpoints reported to the client.
	nextBreakpoint int
}

// session is a debugging session started by an attach request.
type session struct {
	thread *thread.Thread
	sub    *thread.Subscription
	// breakpoints holds the breakpoints of each source url, as the
	// client replaces them all at once.
	breakpoints map[string][]*thread.Breakpoint
}

// attachArgs captures arguments from the attach request that
// impact handling of subsequent requests.
type attachArgs struct {
	// StopOnEntry reports the attach pause to the client instead of
	// resuming the target once configuration is done.
	StopOnEntry bool `json:"stopOnEntry"`
	// StackTraceDepth is the maximum length of the returned list of stack frames.
	StackTraceDepth int `json:"stackTraceDepth"`
}

type exceptionFilters struct {
	pause        bool
	ignoreCaught bool
}

// NewServer creates a new DAP Server. It takes an opened Listener
// via config and assumes its ownership. config.DisconnectChan, if set,
// will be closed by the server when the client disconnects or requests
// shutdown. Once DisconnectChan is closed, Server.Stop() must be called.
func NewServer(config *service.Config) *Server {
	logger := logflags.DAPLogger()
	logflags.WriteListeningMessage("DAP", config.Listener.Addr().String())
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:          config,
		listener:        config.Listener,
		stopChan:        make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
		log:             logger,
		variableHandles: newVariablesHandlesMap(),
		args:            attachArgs{StackTraceDepth: config.StackTraceDepth},
	}
}

var _ service.Server = (*Server)(nil)

// Stop stops the DAP service, closes the listener and the client
// connection. It detaches from the target if a session is active.
// This method mustn't be called more than once.
func (s *Server) Stop() {
	s.listener.Close()
	close(s.stopChan)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		// Unless Stop() was called after serveDAPCodec()
		// returned, this will result in closed connection error
		// on next read, breaking out of the read loop and
		// allowing the run goroutine to exit.
		conn.Close()
	}
	s.endSession()
	s.cancel()
	s.wg.Wait()
}

// signalDisconnect closes config.DisconnectChan if not nil, which
// signals that the client disconnected or there was a client
// connection failure. Since the server currently services only one
// client, this can be used as a signal to the entire server via
// Stop(). It can be called more than once.
func (s *Server) signalDisconnect() {
	s.disconnectOnce.Do(func() {
		if s.config.DisconnectChan != nil {
			close(s.config.DisconnectChan)
		}
	})
}

// Run launches a new goroutine where it accepts a client connection
// and starts processing requests from it. Use Stop() to close connection.
// The server does not support multiple clients, serially or in parallel.
// The session won't be started until the attach request is received.
func (s *Server) Run() {
	go func() {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.log.Errorf("Error accepting client connection: %s\n", err)
			}
			s.signalDisconnect()
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.serveDAPCodec(conn)
	}()
}

// serveDAPCodec reads and decodes requests from the client
// until it encounters an error or EOF, when it sends
// the disconnect signal and returns.
func (s *Server) serveDAPCodec(conn net.Conn) {
	defer s.signalDisconnect()
	defer s.endSession()
	reader := bufio.NewReader(conn)
	for {
		request, err := dap.ReadProtocolMessage(reader)
		if err != nil {
			var decodeErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &decodeErr) {
				// The message was framed correctly but is not a request
				// we know how to decode.
				s.sendInternalErrorResponse(decodeErr.Seq, err.Error())
				continue
			}
			stopRequested := false
			select {
			case <-s.stopChan:
				stopRequested = true
			default:
			}
			if err != io.EOF && !stopRequested {
				s.log.Error("DAP error: ", err)
			}
			return
		}
		s.handleRequest(request)
	}
}

func (s *Server) handleRequest(request dap.Message) {
	defer func() {
		// In case a handler panics, we catch the panic and send an error response
		// back to the client.
		if ierr := recover(); ierr != nil {
			s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("%v", ierr))
		}
	}()

	jsonmsg, _ := json.Marshal(request)
	s.log.Debug("[<- from client]", string(jsonmsg))

	switch request := request.(type) {
	case *dap.InitializeRequest:
		// Required
		s.onInitializeRequest(request)
	case *dap.LaunchRequest:
		// Required
		s.onLaunchRequest(request)
	case *dap.AttachRequest:
		// Required
		s.onAttachRequest(request)
	case *dap.DisconnectRequest:
		// Required
		s.onDisconnectRequest(request)
	case *dap.SetBreakpointsRequest:
		// Required
		s.onSetBreakpointsRequest(request)
	case *dap.SetExceptionBreakpointsRequest:
		// Optional (capability ‘exceptionBreakpointFilters’)
		s.onSetExceptionBreakpointsRequest(request)
	case *dap.ConfigurationDoneRequest:
		// Optional (capability ‘supportsConfigurationDoneRequest’)
		s.onConfigurationDoneRequest(request)
	case *dap.ContinueRequest:
		// Required
		s.onContinueRequest(request)
	case *dap.NextRequest:
		// Required
		s.onNextRequest(request)
	case *dap.StepInRequest:
		// Required
		s.onStepInRequest(request)
	case *dap.StepOutRequest:
		// Required
		s.onStepOutRequest(request)
	case *dap.PauseRequest:
		// Required
		s.onPauseRequest(request)
	case *dap.StackTraceRequest:
		// Required
		s.onStackTraceRequest(request)
	case *dap.ScopesRequest:
		// Required
		s.onScopesRequest(request)
	case *dap.VariablesRequest:
		// Required
		s.onVariablesRequest(request)
	case *dap.SourceRequest:
		// Required
		s.onSourceRequest(request)
	case *dap.ThreadsRequest:
		// Required
		s.onThreadsRequest(request)
	case *dap.LoadedSourcesRequest:
		// Optional (capability ‘supportsLoadedSourcesRequest’)
		s.onLoadedSourcesRequest(request)
	case *dap.EvaluateRequest:
		// Required
		s.sendNotYetImplementedErrorResponse(request.Request)
	case *dap.TerminateRequest:
		// Optional (capability ‘supportsTerminateRequest‘)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.RestartRequest:
		// Optional (capability ‘supportsRestartRequest’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetFunctionBreakpointsRequest:
		// Optional (capability ‘supportsFunctionBreakpoints’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.StepBackRequest:
		// Optional (capability ‘supportsStepBack’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ReverseContinueRequest:
		// Optional (capability ‘supportsStepBack’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.RestartFrameRequest:
		// Optional (capability ’supportsRestartFrame’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.GotoRequest:
		// Optional (capability ‘supportsGotoTargetsRequest’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetVariableRequest:
		// Optional (capability ‘supportsSetVariable’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetExpressionRequest:
		// Optional (capability ‘supportsSetExpression’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.TerminateThreadsRequest:
		// Optional (capability ‘supportsTerminateThreadsRequest’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.StepInTargetsRequest:
		// Optional (capability ‘supportsStepInTargetsRequest’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.GotoTargetsRequest:
		// Optional (capability ‘supportsGotoTargetsRequest’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.CompletionsRequest:
		// Optional (capability ‘supportsCompletionsRequest’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ExceptionInfoRequest:
		// Optional (capability ‘supportsExceptionInfoRequest’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.DataBreakpointInfoRequest:
		// Optional (capability ‘supportsDataBreakpoints’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetDataBreakpointsRequest:
		// Optional (capability ‘supportsDataBreakpoints’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ReadMemoryRequest:
		// Optional (capability ‘supportsReadMemoryRequest‘)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.DisassembleRequest:
		// Optional (capability ‘supportsDisassembleRequest’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.CancelRequest:
		// Optional (capability ‘supportsCancelRequest’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.BreakpointLocationsRequest:
		// Optional (capability ‘supportsBreakpointLocationsRequest’)
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ModulesRequest:
		// Optional (capability ‘supportsModulesRequest’)
		s.sendUnsupportedErrorResponse(request.Request)
	default:
		// This is a DAP message that go-dap has a struct for, so
		// decoding succeeded, but this function does not know how
		// to handle.
		s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("Unable to process %#v\n", request))
	}
}

func (s *Server) send(message dap.Message) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	jsonmsg, _ := json.Marshal(message)
	s.log.Debug("[-> to client]", string(jsonmsg))
	s.sendingMu.Lock()
	defer s.sendingMu.Unlock()
	if err := dap.WriteProtocolMessage(conn, message); err != nil {
		s.log.Debugf("writing message: %v", err)
	}
}

func (s *Server) currentSession() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Server) onInitializeRequest(request *dap.InitializeRequest) {
	response := &dap.InitializeResponse{Response: *newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsConditionalBreakpoints = true
	response.Body.SupportsLoadedSourcesRequest = true
	response.Body.ExceptionBreakpointFilters = []dap.ExceptionBreakpointsFilter{
		{Filter: "all", Label: "All Exceptions"},
		{Filter: "uncaught", Label: "Uncaught Exceptions"},
	}
	response.Body.SupportsTerminateRequest = false
	response.Body.SupportsRestartRequest = false
	response.Body.SupportsFunctionBreakpoints = false
	response.Body.SupportsStepBack = false
	response.Body.SupportsSetVariable = false
	response.Body.SupportsSetExpression = false
	response.Body.SupportsReadMemoryRequest = false
	response.Body.SupportsDisassembleRequest = false
	response.Body.SupportsCancelRequest = false
	s.send(response)
}

func (s *Server) onLaunchRequest(request *dap.LaunchRequest) {
	s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
		"the bridge cannot start targets, use an attach request")
}

func (s *Server) onAttachRequest(request *dap.AttachRequest) {
	if s.currentSession() != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", "already attached")
		return
	}
	args := attachArgs{StackTraceDepth: s.config.StackTraceDepth}
	if len(request.Arguments) > 0 {
		if err := json.Unmarshal(request.Arguments, &args); err != nil {
			s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach",
				fmt.Sprintf("invalid debug configuration: %v", err))
			return
		}
	}

	th, err := thread.New(s.config.Target, s.config.Thread)
	if err != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", err.Error())
		return
	}
	sess := &session{
		thread:      th,
		sub:         th.Subscribe(),
		breakpoints: make(map[string][]*thread.Breakpoint),
	}
	if err := th.Attach(s.ctx); err != nil {
		sess.sub.Cancel()
		th.Close()
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", err.Error())
		return
	}

	s.mu.Lock()
	s.session = sess
	s.args = args
	s.mu.Unlock()

	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
	s.send(&dap.AttachResponse{Response: *newResponse(request.Request)})

	// Events queue up in the subscription until now, so the client sees
	// the attach pause after the attach response.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.forwardEvents(sess, args.StopOnEntry)
	}()
}

// endSession detaches from the target and ends the current session.
func (s *Server) endSession() {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()
	if sess == nil {
		return
	}
	switch sess.thread.State() {
	case thread.Attached, thread.Paused, thread.Running:
		ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		if err := sess.thread.Detach(ctx); err != nil {
			s.log.WithError(err).Warn("detaching from target")
		}
		cancel()
	}
	sess.thread.Close()
}

func (s *Server) onDisconnectRequest(request *dap.DisconnectRequest) {
	s.send(&dap.DisconnectResponse{Response: *newResponse(request.Request)})
	s.endSession()
	s.signalDisconnect()
}

func (s *Server) onSetBreakpointsRequest(request *dap.SetBreakpointsRequest) {
	sess := s.currentSession()
	if sess == nil {
		s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set breakpoints", errNoSession.Error())
		return
	}
	source := request.Arguments.Source
	u := source.Path
	if source.SourceReference > 0 {
		form, err := sess.thread.Source(thread.SourceID(source.SourceReference))
		if err != nil {
			s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set breakpoints", err.Error())
			return
		}
		u = form.URL
	}
	if u == "" {
		s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set breakpoints", "empty source path")
		return
	}

	// The request lists every breakpoint of the source.
	s.mu.Lock()
	old := sess.breakpoints[u]
	delete(sess.breakpoints, u)
	s.mu.Unlock()
	for _, bp := range old {
		if err := bp.Release(s.ctx); err != nil && !errors.Is(err, thread.ErrUnknownBreakpoint) {
			s.log.WithError(err).Warnf("clearing breakpoint %s", bp.ID)
		}
	}

	response := &dap.SetBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, len(request.Arguments.Breakpoints))
	var set []*thread.Breakpoint
	for i, b := range request.Arguments.Breakpoints {
		loc := thread.Location{URL: u, Line: b.Line}
		if b.Column > 0 {
			loc.Column = b.Column - 1
		}
		s.mu.Lock()
		s.nextBreakpoint++
		response.Body.Breakpoints[i].Id = s.nextBreakpoint
		s.mu.Unlock()
		response.Body.Breakpoints[i].Line = b.Line
		res, err := sess.thread.SetBreakpoint(s.ctx, loc, b.Condition)
		if err != nil {
			s.log.Error("Unable to set breakpoint: ", err)
			response.Body.Breakpoints[i].Message = err.Error()
			continue
		}
		set = append(set, res.Breakpoint)
		response.Body.Breakpoints[i].Verified = true
		response.Body.Breakpoints[i].Source = &dap.Source{Name: source.Name, Path: source.Path, SourceReference: source.SourceReference}
		if res.ActualLocation != nil {
			response.Body.Breakpoints[i].Line = res.ActualLocation.Line
		}
	}
	s.mu.Lock()
	sess.breakpoints[u] = set
	s.mu.Unlock()
	s.send(response)
}

func (s *Server) onSetExceptionBreakpointsRequest(request *dap.SetExceptionBreakpointsRequest) {
	var f exceptionFilters
	for _, filter := range request.Arguments.Filters {
		switch filter {
		case "all":
			f = exceptionFilters{pause: true}
		case "uncaught":
			if !f.pause {
				f = exceptionFilters{pause: true, ignoreCaught: true}
			}
		}
	}
	// The policy reaches the target with the next resume.
	s.mu.Lock()
	s.exceptions = f
	s.mu.Unlock()
	s.send(&dap.SetExceptionBreakpointsResponse{Response: *newResponse(request.Request)})
}

func (s *Server) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
	s.mu.Lock()
	stopOnEntry := s.args.StopOnEntry
	s.mu.Unlock()
	sess := s.currentSession()
	if stopOnEntry || sess == nil || sess.thread.State() != thread.Paused {
		return
	}
	if err := s.resume(thread.LimitNone); err != nil {
		s.sendOutput(fmt.Sprintf("ERROR: unable to resume after attach: %v\n", err))
	}
}

// resume lets the target run under the current exception policy.
func (s *Server) resume(limit thread.ResumeLimit) error {
	sess := s.currentSession()
	if sess == nil {
		return errNoSession
	}
	s.mu.Lock()
	opts := thread.ResumeOptions{
		Limit:                  limit,
		PauseOnExceptions:      s.exceptions.pause,
		IgnoreCaughtExceptions: s.exceptions.ignoreCaught,
	}
	s.stepping = limit != thread.LimitNone
	s.mu.Unlock()
	s.clientResume.Store(true)
	if err := sess.thread.Resume(s.ctx, opts); err != nil {
		s.clientResume.Store(false)
		return err
	}
	return nil
}

func (s *Server) onContinueRequest(request *dap.ContinueRequest) {
	if err := s.resume(thread.LimitNone); err != nil {
		s.sendErrorResponse(request.Request, UnableToResume, "Unable to continue", err.Error())
		return
	}
	s.send(&dap.ContinueResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ContinueResponseBody{AllThreadsContinued: true},
	})
}

func (s *Server) onNextRequest(request *dap.NextRequest) {
	if err := s.resume(thread.LimitNext); err != nil {
		s.sendErrorResponse(request.Request, UnableToResume, "Unable to step", err.Error())
		return
	}
	s.send(&dap.NextResponse{Response: *newResponse(request.Request)})
}

func (s *Server) onStepInRequest(request *dap.StepInRequest) {
	if err := s.resume(thread.LimitStep); err != nil {
		s.sendErrorResponse(request.Request, UnableToResume, "Unable to step", err.Error())
		return
	}
	s.send(&dap.StepInResponse{Response: *newResponse(request.Request)})
}

func (s *Server) onStepOutRequest(request *dap.StepOutRequest) {
	if err := s.resume(thread.LimitFinish); err != nil {
		s.sendErrorResponse(request.Request, UnableToResume, "Unable to step", err.Error())
		return
	}
	s.send(&dap.StepOutResponse{Response: *newResponse(request.Request)})
}

func (s *Server) onPauseRequest(request *dap.PauseRequest) {
	sess := s.currentSession()
	if sess == nil {
		s.sendErrorResponse(request.Request, UnableToPause, "Unable to pause", errNoSession.Error())
		return
	}
	if err := sess.thread.Interrupt(s.ctx); err != nil {
		s.sendErrorResponse(request.Request, UnableToPause, "Unable to pause", err.Error())
		return
	}
	s.send(&dap.PauseResponse{Response: *newResponse(request.Request)})
}

func (s *Server) onThreadsRequest(request *dap.ThreadsRequest) {
	name := s.config.TargetTitle
	if name == "" {
		name = "main"
	}
	response := &dap.ThreadsResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: threadID, Name: name}}},
	}
	s.send(response)
}

// source describes a source document to the client. The source
// reference lets the client fetch the text with a source request.
func source(form thread.SourceForm) dap.Source {
	name := form.URL
	if u, err := url.Parse(form.URL); err == nil && u.Path != "" && u.Path != "/" {
		name = path.Base(u.Path)
	}
	return dap.Source{Name: name, Path: form.URL, SourceReference: int(form.ID)}
}

func (s *Server) onStackTraceRequest(request *dap.StackTraceRequest) {
	sess := s.currentSession()
	if sess == nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", errNoSession.Error())
		return
	}
	frames, err := sess.thread.Frames(0, 0)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", err.Error())
		return
	}
	total := len(frames)
	s.mu.Lock()
	levels := s.args.StackTraceDepth
	s.mu.Unlock()
	if request.Arguments.Levels > 0 {
		levels = request.Arguments.Levels
	}
	if request.Arguments.StartFrame > 0 {
		frames = frames[min(request.Arguments.StartFrame, len(frames)):]
	}
	if levels > 0 {
		frames = frames[:min(levels, len(frames))]
	}

	stackFrames := make([]dap.StackFrame, len(frames))
	for i, f := range frames {
		stackFrames[i] = dap.StackFrame{
			Id:     int(f.ID),
			Name:   f.CalleeName,
			Line:   f.Location.Line,
			Column: f.Location.Column + 1,
		}
		if stackFrames[i].Name == "" {
			stackFrames[i].Name = "(anonymous)"
		}
		if f.Location.Source != 0 {
			if form, err := sess.thread.Source(f.Location.Source); err == nil {
				src := source(form)
				stackFrames[i].Source = &src
			}
		}
	}
	response := &dap.StackTraceResponse{
		Response: *newResponse(request.Request),
		Body:     dap.StackTraceResponseBody{StackFrames: stackFrames, TotalFrames: total},
	}
	s.send(response)
}

func (s *Server) onScopesRequest(request *dap.ScopesRequest) {
	sess := s.currentSession()
	if sess == nil {
		s.sendErrorResponse(request.Request, UnableToListLocals, "Unable to list locals", errNoSession.Error())
		return
	}
	frame, err := sess.thread.Frame(thread.FrameID(request.Arguments.FrameId))
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToListLocals, "Unable to list locals", err.Error())
		return
	}
	env, err := sess.thread.Environment(frame.Environment)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToListLocals, "Unable to list locals", err.Error())
		return
	}

	s.mu.Lock()
	scopes := make([]dap.Scope, 0, len(env.Scopes)+1)
	if frame.ReceiverPreview != nil && frame.ReceiverPreview.ObjectID != "" {
		scopes = append(scopes, dap.Scope{Name: "this", VariablesReference: s.variableHandles.create(frame.Receiver)})
	}
	for _, sc := range env.Scopes {
		scope := dap.Scope{
			Name:               sc.Type,
			VariablesReference: s.variableHandles.create(sc.Object),
			Expensive:          sc.Type == "global",
		}
		if sc.Name != "" {
			scope.Name = sc.Type + " " + sc.Name
		}
		if sc.Type == "local" {
			scope.PresentationHint = "locals"
		}
		scopes = append(scopes, scope)
	}
	s.mu.Unlock()

	response := &dap.ScopesResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ScopesResponseBody{Scopes: scopes},
	}
	s.send(response)
}

func (s *Server) onVariablesRequest(request *dap.VariablesRequest) {
	sess := s.currentSession()
	s.mu.Lock()
	h, ok := s.variableHandles.get(request.Arguments.VariablesReference)
	s.mu.Unlock()
	if sess == nil || !ok {
		s.sendErrorResponse(request.Request, UnableToLookupVariable, "Unable to lookup variable", fmt.Sprintf("unknown reference %d", request.Arguments.VariablesReference))
		return
	}
	obj, err := sess.thread.Object(s.ctx, h)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToLookupVariable, "Unable to lookup variable", err.Error())
		return
	}

	children := make([]dap.Variable, len(obj.Properties))
	for i, p := range obj.Properties {
		children[i] = dap.Variable{Name: p.Name, Value: p.Value, Type: p.Type}
		if p.ObjectID == "" {
			continue
		}
		child, err := sess.thread.Property(h, p.Name)
		if err != nil {
			s.log.WithError(err).Debugf("property %s", p.Name)
			continue
		}
		s.mu.Lock()
		children[i].VariablesReference = s.variableHandles.create(child)
		s.mu.Unlock()
	}
	response := &dap.VariablesResponse{
		Response: *newResponse(request.Request),
		Body:     dap.VariablesResponseBody{Variables: children},
	}
	s.send(response)
}

func (s *Server) onSourceRequest(request *dap.SourceRequest) {
	sess := s.currentSession()
	if sess == nil {
		s.sendErrorResponse(request.Request, UnableToProduceSource, "Unable to produce source", errNoSession.Error())
		return
	}
	ref := request.Arguments.SourceReference
	if src := request.Arguments.Source; src != nil {
		if src.SourceReference > 0 {
			ref = src.SourceReference
		} else if form, ok := sess.thread.SourceByURL(src.Path); ok {
			ref = int(form.ID)
		}
	}
	text, err := sess.thread.SourceText(s.ctx, thread.SourceID(ref))
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToProduceSource, "Unable to produce source", err.Error())
		return
	}
	s.send(&dap.SourceResponse{
		Response: *newResponse(request.Request),
		Body:     dap.SourceResponseBody{Content: text, MimeType: "text/javascript"},
	})
}

func (s *Server) onLoadedSourcesRequest(request *dap.LoadedSourcesRequest) {
	response := &dap.LoadedSourcesResponse{Response: *newResponse(request.Request)}
	response.Body.Sources = []dap.Source{}
	if sess := s.currentSession(); sess != nil {
		for _, form := range sess.thread.Sources() {
			response.Body.Sources = append(response.Body.Sources, source(form))
		}
	}
	s.send(response)
}

// stopReason translates the reason of a pause to a DAP stop reason.
func stopReason(why string, stepping bool) string {
	switch why {
	case "attached":
		return "entry"
	case "interrupted":
		return "pause"
	case "exception", "promiseRejection", "assert":
		return "exception"
	}
	if stepping {
		return "step"
	}
	return "breakpoint"
}

// forwardEvents turns session events into DAP events until the session
// exits.
func (s *Server) forwardEvents(sess *session, stopOnEntry bool) {
	for ev := range sess.sub.C() {
		switch ev.Kind {
		case thread.EventPaused:
			if ev.Why == "attached" && !stopOnEntry {
				continue
			}
			s.mu.Lock()
			s.variableHandles.reset()
			stepping := s.stepping
			s.stepping = false
			s.mu.Unlock()
			e := &dap.StoppedEvent{Event: *newEvent("stopped")}
			e.Body.Reason = stopReason(ev.Why, stepping)
			e.Body.Description = ev.Why
			e.Body.ThreadId = threadID
			e.Body.AllThreadsStopped = true
			s.send(e)
		case thread.EventResumed:
			if s.clientResume.CompareAndSwap(true, false) {
				continue
			}
			e := &dap.ContinuedEvent{Event: *newEvent("continued")}
			e.Body.ThreadId = threadID
			e.Body.AllThreadsContinued = true
			s.send(e)
		case thread.EventNewSource:
			e := &dap.LoadedSourceEvent{Event: *newEvent("loadedSource")}
			e.Body.Reason = "new"
			e.Body.Source = source(*ev.Source)
			s.send(e)
		case thread.EventExited:
			s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
		}
	}
}

func (s *Server) sendOutput(output string) {
	s.send(&dap.OutputEvent{
		Event: *newEvent("output"),
		Body: dap.OutputEventBody{
			Output:   output,
			Category: "stderr",
		}})
}

func (s *Server) sendErrorResponse(request dap.Request, id int, summary, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.Command = request.Command
	er.RequestSeq = request.Seq
	er.Success = false
	er.Message = summary
	er.Body.Error = &dap.ErrorMessage{Id: id, Format: fmt.Sprintf("%s: %s", summary, details)}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

func (s *Server) sendInternalErrorResponse(seq int, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.RequestSeq = seq
	er.Success = false
	er.Message = "Internal Error"
	er.Body.Error = &dap.ErrorMessage{Id: InternalError, Format: fmt.Sprintf("%s: %s", er.Message, details)}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

func (s *Server) sendUnsupportedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, UnsupportedCommand, "Unsupported command",
		fmt.Sprintf("cannot process '%s' request", request.Command))
}

func (s *Server) sendNotYetImplementedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, NotYetImplemented, "Not yet implemented",
		fmt.Sprintf("cannot process '%s' request", request.Command))
}

func newResponse(request dap.Request) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    request.Command,
		RequestSeq: request.Seq,
		Success:    true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}
