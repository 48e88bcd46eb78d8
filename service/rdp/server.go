// Package rdp serves the Firefox remote debugging protocol. A client talks
// to actors: the root actor lists one tab, the tab hands out a thread
// actor, and the thread actor drives the debugging session of the target.
// Packets are JSON texts prefixed with their length.
package rdp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-delve/cdpbridge/pkg/logflags"
	"github.com/go-delve/cdpbridge/service"
	"github.com/go-delve/cdpbridge/service/internal/sameuser"
	"github.com/go-delve/cdpbridge/service/thread"
)

// detachTimeout bounds the cleanup of a session when the client goes away.
const detachTimeout = 5 * time.Second

// Server implements an RDP server that accepts a single client.
// The server operates via three kinds of goroutines:
// (1) Main goroutine where the server is created via NewServer(),
// started via Run() and stopped via Stop().
// (2) Run goroutine started from Run() that accepts a client connection,
// reads and processes each packet.
// (3) Goroutines forwarding session events to the client and running
// resume commands, which may block until the target moves.
type Server struct {
	// config is all the information necessary to start the server.
	config *service.Config
	// listener is used to accept the client connection.
	listener net.Listener
	// stopChan is closed when the server is Stop()-ed.
	stopChan chan struct{}
	// ctx is cancelled when the server stops. Session commands run in it.
	ctx    context.Context
	cancel context.CancelFunc
	// log is used for structured logging.
	log logflags.Logger
	// names builds and parses actor names.
	names actorNames

	// mu guards the fields below.
	mu sync.Mutex
	// conn is the accepted client connection.
	conn net.Conn
	// sendingMu serializes packets written to conn.
	sendingMu sync.Mutex
	// session is the debugging session behind the current thread actor.
	session *session
	// nextThread numbers thread actors.
	nextThread int
	// disconnectOnce guards config.DisconnectChan.
	disconnectOnce sync.Once
	// wg tracks the goroutines of type (3).
	wg sync.WaitGroup
}

// session is the state behind one thread actor.
type session struct {
	actor       string
	thread      *thread.Thread
	sub         *thread.Subscription
	breakpoints map[int]*thread.Breakpoint
	nextBP      int
}

// NewServer creates a new RDP server. It takes an opened Listener via
// config and assumes its ownership. config.DisconnectChan, if set, is
// closed when the client disconnects; Stop must be called afterwards.
func NewServer(config *service.Config) *Server {
	logger := logflags.RDPLogger()
	logflags.WriteListeningMessage("RDP", config.Listener.Addr().String())
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   config,
		listener: config.Listener,
		stopChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		log:      logger,
		names:    actorNames{prefix: "conn1"},
	}
}

var _ service.Server = (*Server)(nil)

// Stop closes the listener and the client connection and ends the
// debugging session. It must not be called more than once.
func (s *Server) Stop() {
	s.listener.Close()
	close(s.stopChan)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.endSession()
	s.cancel()
	s.wg.Wait()
}

func (s *Server) signalDisconnect() {
	s.disconnectOnce.Do(func() {
		if s.config.DisconnectChan != nil {
			close(s.config.DisconnectChan)
		}
	})
}

// Run launches a new goroutine where it accepts a client connection and
// starts processing packets from it. Use Stop() to close the connection.
func (s *Server) Run() {
	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.stopChan:
				default:
					s.log.Errorf("Error accepting client connection: %s", err)
				}
				s.signalDisconnect()
				return
			}
			if !sameuser.CanAccept(s.log, s.listener.Addr(), conn.LocalAddr(), conn.RemoteAddr()) {
				conn.Close()
				continue
			}
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			s.serve(conn)
			return
		}
	}()
}

// serve reads packets from the client until it encounters an error or
// EOF, when it ends the session and sends the disconnect signal.
func (s *Server) serve(conn net.Conn) {
	defer s.signalDisconnect()
	defer s.endSession()

	s.send(greeting{From: "root", ApplicationType: "browser", Traits: struct{}{}})
	reader := bufio.NewReader(conn)
	for {
		data, err := ReadPacket(reader)
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				if err != io.EOF {
					s.log.Error("RDP error: ", err)
				}
			}
			return
		}
		s.handleRequest(data)
	}
}

type greeting struct {
	From            string   `json:"from"`
	ApplicationType string   `json:"applicationType"`
	Traits          struct{} `json:"traits"`
}

type request struct {
	To   string `json:"to"`
	Type string `json:"type"`
}

type reply struct {
	From string `json:"from"`
}

type errorReply struct {
	From    string `json:"from"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) send(v interface{}) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if logflags.RDP() {
		data, _ := json.Marshal(v)
		s.log.Debugf("[-> to client] %s", data)
	}
	s.sendingMu.Lock()
	defer s.sendingMu.Unlock()
	if err := WritePacket(conn, v); err != nil {
		s.log.Debugf("writing packet: %v", err)
	}
}

func (s *Server) sendError(from, name, message string) {
	s.log.Debugf("error from %s: %s: %s", from, name, message)
	s.send(errorReply{From: from, Error: name, Message: message})
}

func (s *Server) sendErr(from string, err error) {
	s.sendError(from, errorName(err), err.Error())
}

func (s *Server) handleRequest(data []byte) {
	var req request
	defer func() {
		// In case a handler panics, we catch the panic and send an error
		// reply back to the client.
		if ierr := recover(); ierr != nil {
			from := req.To
			if from == "" {
				from = "root"
			}
			s.sendError(from, errUnknownError, fmt.Sprintf("internal error: %v", ierr))
		}
	}()

	s.log.Debugf("[<- from client] %s", data)
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError("root", errBadPacket, err.Error())
		return
	}
	if req.To == "" {
		s.sendError("root", errMissingParameter, "no actor specified")
		return
	}
	if req.To == "root" {
		s.onRootRequest(req, data)
		return
	}
	if req.To == s.names.name(kindTab, 1) {
		s.onTabRequest(req)
		return
	}

	sess := s.currentSession()
	if sess != nil && req.To == sess.actor {
		s.onThreadRequest(sess, req, data)
		return
	}
	kind, n, ok := s.names.parse(req.To)
	if !ok || sess == nil || len(n) == 0 {
		s.sendError(req.To, errNoSuchActor, fmt.Sprintf("no actor %q", req.To))
		return
	}
	switch kind {
	case kindSource:
		s.onSourceRequest(sess, thread.SourceID(n[0]), req)
	case kindBreakpoint:
		s.onBreakpointRequest(sess, n[0], req)
	case kindObject:
		s.onObjectRequest(sess, n, req)
	case kindEnvironment:
		s.onEnvironmentRequest(sess, n, req)
	case kindFrame:
		if _, err := sess.thread.Frame(thread.FrameID(n[0])); err != nil {
			s.sendError(req.To, errNoSuchActor, err.Error())
			return
		}
		s.sendUnrecognized(req)
	case kindPause:
		s.onPauseRequest(sess, n[0], req)
	default:
		s.sendError(req.To, errNoSuchActor, fmt.Sprintf("no actor %q", req.To))
	}
}

func (s *Server) sendUnrecognized(req request) {
	s.sendError(req.To, errUnrecognizedPacketType, fmt.Sprintf("actor %q does not recognize the packet type %q", req.To, req.Type))
}

func (s *Server) currentSession() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

type tabForm struct {
	Actor string `json:"actor"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

type listTabsReply struct {
	From     string    `json:"from"`
	Tabs     []tabForm `json:"tabs"`
	Selected int       `json:"selected"`
}

func (s *Server) onRootRequest(req request, data []byte) {
	switch req.Type {
	case "listTabs":
		s.send(listTabsReply{
			From: "root",
			Tabs: []tabForm{{
				Actor: s.names.name(kindTab, 1),
				Title: s.config.TargetTitle,
				URL:   s.config.TargetURL,
			}},
		})
	case "echo":
		var v map[string]interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			s.sendError("root", errBadPacket, err.Error())
			return
		}
		delete(v, "to")
		v["from"] = "root"
		s.send(v)
	default:
		s.sendUnrecognized(req)
	}
}

type tabAttachedReply struct {
	From        string `json:"from"`
	Type        string `json:"type"`
	ThreadActor string `json:"threadActor"`
}

type typedReply struct {
	From string `json:"from"`
	Type string `json:"type"`
}

func (s *Server) onTabRequest(req request) {
	switch req.Type {
	case "attach":
		sess, err := s.startSession()
		if err != nil {
			s.sendErr(req.To, err)
			return
		}
		s.send(tabAttachedReply{From: req.To, Type: "tabAttached", ThreadActor: sess.actor})
	case "detach":
		s.endSession()
		s.send(typedReply{From: req.To, Type: "detached"})
	default:
		s.sendUnrecognized(req)
	}
}

// startSession creates the thread actor, or returns the existing one.
func (s *Server) startSession() (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return s.session, nil
	}
	th, err := thread.New(s.config.Target, s.config.Thread)
	if err != nil {
		return nil, err
	}
	s.nextThread++
	sess := &session{
		actor:       s.names.name(kindThread, s.nextThread),
		thread:      th,
		sub:         th.Subscribe(),
		breakpoints: make(map[int]*thread.Breakpoint),
	}
	s.session = sess
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.forwardEvents(sess)
	}()
	return sess, nil
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

type pausedEvent struct {
	From         string     `json:"from"`
	Type         string     `json:"type"`
	Actor        string     `json:"actor"`
	Why          typedWhy   `json:"why"`
	Frame        *frameForm `json:"frame,omitempty"`
	PoppedFrames []string   `json:"poppedFrames"`
}

type typedWhy struct {
	Type string `json:"type"`
}

type newSourceEvent struct {
	From   string     `json:"from"`
	Type   string     `json:"type"`
	Source sourceForm `json:"source"`
}

func (s *Server) forwardEvents(sess *session) {
	for ev := range sess.sub.C() {
		switch ev.Kind {
		case thread.EventPaused:
			p := pausedEvent{
				From:         sess.actor,
				Type:         "paused",
				Actor:        s.names.pause(ev.Pause),
				Why:          typedWhy{Type: ev.Why},
				PoppedFrames: make([]string, len(ev.PoppedFrames)),
			}
			if ev.Frame != nil {
				f := s.names.frameForm(ev.Frame)
				p.Frame = &f
			}
			for i, id := range ev.PoppedFrames {
				p.PoppedFrames[i] = s.names.frame(id)
			}
			s.send(p)
		case thread.EventResumed:
			s.send(typedReply{From: sess.actor, Type: "resumed"})
		case thread.EventNewSource:
			s.send(newSourceEvent{From: sess.actor, Type: "newSource", Source: s.names.sourceForm(*ev.Source)})
		case thread.EventExited:
			s.send(typedReply{From: sess.actor, Type: "exited"})
		}
	}
}

type resumeArgs struct {
	ResumeLimit *struct {
		Type string `json:"type"`
	} `json:"resumeLimit"`
	PauseOnExceptions      bool            `json:"pauseOnExceptions"`
	IgnoreCaughtExceptions bool            `json:"ignoreCaughtExceptions"`
	ForceCompletion        json.RawMessage `json:"forceCompletion"`
}

func (a *resumeArgs) options() thread.ResumeOptions {
	opts := thread.ResumeOptions{
		PauseOnExceptions:      a.PauseOnExceptions,
		IgnoreCaughtExceptions: a.IgnoreCaughtExceptions,
	}
	if a.ResumeLimit != nil {
		opts.Limit = thread.ResumeLimit(a.ResumeLimit.Type)
	}
	switch string(a.ForceCompletion) {
	case "", "null", "false":
	default:
		opts.ForceCompletion = true
	}
	return opts
}

type framesArgs struct {
	Start int `json:"start"`
	Count int `json:"count"`
}

type framesReply struct {
	From   string      `json:"from"`
	Frames []frameForm `json:"frames"`
}

type sourcesReply struct {
	From    string       `json:"from"`
	Sources []sourceForm `json:"sources"`
}

type setBreakpointArgs struct {
	Location struct {
		URL    string `json:"url"`
		Line   int    `json:"line"`
		Column int    `json:"column"`
	} `json:"location"`
	Condition string `json:"condition"`
}

type setBreakpointReply struct {
	From           string    `json:"from"`
	Actor          string    `json:"actor"`
	ActualLocation *location `json:"actualLocation,omitempty"`
}

type reconfigureArgs struct {
	Options map[string]interface{} `json:"options"`
}

func (s *Server) onThreadRequest(sess *session, req request, data []byte) {
	th := sess.thread
	switch req.Type {
	case "attach":
		// State changes are reported with events, so a successful attach
		// has no reply.
		if err := th.Attach(s.ctx); err != nil {
			s.sendErr(req.To, err)
		}
	case "interrupt":
		if err := th.Interrupt(s.ctx); err != nil {
			s.sendErr(req.To, err)
		}
	case "resume":
		var args resumeArgs
		if err := json.Unmarshal(data, &args); err != nil {
			s.sendError(req.To, errBadPacket, err.Error())
			return
		}
		// Resuming may wait for the target to reach a statement boundary,
		// so it must not hold up the packets that follow.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := th.Resume(s.ctx, args.options()); err != nil {
				s.sendErr(req.To, err)
			}
		}()
	case "reconfigure":
		var args reconfigureArgs
		if err := json.Unmarshal(data, &args); err != nil {
			s.sendError(req.To, errBadPacket, err.Error())
			return
		}
		if err := th.Reconfigure(args.Options); err != nil {
			s.sendErr(req.To, err)
			return
		}
		s.send(reply{From: req.To})
	case "sources":
		forms := th.Sources()
		r := sourcesReply{From: req.To, Sources: make([]sourceForm, len(forms))}
		for i := range forms {
			r.Sources[i] = s.names.sourceForm(forms[i])
		}
		s.send(r)
	case "frames":
		var args framesArgs
		if err := json.Unmarshal(data, &args); err != nil {
			s.sendError(req.To, errBadPacket, err.Error())
			return
		}
		if args.Count <= 0 {
			args.Count = s.config.StackTraceDepth
		}
		frames, err := th.Frames(args.Start, args.Count)
		if err != nil {
			s.sendErr(req.To, err)
			return
		}
		r := framesReply{From: req.To, Frames: make([]frameForm, len(frames))}
		for i := range frames {
			r.Frames[i] = s.names.frameForm(&frames[i])
		}
		s.send(r)
	case "setBreakpoint":
		var args setBreakpointArgs
		if err := json.Unmarshal(data, &args); err != nil {
			s.sendError(req.To, errBadPacket, err.Error())
			return
		}
		if args.Location.URL == "" || args.Location.Line <= 0 {
			s.sendError(req.To, errMissingParameter, "setBreakpoint needs a location with url and line")
			return
		}
		loc := thread.Location{URL: args.Location.URL, Line: args.Location.Line, Column: args.Location.Column}
		res, err := th.SetBreakpoint(s.ctx, loc, args.Condition)
		if err != nil {
			s.sendErr(req.To, err)
			return
		}
		s.mu.Lock()
		sess.nextBP++
		n := sess.nextBP
		sess.breakpoints[n] = res.Breakpoint
		s.mu.Unlock()
		r := setBreakpointReply{From: req.To, Actor: s.names.name(kindBreakpoint, n)}
		if res.ActualLocation != nil {
			l := s.names.location(*res.ActualLocation)
			r.ActualLocation = &l
		}
		s.send(r)
	case "detach":
		if err := th.Detach(s.ctx); err != nil {
			s.sendErr(req.To, err)
			return
		}
		s.send(typedReply{From: req.To, Type: "detached"})
	default:
		s.sendUnrecognized(req)
	}
}

type sourceReply struct {
	From   string `json:"from"`
	Source string `json:"source"`
}

func (s *Server) onSourceRequest(sess *session, id thread.SourceID, req request) {
	if _, err := sess.thread.Source(id); err != nil {
		s.sendError(req.To, errNoSuchActor, err.Error())
		return
	}
	switch req.Type {
	case "source":
		text, err := sess.thread.SourceText(s.ctx, id)
		if err != nil {
			s.sendErr(req.To, err)
			return
		}
		s.send(sourceReply{From: req.To, Source: text})
	case "blackbox", "unblackbox", "prettyPrint", "disablePrettyPrint":
		s.send(reply{From: req.To})
	default:
		s.sendUnrecognized(req)
	}
}

func (s *Server) onBreakpointRequest(sess *session, n int, req request) {
	s.mu.Lock()
	bp, ok := sess.breakpoints[n]
	s.mu.Unlock()
	if !ok {
		s.sendError(req.To, errNoSuchActor, fmt.Sprintf("no actor %q", req.To))
		return
	}
	switch req.Type {
	case "delete":
		if err := bp.Release(s.ctx); err != nil {
			s.sendErr(req.To, err)
			return
		}
		s.mu.Lock()
		delete(sess.breakpoints, n)
		s.mu.Unlock()
		s.send(reply{From: req.To})
	default:
		s.sendUnrecognized(req)
	}
}

func (s *Server) onPauseRequest(sess *session, gen int, req request) {
	h, ok := sess.thread.CurrentPause()
	if !ok || h.Gen != uint64(gen) {
		s.sendError(req.To, errNoSuchActor, fmt.Sprintf("pause %q has ended", req.To))
		return
	}
	switch req.Type {
	case "release":
		// Values of a pause are released together when the target resumes.
		s.send(reply{From: req.To})
	default:
		s.sendUnrecognized(req)
	}
}

type propertyDescriptor struct {
	Value        interface{} `json:"value"`
	Enumerable   bool        `json:"enumerable"`
	Configurable bool        `json:"configurable"`
	Writable     bool        `json:"writable"`
}

type prototypeAndPropertiesReply struct {
	From          string                        `json:"from"`
	Prototype     typeGrip                      `json:"prototype"`
	OwnProperties map[string]propertyDescriptor `json:"ownProperties"`
}

type ownPropertyNamesReply struct {
	From             string   `json:"from"`
	OwnPropertyNames []string `json:"ownPropertyNames"`
}

// properties loads the object under h and describes its own properties.
func (s *Server) properties(th *thread.Thread, h thread.ValueHandle) (map[string]propertyDescriptor, []string, error) {
	obj, err := th.Object(s.ctx, h)
	if err != nil {
		return nil, nil, err
	}
	props := make(map[string]propertyDescriptor, len(obj.Properties))
	names := make([]string, 0, len(obj.Properties))
	for _, p := range obj.Properties {
		d := propertyDescriptor{Value: propertyGrip(p), Enumerable: true, Configurable: true, Writable: true}
		if p.ObjectID != "" {
			if child, err := th.Property(h, p.Name); err == nil {
				d.Value = objectGrip{Type: "object", Class: p.Value, Actor: s.names.object(child)}
			}
		}
		props[p.Name] = d
		names = append(names, p.Name)
	}
	return props, names, nil
}

func (s *Server) onObjectRequest(sess *session, n []int, req request) {
	h, ok := valueHandle(n)
	if !ok {
		s.sendError(req.To, errNoSuchActor, fmt.Sprintf("no actor %q", req.To))
		return
	}
	switch req.Type {
	case "prototypeAndProperties":
		props, _, err := s.properties(sess.thread, h)
		if err != nil {
			s.sendErr(req.To, err)
			return
		}
		s.send(prototypeAndPropertiesReply{From: req.To, Prototype: typeGrip{Type: "null"}, OwnProperties: props})
	case "ownPropertyNames":
		_, names, err := s.properties(sess.thread, h)
		if err != nil {
			s.sendErr(req.To, err)
			return
		}
		s.send(ownPropertyNamesReply{From: req.To, OwnPropertyNames: names})
	case "release":
		s.send(reply{From: req.To})
	default:
		s.sendUnrecognized(req)
	}
}

type bindings struct {
	Arguments []interface{}                 `json:"arguments"`
	Variables map[string]propertyDescriptor `json:"variables"`
}

type bindingsReply struct {
	From     string   `json:"from"`
	Bindings bindings `json:"bindings"`
}

func (s *Server) onEnvironmentRequest(sess *session, n []int, req request) {
	h, ok := valueHandle(n)
	if !ok {
		s.sendError(req.To, errNoSuchActor, fmt.Sprintf("no actor %q", req.To))
		return
	}
	env, err := sess.thread.Environment(h)
	if err != nil {
		s.sendErr(req.To, err)
		return
	}
	switch req.Type {
	case "bindings":
		b := bindings{Arguments: []interface{}{}, Variables: map[string]propertyDescriptor{}}
		if len(env.Scopes) > 0 {
			b.Variables, _, err = s.properties(sess.thread, env.Scopes[0].Object)
			if err != nil {
				s.sendErr(req.To, err)
				return
			}
		}
		s.send(bindingsReply{From: req.To, Bindings: b})
	default:
		s.sendUnrecognized(req)
	}
}

// Error names sent to clients.
const (
	errWrongState             = "wrongState"
	errNotImplemented         = "notImplemented"
	errNoSuchActor            = "noSuchActor"
	errUnrecognizedPacketType = "unrecognizedPacketType"
	errUnknownError           = "unknownError"
	errMissingParameter       = "missingParameter"
	errBadPacket              = "badParameterType"
)

func errorName(err error) string {
	switch {
	case errors.Is(err, thread.ErrInvalidState):
		return errWrongState
	case errors.Is(err, thread.ErrUnsupported):
		return errNotImplemented
	case errors.Is(err, thread.ErrStaleHandle),
		errors.Is(err, thread.ErrNoSuchFrame),
		errors.Is(err, thread.ErrNoSuchSource),
		errors.Is(err, thread.ErrUnknownBreakpoint):
		return errNoSuchActor
	}
	return errUnknownError
}
