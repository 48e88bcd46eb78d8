package rdp

import (
	"strconv"
	"strings"

	"github.com/go-delve/cdpbridge/pkg/preview"
	"github.com/go-delve/cdpbridge/service/thread"
)

// Actor kinds. Names have the form <prefix>.<kind><n>; frame, pause,
// source and value actors encode the core handle in n, so they need no
// table of their own.
const (
	kindTab         = "tab"
	kindThread      = "thread"
	kindSource      = "source"
	kindFrame       = "frame"
	kindPause       = "pause"
	kindObject      = "obj"
	kindEnvironment = "environment"
	kindBreakpoint  = "breakpoint"
)

type actorNames struct {
	prefix string
}

func (a actorNames) name(kind string, n ...int) string {
	parts := make([]string, len(n))
	for i := range n {
		parts[i] = strconv.Itoa(n[i])
	}
	return a.prefix + "." + kind + strings.Join(parts, "_")
}

// parse splits an actor name into its kind and numbers.
func (a actorNames) parse(name string) (kind string, n []int, ok bool) {
	rest, ok := strings.CutPrefix(name, a.prefix+".")
	if !ok {
		return "", nil, false
	}
	i := strings.IndexAny(rest, "0123456789")
	if i <= 0 {
		return "", nil, false
	}
	for _, s := range strings.Split(rest[i:], "_") {
		v, err := strconv.Atoi(s)
		if err != nil {
			return "", nil, false
		}
		n = append(n, v)
	}
	return rest[:i], n, true
}

func (a actorNames) source(id thread.SourceID) string { return a.name(kindSource, int(id)) }
func (a actorNames) frame(id thread.FrameID) string   { return a.name(kindFrame, int(id)) }
func (a actorNames) pause(h thread.PauseHandle) string {
	return a.name(kindPause, int(h.Gen))
}
func (a actorNames) object(h thread.ValueHandle) string {
	return a.name(kindObject, int(h.Gen), h.Index)
}
func (a actorNames) environment(h thread.ValueHandle) string {
	return a.name(kindEnvironment, int(h.Gen), h.Index)
}

func valueHandle(n []int) (thread.ValueHandle, bool) {
	if len(n) != 2 {
		return thread.ValueHandle{}, false
	}
	return thread.ValueHandle{Gen: uint64(n[0]), Index: n[1]}, true
}

type sourceForm struct {
	Actor           string `json:"actor"`
	URL             string `json:"url"`
	IsBlackBoxed    bool   `json:"isBlackBoxed"`
	IsPrettyPrinted bool   `json:"isPrettyPrinted"`
}

func (a actorNames) sourceForm(s thread.SourceForm) sourceForm {
	return sourceForm{
		Actor:           a.source(s.ID),
		URL:             s.URL,
		IsBlackBoxed:    s.IsBlackBoxed,
		IsPrettyPrinted: s.IsPrettyPrinted,
	}
}

type location struct {
	Actor  string `json:"actor,omitempty"`
	URL    string `json:"url"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

func (a actorNames) location(l thread.Location) location {
	loc := location{URL: l.URL, Line: l.Line, Column: l.Column}
	if l.Source != 0 {
		loc.Actor = a.source(l.Source)
	}
	return loc
}

type callee struct {
	Name string `json:"name"`
}

type actorRef struct {
	Actor string `json:"actor"`
}

type frameForm struct {
	Actor       string      `json:"actor"`
	Type        string      `json:"type"`
	This        interface{} `json:"this"`
	Callee      callee      `json:"callee"`
	Depth       int         `json:"depth"`
	Where       location    `json:"where"`
	Environment actorRef    `json:"environment"`
}

func (a actorNames) frameForm(f *thread.FrameForm) frameForm {
	return frameForm{
		Actor:       a.frame(f.ID),
		Type:        f.Type,
		This:        a.grip(f.Receiver, f.ReceiverPreview),
		Callee:      callee{Name: f.CalleeName},
		Depth:       f.Depth,
		Where:       a.location(f.Location),
		Environment: actorRef{Actor: a.environment(f.Environment)},
	}
}

type objectGrip struct {
	Type  string `json:"type"`
	Class string `json:"class,omitempty"`
	Actor string `json:"actor"`
}

type typeGrip struct {
	Type string `json:"type"`
}

// grip is a shallow client view of a value: primitives are sent by value,
// objects as a reference to an object actor.
func (a actorNames) grip(h thread.ValueHandle, p *preview.Object) interface{} {
	if p == nil {
		if h.IsZero() {
			return typeGrip{Type: "undefined"}
		}
		return objectGrip{Type: "object", Actor: a.object(h)}
	}
	switch {
	case p.Type == "undefined":
		return typeGrip{Type: "undefined"}
	case p.Subtype == "null":
		return typeGrip{Type: "null"}
	case p.ObjectID != "":
		return objectGrip{Type: "object", Class: p.ClassName, Actor: a.object(h)}
	}
	return p.Description
}

func propertyGrip(p preview.Property) interface{} {
	switch p.Type {
	case "undefined":
		return typeGrip{Type: "undefined"}
	case "object", "function":
		if p.ObjectID == "" {
			return typeGrip{Type: "null"}
		}
	}
	return p.Value
}
