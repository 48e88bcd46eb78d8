// Package preview loads shallow previews of target objects, such as the
// receiver of a stack frame, through Runtime.getProperties.
package preview

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/cdpbridge/pkg/cdp"
)

// DefaultCacheSize is the number of previews kept when no size is given.
const DefaultCacheSize = 256

// maxProperties bounds how many own properties a preview lists.
const maxProperties = 50

// Property is one own property of a previewed object.
type Property struct {
	Name     string
	Type     string
	Value    string
	ObjectID string
}

// Object is a preview of a target value.
type Object struct {
	ObjectID    string
	Type        string
	Subtype     string
	ClassName   string
	Description string
	Properties  []Property
	Truncated   bool
}

// Loader fetches previews and caches them by object id. Object ids are
// only meaningful while the target stays paused, so callers purge the
// cache whenever the target resumes.
type Loader struct {
	rpc   cdp.Caller
	cache *lru.Cache
}

// NewLoader returns a loader issuing requests through rpc and caching at
// most size previews.
func NewLoader(rpc cdp.Caller, size int) (*Loader, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Loader{rpc: rpc, cache: cache}, nil
}

// Load returns a preview of obj. Primitive values are described without a
// round trip to the target.
func (l *Loader) Load(ctx context.Context, obj cdp.RemoteObject) (*Object, error) {
	p := &Object{
		ObjectID:    obj.ObjectID,
		Type:        obj.Type,
		Subtype:     obj.Subtype,
		ClassName:   obj.ClassName,
		Description: describe(&obj),
	}
	if obj.ObjectID == "" {
		return p, nil
	}
	if v, ok := l.cache.Get(obj.ObjectID); ok {
		return v.(*Object), nil
	}

	var res cdp.GetPropertiesResult
	err := l.rpc.Call(ctx, cdp.RuntimeGetProperties, cdp.GetPropertiesParams{ObjectID: obj.ObjectID, OwnProperties: true}, &res)
	if err != nil {
		return nil, fmt.Errorf("loading properties of %s: %w", obj.ObjectID, err)
	}
	for _, d := range res.Result {
		if d.Value == nil || !d.Enumerable {
			continue
		}
		if len(p.Properties) >= maxProperties {
			p.Truncated = true
			break
		}
		p.Properties = append(p.Properties, Property{
			Name:     d.Name,
			Type:     d.Value.Type,
			Value:    describe(d.Value),
			ObjectID: d.Value.ObjectID,
		})
	}
	l.cache.Add(obj.ObjectID, p)
	return p, nil
}

// Purge drops every cached preview.
func (l *Loader) Purge() {
	l.cache.Purge()
}

func describe(obj *cdp.RemoteObject) string {
	switch obj.Type {
	case "undefined":
		return "undefined"
	case "string":
		if len(obj.Value) > 0 {
			return string(obj.Value)
		}
	}
	if obj.Subtype == "null" {
		return "null"
	}
	if obj.Description != "" {
		return obj.Description
	}
	if len(obj.Value) > 0 {
		return strings.TrimSpace(string(obj.Value))
	}
	return obj.Type
}
