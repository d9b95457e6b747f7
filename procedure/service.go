package procedure

import (
	"context"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"
)

type methodType struct {
	method     reflect.Method
	ParamTypes []reflect.Type // Types after (ctx, caller)
	HasResult  bool           // (R, error) rather than just error
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
	contextType  = reflect.TypeOf((*context.Context)(nil)).Elem()
	clientIDType = reflect.TypeOf(ClientID(""))
)

// FromService builds a Tree from the exported methods of rcvr that look like
//
//	func (s *Svc) Add(ctx context.Context, caller procedure.ClientID, a, b int) (int, error)
//	func (s *Svc) Reset(ctx context.Context, caller procedure.ClientID) error
//
// Wire parameters are converted to the declared parameter types; missing trailing
// parameters get their zero value. Names are exposed with a lower-case first letter
// ("Add" → "add"). Methods of any other shape are skipped.
func FromService(rcvr any) (Tree, error) {
	svc, err := newService(rcvr)
	if err != nil {
		return nil, err
	}
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("procedure: %s has no methods of the form func(context.Context, ClientID, ...) (R, error)", svc.name)
	}

	tree := make(Tree, len(svc.method))
	for name, mt := range svc.method {
		tree[name] = svc.handler(mt)
	}
	return tree, nil
}

// MustService is FromService for package-level wiring; it panics on error.
func MustService(rcvr any) Tree {
	tree, err := FromService(rcvr)
	if err != nil {
		panic(err)
	}
	return tree
}

func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("procedure: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("procedure: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	s := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	return s, nil
}

// registerMethods scans the exported methods and keeps the ones with a procedure signature:
// (receiver, context.Context, ClientID, params...) → (R, error) | error
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.IsVariadic() || mt.NumIn() < 3 || mt.In(1) != contextType || mt.In(2) != clientIDType {
			continue
		}
		switch {
		case mt.NumOut() == 1 && mt.Out(0) == errorType:
		case mt.NumOut() == 2 && mt.Out(1) == errorType:
		default:
			continue
		}

		params := make([]reflect.Type, 0, mt.NumIn()-3)
		for j := 3; j < mt.NumIn(); j++ {
			params = append(params, mt.In(j))
		}
		s.method[lowerFirst(method.Name)] = &methodType{
			method:     method,
			ParamTypes: params,
			HasResult:  mt.NumOut() == 2,
		}
	}
}

func (s *service) handler(mt *methodType) Handler {
	return func(ctx context.Context, caller ClientID, args Args) (any, error) {
		if len(args) > len(mt.ParamTypes) {
			return nil, fmt.Errorf("%w: %s.%s takes %d parameters, got %d",
				ErrArgument, s.name, mt.method.Name, len(mt.ParamTypes), len(args))
		}

		in := make([]reflect.Value, 0, 3+len(mt.ParamTypes))
		in = append(in, s.rcvr, reflect.ValueOf(ctx), reflect.ValueOf(caller))
		for i, pt := range mt.ParamTypes {
			pv := reflect.New(pt)
			if i < len(args) && args[i] != nil {
				if err := args.Decode(i, pv.Interface()); err != nil {
					return nil, err
				}
			}
			in = append(in, pv.Elem())
		}
		return s.call(mt, in)
	}
}

// call invokes the method via reflection and unpacks (R, error) or (error).
func (s *service) call(mt *methodType, in []reflect.Value) (any, error) {
	results := mt.method.Func.Call(in)
	errv := results[len(results)-1]
	if !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	if mt.HasResult {
		return results[0].Interface(), nil
	}
	return nil, nil
}

func lowerFirst(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}
