package rpc

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"mini-sync/codec"
	"mini-sync/message"
	"mini-sync/middleware"
	"mini-sync/procedure"
)

// Kind classifies a failed call.
type Kind string

const (
	KindConnectionLost    Kind = "CONNECTION_LOST"
	KindProcedureNotFound Kind = "PROCEDURE_NOT_FOUND"
	KindRemoteThrew       Kind = "REMOTE_THREW"
)

var (
	ErrConnectionLost    = errors.New("connection lost")
	ErrProcedureNotFound = errors.New("procedure not found")
	ErrRemoteThrew       = errors.New("remote procedure threw")

	// ErrTimeout is the cause of a CONNECTION_LOST error raised by the call timer.
	ErrTimeout = errors.New("call timed out")
)

// Error is the failure of one outgoing call.
type Error struct {
	Kind     Kind
	Path     []string
	ClientID procedure.ClientID
	Name     string
	Message  string
	Stack    string
	Extra    map[string]any

	cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("rpc ")
	b.WriteString(string(e.Kind))
	if len(e.Path) > 0 {
		b.WriteString(" calling ")
		b.WriteString(procedure.Key(e.Path))
	}
	if e.ClientID != "" {
		fmt.Fprintf(&b, " (client %s)", e.ClientID)
	}
	if e.Message != "" {
		b.WriteString(": ")
		if e.Name != "" {
			b.WriteString(e.Name)
			b.WriteString(": ")
		}
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap lets errors.Is match the kind sentinel and any local cause.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind.sentinel()}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

func (k Kind) sentinel() error {
	switch k {
	case KindConnectionLost:
		return ErrConnectionLost
	case KindProcedureNotFound:
		return ErrProcedureNotFound
	default:
		return ErrRemoteThrew
	}
}

func parseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindConnectionLost, KindProcedureNotFound, KindRemoteThrew:
		return k
	default:
		return KindRemoteThrew
	}
}

func connectionLost(path []string, clientID procedure.ClientID, cause error) *Error {
	return &Error{
		Kind:     KindConnectionLost,
		Path:     path,
		ClientID: clientID,
		Name:     "ConnectionLostError",
		Message:  cause.Error(),
		cause:    cause,
	}
}

// fromInfo rebuilds a caller-side error from a received rpc_exception.
func fromInfo(info message.ErrorInfo, path []string, clientID procedure.ClientID) *Error {
	return &Error{
		Kind:     parseKind(info.Kind),
		Path:     path,
		ClientID: clientID,
		Name:     info.Name,
		Message:  info.Message,
		Stack:    info.Stack,
		Extra:    info.Extra,
	}
}

// Named errors choose the name reported to the caller.
type named interface {
	ErrorName() string
}

// Fielded errors choose the extra fields reported to the caller.
type fielded interface {
	ErrorFields() map[string]any
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// plainPackages hold error types whose Go type name means nothing to a remote caller.
var plainPackages = map[string]bool{"errors": true, "fmt": true, "github.com/pkg/errors": true}

// errorInfo serializes a handler failure for an rpc_exception.
func errorInfo(err error) message.ErrorInfo {
	info := message.ErrorInfo{
		Kind:    string(KindRemoteThrew),
		Name:    errorName(err),
		Message: err.Error(),
		Extra:   errorExtra(err),
	}

	var pe *middleware.PanicError
	var st stackTracer
	var re *Error
	switch {
	case errors.As(err, &pe):
		info.Stack = pe.Stack
	case errors.As(err, &st):
		info.Stack = strings.TrimPrefix(fmt.Sprintf("%+v", st.StackTrace()), "\n")
	case errors.As(err, &re):
		info.Stack = re.Stack
	}
	return info
}

func errorName(err error) string {
	var n named
	if errors.As(err, &n) {
		return n.ErrorName()
	}
	var re *Error
	if errors.As(err, &re) && re.Name != "" {
		return re.Name
	}
	if _, ok := err.(*middleware.PanicError); ok {
		return "Panic"
	}

	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" || plainPackages[t.PkgPath()] {
		return "Error"
	}
	return t.Name()
}

func errorExtra(err error) map[string]any {
	var fields map[string]any
	var f fielded
	var re *Error
	switch {
	case errors.As(err, &f):
		fields = f.ErrorFields()
	case errors.As(err, &re):
		fields = re.Extra
	default:
		fields = structFields(err)
	}
	if len(fields) == 0 {
		return nil
	}

	extra := make(map[string]any, len(fields))
	for k, v := range fields {
		if message.IsReservedErrorKey(k) {
			continue
		}
		nv, nerr := codec.Normalize(v)
		if nerr != nil {
			continue
		}
		extra[k] = nv
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

// structFields collects the exported fields of a struct error type.
func structFields(err error) map[string]any {
	rv := reflect.ValueOf(err)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct || plainPackages[rv.Type().PkgPath()] {
		return nil
	}
	if _, ok := err.(*middleware.PanicError); ok {
		return nil
	}
	nv, nerr := codec.Normalize(rv.Interface())
	if nerr != nil {
		return nil
	}
	m, _ := nv.(map[string]any)
	return m
}
