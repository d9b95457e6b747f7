package procedure

import (
	"errors"
	"fmt"
	"math"

	"mini-sync/codec"
)

var ErrArgument = errors.New("procedure: bad argument")

// Args are the decoded call parameters. Numbers arrive as float64.
type Args []any

func (a Args) Len() int { return len(a) }

// At returns the i-th argument, or nil when it was not supplied.
func (a Args) At(i int) any {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i]
}

func (a Args) Float(i int) (float64, error) {
	f, ok := a.At(i).(float64)
	if !ok {
		return 0, fmt.Errorf("%w %d: %T is not a number", ErrArgument, i, a.At(i))
	}
	return f, nil
}

func (a Args) Int(i int) (int, error) {
	f, err := a.Float(i)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w %d: %v is not an integer", ErrArgument, i, f)
	}
	return int(f), nil
}

func (a Args) String(i int) (string, error) {
	s, ok := a.At(i).(string)
	if !ok {
		return "", fmt.Errorf("%w %d: %T is not a string", ErrArgument, i, a.At(i))
	}
	return s, nil
}

func (a Args) Bool(i int) (bool, error) {
	b, ok := a.At(i).(bool)
	if !ok {
		return false, fmt.Errorf("%w %d: %T is not a bool", ErrArgument, i, a.At(i))
	}
	return b, nil
}

// Decode converts the i-th argument into the value pointed to by into.
func (a Args) Decode(i int, into any) error {
	if err := codec.Convert(a.At(i), into); err != nil {
		return fmt.Errorf("%w %d: %v", ErrArgument, i, err)
	}
	return nil
}
