package script

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

const (
	maxScriptSize = 64 * 1024 // 64KB
	execTimeout   = 500 * time.Millisecond
)

var (
	ErrScriptTooLarge = errors.New("script exceeds 64KB limit")
	ErrScriptTimeout  = errors.New("script execution timed out")
	ErrNoTransform    = errors.New("script must define a 'transform' function")
)

// Result is the outcome of running a transform over an event payload.
// Dropped means the script chose to suppress delivery for this subscriber.
type Result struct {
	Payload map[string]any
	Dropped bool
}

// Validate checks that the script compiles and exports a 'transform' function.
func Validate(scriptBody string) error {
	if len(scriptBody) > maxScriptSize {
		return ErrScriptTooLarge
	}

	vm := goja.New()
	if _, err := vm.RunString(scriptBody); err != nil {
		return fmt.Errorf("script compilation error: %w", err)
	}

	fn := vm.Get("transform")
	if fn == nil || fn == goja.Undefined() || fn == goja.Null() {
		return ErrNoTransform
	}
	if _, ok := goja.AssertFunction(fn); !ok {
		return ErrNoTransform
	}
	return nil
}

// Run executes the transform function over the event payload. A
// null/undefined return drops the delivery.
func Run(scriptBody string, payload map[string]any) (result *Result, err error) {
	if len(scriptBody) > maxScriptSize {
		return nil, ErrScriptTooLarge
	}

	// Recover from goja panics (e.g., from vm.Interrupt)
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*goja.InterruptedError); ok {
				result = nil
				err = ErrScriptTimeout
			} else {
				result = nil
				err = fmt.Errorf("script panic: %v", r)
			}
		}
	}()

	vm := goja.New()

	timer := time.AfterFunc(execTimeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	if _, err = vm.RunString(scriptBody); err != nil {
		return nil, fmt.Errorf("script compilation error: %w", err)
	}

	transformFn := vm.Get("transform")
	if transformFn == nil || transformFn == goja.Undefined() || transformFn == goja.Null() {
		return nil, ErrNoTransform
	}
	callable, ok := goja.AssertFunction(transformFn)
	if !ok {
		return nil, ErrNoTransform
	}

	ret, err := callable(goja.Undefined(), vm.ToValue(payload))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrScriptTimeout
		}
		return nil, fmt.Errorf("script execution error: %w", err)
	}

	if ret == nil || ret == goja.Undefined() || ret == goja.Null() {
		return &Result{Dropped: true}, nil
	}

	exported := ret.Export()
	out, ok := exported.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("transform must return an object or null, got %T", exported)
	}
	return &Result{Payload: out}, nil
}
