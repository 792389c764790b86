package sandbox

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/zeebo/blake3"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/session"
)

//go:embed prelude.js
var preludeSource string

// DefaultTimeout bounds one script execution when the caller sets no
// deadline.
const DefaultTimeout = 5 * time.Second

// Logger defines the logging interface used by the Runner.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// errCommit unwinds a script that reached a commit() beyond the
// revision window it was given.
var errCommit = errors.New("sandbox: commit")

var prelude = goja.MustCompile("prelude.js", preludeSource, false)

// Runner executes provision and virtual parameter scripts in goja. Each
// run gets a fresh runtime; compiled programs are cached by content.
type Runner struct {
	timeout time.Duration
	logger  Logger

	mu       sync.Mutex
	programs map[[32]byte]*goja.Program
}

// New creates a Runner. A zero timeout uses DefaultTimeout.
func New(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		timeout:  timeout,
		logger:   noopLogger{},
		programs: make(map[[32]byte]*goja.Program),
	}
}

// SetLogger sets the logger that receives script log() output.
func (r *Runner) SetLogger(logger Logger) {
	r.logger = logger
}

// Run executes one script. Script failures are reported in the result's
// Fault; the error return is reserved for cancellation.
func (r *Runner) Run(ctx context.Context, req session.ScriptRequest) (*session.ScriptResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	program, err := r.compile(req.Name, req.Script)
	if err != nil {
		return &session.ScriptResult{Fault: syntaxFault(req, err)}, nil
	}

	vm := goja.New()
	st := &state{vm: vm, req: req, logger: r.logger}
	if err := vm.Set("__native", st.native()); err != nil {
		return nil, fmt.Errorf("binding %s: %w", req.Name, err)
	}
	if err := vm.Set("args", req.Args); err != nil {
		return nil, fmt.Errorf("binding %s: %w", req.Name, err)
	}
	if _, err := vm.RunProgram(prelude); err != nil {
		return nil, fmt.Errorf("prelude for %s: %w", req.Name, err)
	}

	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(timeout):
			vm.Interrupt("execution timeout")
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	ret, runErr := vm.RunProgram(program)
	close(done)

	res := &session.ScriptResult{Declarations: st.declarations, Clears: st.clears, Done: true}
	switch {
	case st.committed:
		res.Done = false
		return res, nil
	case runErr != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res.Fault = r.fault(req, runErr)
		return res, nil
	}

	if ret != nil && !goja.IsUndefined(ret) && !goja.IsNull(ret) {
		out, err := returnValue(ret.Export())
		if err != nil {
			res.Fault = &session.Fault{Code: session.FaultScript, Message: fmt.Sprintf("%s: %v", req.Name, err)}
			return res, nil
		}
		res.Return = out
	}
	return res, nil
}

func (r *Runner) compile(name, source string) (*goja.Program, error) {
	key := blake3.Sum256([]byte(source))
	r.mu.Lock()
	p, ok := r.programs[key]
	r.mu.Unlock()
	if ok {
		return p, nil
	}
	// Wrapped in a function so that scripts can end with a bare return.
	p, err := goja.Compile(name, "(function(){\n"+source+"\n})()", false)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.programs[key] = p
	r.mu.Unlock()
	return p, nil
}

func (r *Runner) fault(req session.ScriptRequest, err error) *session.Fault {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		r.logger.Warn("script interrupted", "device_id", req.DeviceID, "script", req.Name)
		return &session.Fault{Code: session.FaultScript + ".TimeoutError", Message: "Script execution timed out"}
	}

	f := &session.Fault{Code: session.FaultScript, Message: err.Error()}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if obj, ok := ex.Value().(*goja.Object); ok {
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				f.Code = session.FaultScript + "." + name.String()
			}
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				f.Message = msg.String()
			}
		} else if v := ex.Value(); v != nil {
			f.Message = v.String()
		}
		f.Detail = map[string]string{"name": req.Name, "stack": ex.String()}
	}
	r.logger.Debug("script fault", "device_id", req.DeviceID, "script", req.Name, "code", f.Code)
	return f
}

func syntaxFault(req session.ScriptRequest, err error) *session.Fault {
	return &session.Fault{
		Code:    session.FaultScript + ".SyntaxError",
		Message: err.Error(),
		Detail:  map[string]string{"name": req.Name},
	}
}
