package boundary

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/vk/keystone/internal/config"
)

// ProcessLauncher runs a module's executable as a child process. Requests
// and replies travel over the child's stdio as single lines of JSON, the
// same line-delimited framing the host's detached-process bridge speaks.
type ProcessLauncher struct{}

// Launch forks the module executable, hands it the manifest settings via
// the environment, and blocks until the child announces readiness with its
// first output line. There is deliberately no load timeout: a hung load
// stalls only the orchestration pump, never readers.
func (ProcessLauncher) Launch(_ context.Context, m *config.Manifest) (Instance, error) {
	execPath := m.ExecPath()
	if execPath == "" {
		return nil, fmt.Errorf("module %q declares no executable", m.Name)
	}

	settings, err := settingsJSON(m)
	if err != nil {
		return nil, fmt.Errorf("module %q: encode settings: %w", m.Name, err)
	}

	cmd := exec.Command(execPath)
	cmd.Dir = m.Dir()
	cmd.Env = append(os.Environ(),
		"KEYSTONE_MODULE="+m.Name,
		"KEYSTONE_SETTINGS="+settings,
	)

	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()
	cmd.Stdin = stdinReader
	cmd.Stdout = stdoutWriter
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("module %q: start %s: %w", m.Name, execPath, err)
	}

	inst := &processInstance{
		name:   m.Name,
		stdin:  stdinWriter,
		reader: bufio.NewReader(stdoutReader),
	}

	// os/exec never closes a caller-supplied stdout, so a child that dies
	// without its ready line would leave the reader blocked forever. Fail
	// both pipe ends on exit so every in-flight read and write returns.
	go func() {
		waitErr := cmd.Wait()
		inst.exited.Store(true)
		cause := fmt.Errorf("module %q process exited", m.Name)
		if waitErr != nil {
			cause = fmt.Errorf("module %q process exited: %w", m.Name, waitErr)
		}
		stdoutWriter.CloseWithError(cause)
		stdinReader.CloseWithError(cause)
	}()

	if _, err := inst.reader.ReadString('\n'); err != nil {
		inst.Release()
		return nil, fmt.Errorf("module %q: process ended before ready signal: %w", m.Name, err)
	}

	inst.exports = make(map[string]any, len(m.Exports))
	for _, member := range m.Exports {
		inst.exports[member] = inst.callable(member)
	}
	return inst, nil
}

func settingsJSON(m *config.Manifest) (string, error) {
	if len(m.Settings) == 0 {
		return "{}", nil
	}
	obj := cty.ObjectVal(m.Settings)
	raw, err := ctyjson.Marshal(obj, obj.Type())
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// invokeRequest is one dispatch into the child.
type invokeRequest struct {
	Member string `json:"member"`
	Args   []any  `json:"args"`
}

// invokeReply is the child's answer.
type invokeReply struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

type processInstance struct {
	name    string
	stdin   *io.PipeWriter
	reader  *bufio.Reader
	exports map[string]any

	// callMutex serializes request/reply pairs on the shared pipe.
	callMutex sync.Mutex
	exited    atomic.Bool
	released  atomic.Bool
}

func (p *processInstance) Exports() map[string]any { return p.exports }

// callable builds the dynamic callable dispatch caches for one member.
func (p *processInstance) callable(member string) func(args ...any) (any, error) {
	return func(args ...any) (any, error) {
		if p.exited.Load() || p.released.Load() {
			return nil, fmt.Errorf("module %q is no longer running", p.name)
		}

		p.callMutex.Lock()
		defer p.callMutex.Unlock()

		frame, err := json.Marshal(invokeRequest{Member: member, Args: args})
		if err != nil {
			return nil, fmt.Errorf("encode call to %s.%s: %w", p.name, member, err)
		}
		frame = append(frame, '\n')
		if _, err := p.stdin.Write(frame); err != nil {
			return nil, fmt.Errorf("send call to %s.%s: %w", p.name, member, err)
		}

		line, err := p.reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read reply from %s.%s: %w", p.name, member, err)
		}
		var reply invokeReply
		if err := json.Unmarshal([]byte(line), &reply); err != nil {
			return nil, fmt.Errorf("decode reply from %s.%s: %w", p.name, member, err)
		}
		if reply.Error != "" {
			return nil, fmt.Errorf("%s.%s: %s", p.name, member, reply.Error)
		}
		return reply.Result, nil
	}
}

// Release closes the child's stdin, which a well-behaved module treats as
// its shutdown signal. The process is not killed: whether it actually went
// away is what the returned handle, and ultimately leak detection, observe.
func (p *processInstance) Release() Handle {
	if p.released.CompareAndSwap(false, true) {
		p.stdin.Close()
	}
	return processHandle{p}
}

type processHandle struct{ inst *processInstance }

func (h processHandle) Collected() bool {
	return h.inst.exited.Load()
}
