package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ShellCommandHandler returns a TaskHandler that runs an on-device shell
// command through the bridge. The command comes from the task parameters:
// "command" as either a single string (split on whitespace) or a list of
// arguments. Command output becomes the task result.
func ShellCommandHandler(b DeviceBridge) TaskHandler {
	return func(ctx context.Context, serial string, params map[string]any) (string, error) {
		args, err := shellArgs(params)
		if err != nil {
			return "", err
		}
		// The task context already carries the attempt deadline; hand it to
		// the bridge so its own timeout does not cut the attempt shorter.
		var timeout time.Duration
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		return b.Run(ctx, serial, args, timeout)
	}
}

func shellArgs(params map[string]any) ([]string, error) {
	raw, ok := params["command"]
	if !ok {
		return nil, errors.New("shell task: missing command parameter")
	}
	switch v := raw.(type) {
	case string:
		args := strings.Fields(v)
		if len(args) == 0 {
			return nil, errors.New("shell task: empty command")
		}
		return args, nil
	case []any:
		if len(v) == 0 {
			return nil, errors.New("shell task: empty command")
		}
		args := make([]string, len(v))
		for i, item := range v {
			args[i] = fmt.Sprint(item)
		}
		return args, nil
	case []string:
		if len(v) == 0 {
			return nil, errors.New("shell task: empty command")
		}
		return v, nil
	default:
		return nil, errors.Errorf("shell task: command must be a string or list, got %T", raw)
	}
}
