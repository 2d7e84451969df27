package bridge

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// NativeText is the outcome of a dial handed to the Android dialer.
const NativeText = "USSD code sent to dialer"

// runFunc runs a command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Native hands dial strings to the Android dialer with a CALL intent. With an
// empty prefix the activity manager is invoked on the local host (the daemon
// runs on the device); otherwise prefix is a remote shell such as
// "adb -s <serial> shell".
type Native struct {
	prefix []string
	run    runFunc
	log    *zap.Logger
}

// NewNative returns a native dialer running its command behind prefix.
func NewNative(prefix []string, log *zap.Logger) *Native {
	if log == nil {
		log = zap.NewNop()
	}
	return &Native{prefix: prefix, run: execRun, log: log}
}

// TelURI encodes a dial string as a tel: URI. '#' must be escaped or the
// dialer drops everything after it.
func TelURI(code string) string {
	return "tel:" + strings.ReplaceAll(code, "#", "%23")
}

func (n *Native) command(code string) []string {
	uri := TelURI(code)
	if len(n.prefix) > 0 {
		// The remote shell parses the line again.
		uri = "'" + uri + "'"
	}
	args := append([]string{}, n.prefix...)
	return append(args, "am", "start", "-a", "android.intent.action.CALL", "-d", uri)
}

func (n *Native) Dial(ctx context.Context, code string) (Outcome, error) {
	if code == "" {
		return Outcome{}, ErrEmptyCode
	}
	argv := n.command(code)
	out, err := n.run(ctx, argv[0], argv[1:]...)
	output := strings.TrimSpace(string(out))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to start dialer: %w: %s", err, output)
	}
	// am exits 0 even when the intent is rejected.
	if strings.Contains(output, "Error") || strings.Contains(output, "Exception") {
		return Outcome{}, fmt.Errorf("dialer rejected %s: %s", code, output)
	}
	n.log.Debug("dial intent started", zap.String("code", code), zap.String("output", output))
	return Outcome{Text: NativeText}, nil
}
