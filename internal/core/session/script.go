package session

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/gridforce/fleet/internal/core/fleet"
	"github.com/gridforce/fleet/pkg/protocol"
)

const (
	DefaultInterpreter = "/bin/bash"
	scriptDir          = "/tmp"
	tempNameLength     = 10
	tempNameAlphabet   = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// ScriptSession drives a session with a script instead of a human. In upload
// mode the script is transferred to a temporary file and executed; in push
// mode it is typed into the interpreter line by line.
type ScriptSession struct {
	*Session
	script      string
	interpreter string
	mode        string
	tempPath    string
}

// OpenScript opens a session on target that will run script once Run is
// called. Observer, when not nil, is subscribed and hooks are attached before
// the launch.
func (e *Engine) OpenScript(target, script, interpreter, mode string, observer *fleet.Connection, hooks ...Hook) (*ScriptSession, error) {
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	if mode == "" {
		mode = protocol.ScriptModeUpload
	}
	if mode != protocol.ScriptModeUpload && mode != protocol.ScriptModePush {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScriptOp, mode)
	}
	name, err := tempName()
	if err != nil {
		return nil, err
	}
	s, err := e.open("", target, interpreter, observer, hooks...)
	if err != nil {
		return nil, err
	}
	return &ScriptSession{
		Session:     s,
		script:      script,
		interpreter: interpreter,
		mode:        mode,
		tempPath:    scriptDir + "/" + name,
	}, nil
}

func (s *ScriptSession) Mode() string     { return s.mode }
func (s *ScriptSession) TempPath() string { return s.tempPath }

// Run starts the script. The interpreter exits with the script's status, which
// terminates the session.
func (s *ScriptSession) Run() error {
	if s.mode == protocol.ScriptModePush {
		s.logger.Info("pushing script on console", "lines", strings.Count(s.script, "\n")+1)
		return s.pushScript(s.script)
	}
	return s.upload()
}

func (s *ScriptSession) upload() error {
	target := s.engine.registry.Get(s.target)
	if target == nil {
		s.Kill(-1, offlineMessage(s.target))
		return fmt.Errorf("%w: %s", ErrTargetOffline, s.target)
	}
	s.logger.Info("uploading script", "path", s.tempPath, "bytes", len(s.script))
	err := target.Send(&protocol.FileTransfer{
		Path:    s.tempPath,
		Content: protocol.Blob(s.script),
		Mode:    "600",
		Owner:   "root",
	})
	if err != nil {
		s.Kill(-1, offlineMessage(s.target))
		return fmt.Errorf("%w: %s: %v", ErrTargetOffline, s.target, err)
	}
	// The transfer and the session input share the target's send queue, so
	// the file exists by the time this line is read.
	return s.PushLine(fmt.Sprintf("%s %s; rc=$?; rm -f %s; exit $rc", s.interpreter, s.tempPath, s.tempPath))
}

func (s *ScriptSession) pushScript(script string) error {
	for _, line := range strings.Split(strings.TrimRight(script, "\n"), "\n") {
		if err := s.PushLine(line); err != nil {
			return err
		}
	}
	return s.PushLine("exit $?")
}

// OpenSSHBootstrap opens a push-mode session on the source node which logs in
// to username@host over ssh, escalates to root and runs script there.
func (e *Engine) OpenSSHBootstrap(source, script, username, host, password string, observer *fleet.Connection, hooks ...Hook) (*SSHSession, error) {
	s, err := e.OpenScript(source, script, DefaultInterpreter, protocol.ScriptModePush, observer, hooks...)
	if err != nil {
		return nil, err
	}
	return &SSHSession{ScriptSession: s, username: username, host: host, password: password}, nil
}

// SSHSession is a push-mode script session run on a remote host reached
// through ssh from the target node.
type SSHSession struct {
	*ScriptSession
	username string
	host     string
	password string
}

func (s *SSHSession) Run() error {
	for _, line := range s.preamble() {
		if err := s.PushLine(line); err != nil {
			return err
		}
	}
	return s.pushScript(s.script)
}

// preamble logs in and escalates. The local shell exits with ssh's status, so
// the remote exit code becomes the session's return value.
func (s *SSHSession) preamble() []string {
	lines := []string{
		fmt.Sprintf("ssh -tt -o StrictHostKeyChecking=accept-new %s@%s; exit $?", s.username, s.host),
	}
	if s.password != "" {
		lines = append(lines, s.password)
	}
	lines = append(lines,
		fmt.Sprintf("if ! sudo -n true 2>/dev/null; then echo %s | sudo -S -v || exit 1; fi", shellQuote(s.password)),
		"exec sudo -s",
		`[ "$(id -u)" -eq 0 ] || exit 1`,
	)
	return lines
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tempName() (string, error) {
	out := make([]byte, tempNameLength)
	max := big.NewInt(int64(len(tempNameAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate script name: %w", err)
		}
		out[i] = tempNameAlphabet[n.Int64()]
	}
	return string(out), nil
}
