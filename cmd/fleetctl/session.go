package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gridforce/fleet/internal/core/session"
	"github.com/gridforce/fleet/internal/operator"
	"github.com/gridforce/fleet/pkg/protocol"
)

func shellCmd() *cobra.Command {
	var executable string
	cmd := &cobra.Command{
		Use:   "shell <node-uid>",
		Short: "Open an interactive shell on a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			s, err := c.Launch(args[0], executable)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "session %s\r\n", s.ID)
			return attach(s)
		},
	}
	cmd.Flags().StringVarP(&executable, "exec", "e", "/bin/bash", "executable to launch")
	return cmd
}

func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <session-id>",
		Short: "Attach to a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			s, err := c.Join(args[0])
			if err != nil {
				return err
			}
			return attach(s)
		},
	}
}

// attach puts the terminal in raw mode and wires it to s until the session
// ends.
func attach(s *operator.Stream) error {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer term.Restore(fd, state)
	}
	go func() { _, _ = io.Copy(s, os.Stdin) }()

	rc, err := s.Copy(os.Stdout)
	if err != nil {
		return err
	}
	if rc != 0 {
		return exitError{code: rc}
	}
	return nil
}

func scriptCmd() *cobra.Command {
	var (
		targets     []string
		interpreter string
		mode        string
	)
	cmd := &cobra.Command{
		Use:   "script <file|->",
		Short: "Run a script on one or more nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.RunScript(string(raw), interpreter, mode, targets...); err != nil {
				return err
			}

			out := &syncWriter{w: cmd.OutOrStdout()}
			var (
				wg     sync.WaitGroup
				mu     sync.Mutex
				failed int
			)
			for range targets {
				var s *operator.Stream
				select {
				case s = <-c.Adopted():
				case <-c.Done():
					return fmt.Errorf("connection to server lost")
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					rc, err := s.Copy(prefixed(out, label(s)))
					if rc != 0 || err != nil {
						mu.Lock()
						failed++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if failed > 0 {
				return exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "node uid to run on (repeatable)")
	cmd.Flags().StringVar(&interpreter, "interpreter", session.DefaultInterpreter, "interpreter for upload mode")
	cmd.Flags().StringVar(&mode, "mode", protocol.ScriptModeUpload, "upload or push")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func label(s *operator.Stream) string {
	if s.Target != "" {
		return s.Target
	}
	return s.ID[:8]
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(b)
}

// prefixed tags every output line with the node it came from.
func prefixed(w io.Writer, target string) io.Writer {
	return &linePrefixer{w: w, prefix: "[" + target + "] ", start: true}
}

type linePrefixer struct {
	w      io.Writer
	prefix string
	start  bool
}

func (p *linePrefixer) Write(b []byte) (int, error) {
	var sb strings.Builder
	for _, r := range string(b) {
		if p.start {
			sb.WriteString(p.prefix)
			p.start = false
		}
		sb.WriteRune(r)
		if r == '\n' {
			p.start = true
		}
	}
	if _, err := io.WriteString(p.w, sb.String()); err != nil {
		return 0, err
	}
	return len(b), nil
}
