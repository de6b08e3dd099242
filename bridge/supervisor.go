package bridge

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// portMarker matches the single stdout line a worker must print once it is
// listening: BRIDGE_PORT:<port>
var portMarker = regexp.MustCompile(`^BRIDGE_PORT:(\d+)$`)

// workerProc is one generation of the spawned worker process.
type workerProc struct {
	cmd    *exec.Cmd
	instID string
	port   int
	exited chan struct{}
}

// supervisor spawns worker processes and resolves the endpoint each one
// announces. It holds no cross-generation state; restart scheduling lives in
// the Bridge's lifecycle loop.
type supervisor struct {
	log            *zap.SugaredLogger
	command        string
	args           []string
	env            []string
	wd             string
	startupTimeout time.Duration
}

// start launches a new worker instructed to bind an ephemeral port, and waits
// for it to announce the port it actually bound. The worker's stderr is
// streamed into the host logger and never parsed.
func (s *supervisor) start() (*workerProc, error) {
	instID := uuid.NewString()
	log := s.log.With("WorkerInstance", instID)

	args := append(append([]string{}, s.args...), "--port", "0")
	cmd := exec.Command(s.command, args...)
	cmd.Dir = s.wd
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	log.Debugw("worker started", "PID", cmd.Process.Pid)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Infow("worker stderr", "Line", scanner.Text())
		}
	}()

	proc := &workerProc{
		cmd:    cmd,
		instID: instID,
		exited: make(chan struct{}),
	}

	portCh := make(chan int, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		announced := false
		for scanner.Scan() {
			line := scanner.Text()
			if !announced {
				if m := portMarker.FindStringSubmatch(line); m != nil {
					port, err := strconv.Atoi(m[1])
					if err == nil {
						announced = true
						portCh <- port
						continue
					}
				}
			}
			log.Debugw("worker stdout", "Line", line)
		}
	}()

	go func() {
		err := cmd.Wait()
		log.Debugw("worker exited", "Error", err)
		close(proc.exited)
	}()

	select {
	case port := <-portCh:
		proc.port = port
		log.Debugw("worker announced port", "Port", port)
		return proc, nil
	case <-proc.exited:
		return nil, fmt.Errorf("worker exited before announcing its port: %w", ErrStartupTimeout)
	case <-time.After(s.startupTimeout):
		s.kill(proc)
		return nil, ErrStartupTimeout
	}
}

// kill forcibly terminates the worker and waits for its exit to be reaped.
func (s *supervisor) kill(proc *workerProc) {
	select {
	case <-proc.exited:
		return
	default:
	}
	if proc.cmd.Process != nil {
		_ = proc.cmd.Process.Kill()
	}
	<-proc.exited
}
