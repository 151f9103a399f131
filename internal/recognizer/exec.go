package recognizer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/livecap-io/livecapd/internal/config"
	shellwords "github.com/mattn/go-shellwords"
)

// execRecognizer drives an external streaming STT command. The command is
// expected to capture audio itself and write one JSON event per line to
// stdout: {"text": "...", "confidence": 0.9, "final": false}. Process exit
// ends the session.
type execRecognizer struct {
	cmd []string
	cfg config.RecognizerConfig
}

type execEvent struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Final      bool    `json:"final"`
}

func NewExecRecognizer(cfg config.RecognizerConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Available(_ context.Context) error {
	if _, err := exec.LookPath(r.cmd[0]); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *execRecognizer) OpenSession(ctx context.Context, cfg SessionConfig, emit EmitFunc) (Session, error) {
	args := append([]string{}, r.cmd[1:]...)
	if cfg.Locale != "" {
		args = append(args, "--language", cfg.Locale)
	}
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if cfg.SampleRate > 0 {
		args = append(args, "--rate", strconv.Itoa(cfg.SampleRate))
	}

	command := exec.Command(r.cmd[0], args...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("recognizer stdout pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("%w: start recognizer command: %v", ErrUnavailable, err)
	}

	s := &execSession{cmd: command, done: make(chan struct{})}
	go s.consume(bufio.NewScanner(stdout), emit)
	return s, nil
}

type execSession struct {
	cmd  *exec.Cmd
	once sync.Once
	done chan struct{}
}

func (s *execSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	return nil
}

func (s *execSession) consume(scanner *bufio.Scanner, emit EmitFunc) {
	for scanner.Scan() {
		select {
		case <-s.done:
			_ = s.cmd.Wait()
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev execEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			emit(Event{Kind: EventError, Err: fmt.Errorf("decode recognizer event: %w", err), Timestamp: time.Now().UTC()})
			continue
		}
		kind := EventPartial
		if ev.Final {
			kind = EventFinal
		}
		emit(Event{Kind: kind, Text: ev.Text, Confidence: ev.Confidence, Timestamp: time.Now().UTC()})
	}

	err := s.cmd.Wait()
	select {
	case <-s.done:
		// closed by the scheduler; not a spontaneous end
		return
	default:
	}
	reason := "recognizer command exited"
	if err != nil {
		reason = fmt.Sprintf("recognizer command exited: %v", err)
	}
	emit(Event{Kind: EventSessionEnded, Reason: reason, Timestamp: time.Now().UTC()})
}
