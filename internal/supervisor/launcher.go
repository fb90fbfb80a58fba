package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/goevery/intercept/internal/broadcaster"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
	"golang.org/x/sync/errgroup"
)

const waitDelay = 2 * time.Second

type Tools struct {
	Tuner        string
	PagerDecoder string
	SensorTool   string
	SampleRate   int
	LineBuffered bool
}

// ExecLauncher runs the SDR tools as child processes.
type ExecLauncher struct {
	logger *zap.Logger
	tools  Tools
}

func NewExecLauncher(logger *zap.Logger, tools Tools) *ExecLauncher {
	return &ExecLauncher{
		logger: logger,
		tools:  tools,
	}
}

func (l *ExecLauncher) Launch(source broadcaster.Source, cfg Config) (Process, error) {
	switch source {
	case broadcaster.SourcePager:
		return l.launchPager(cfg)
	case broadcaster.SourceSensor:
		return l.launchSensor(cfg)
	default:
		return nil, fmt.Errorf("unknown source %q", source)
	}
}

func (l *ExecLauncher) launchPager(cfg Config) (Process, error) {
	logger := l.logger.With(zap.String("source", string(broadcaster.SourcePager)))

	tuner := l.command(l.tools.Tuner, TunerArgs(cfg, l.tools.SampleRate), false)
	decoder := l.command(l.tools.PagerDecoder, PagerDecoderArgs(cfg.Protocols), l.tools.LineBuffered)

	audioReader, audioWriter, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer audioReader.Close()
	defer audioWriter.Close()

	tuner.Stdout = audioWriter
	decoder.Stdin = audioReader

	p := &execProcess{}
	p.attachStderr(tuner, logger.With(zap.String("tool", l.tools.Tuner)))
	p.attachStderr(decoder, logger.With(zap.String("tool", l.tools.PagerDecoder)))

	stdout, err := decoder.StdoutPipe()
	if err != nil {
		return nil, err
	}
	p.stdout = stdout

	if err := tuner.Start(); err != nil {
		_ = stdout.Close()

		return nil, fmt.Errorf("start %s: %w", l.tools.Tuner, err)
	}

	if err := decoder.Start(); err != nil {
		_ = tuner.Process.Kill()
		_ = tuner.Wait()

		return nil, fmt.Errorf("start %s: %w", l.tools.PagerDecoder, err)
	}

	p.cmds = []*exec.Cmd{tuner, decoder}

	logger.Info("pager pipeline launched",
		zap.Int("tunerPid", tuner.Process.Pid),
		zap.Int("decoderPid", decoder.Process.Pid),
		zap.Strings("tunerArgs", tuner.Args),
		zap.Strings("decoderArgs", decoder.Args),
	)

	return p, nil
}

func (l *ExecLauncher) launchSensor(cfg Config) (Process, error) {
	logger := l.logger.With(zap.String("source", string(broadcaster.SourceSensor)))

	cmd := l.command(l.tools.SensorTool, SensorArgs(cfg), l.tools.LineBuffered)

	p := &execProcess{}
	p.attachStderr(cmd, logger.With(zap.String("tool", l.tools.SensorTool)))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	p.stdout = stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.tools.SensorTool, err)
	}
	p.cmds = []*exec.Cmd{cmd}

	logger.Info("sensor pipeline launched",
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("args", cmd.Args),
	)

	return p, nil
}

func (l *ExecLauncher) command(name string, args []string, lineBuffered bool) *exec.Cmd {
	if lineBuffered {
		args = append([]string{"-oL", name}, args...)
		name = "stdbuf"
	}

	cmd := exec.Command(name, args...)
	cmd.WaitDelay = waitDelay
	// Own process group, so signals also reach anything the tool forked.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	return cmd
}

// TunerArgs builds the rtl_fm command line. The demodulated audio goes to
// stdout.
func TunerArgs(cfg Config, sampleRate int) []string {
	args := []string{
		"-d", strconv.Itoa(cfg.Device),
		"-f", strconv.FormatInt(cfg.FrequencyHz, 10),
		"-M", "fm",
		"-s", strconv.Itoa(sampleRate),
	}

	if cfg.Gain != 0 {
		args = append(args, "-g", strconv.FormatFloat(cfg.Gain, 'f', -1, 64))
	}
	if cfg.PPM != 0 {
		args = append(args, "-p", strconv.Itoa(cfg.PPM))
	}
	if cfg.Squelch != 0 {
		args = append(args, "-l", strconv.Itoa(cfg.Squelch))
	}

	return append(args, "-")
}

// PagerDecoderArgs builds the multimon-ng command line reading raw audio
// from stdin.
func PagerDecoderArgs(protocols []string) []string {
	args := []string{"-t", "raw"}
	for _, protocol := range protocols {
		args = append(args, "-a", protocol)
	}

	return append(args, "-f", "alpha", "-")
}

func SensorArgs(cfg Config) []string {
	args := []string{
		"-d", strconv.Itoa(cfg.Device),
		"-f", strconv.FormatInt(cfg.FrequencyHz, 10),
		"-F", "json",
	}

	if cfg.Gain != 0 {
		args = append(args, "-g", strconv.FormatFloat(cfg.Gain, 'f', -1, 64))
	}
	if cfg.PPM != 0 {
		args = append(args, "-p", strconv.Itoa(cfg.PPM))
	}

	return args
}

type execProcess struct {
	cmds    []*exec.Cmd
	stdout  io.ReadCloser
	stderrs []*zapio.Writer
}

func (p *execProcess) attachStderr(cmd *exec.Cmd, logger *zap.Logger) {
	w := &zapio.Writer{Log: logger, Level: zapcore.DebugLevel}
	cmd.Stderr = w
	p.stderrs = append(p.stderrs, w)
}

func (p *execProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *execProcess) Pid() int {
	return p.cmds[0].Process.Pid
}

// Wait returns the tuner's error when both commands fail, since the tuner
// exit code is the one that identifies a busy device.
func (p *execProcess) Wait() error {
	errs := make([]error, len(p.cmds))

	var g errgroup.Group
	for i, cmd := range p.cmds {
		g.Go(func() error {
			errs[i] = cmd.Wait()
			return nil
		})
	}
	_ = g.Wait()

	for _, w := range p.stderrs {
		_ = w.Close()
	}

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *execProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

// Kill also closes stdout: a descendant that left the process group may still
// hold the write end, and the reader must not wait for it.
func (p *execProcess) Kill() error {
	err := p.signal(syscall.SIGKILL)
	_ = p.stdout.Close()

	return err
}

func (p *execProcess) signal(sig syscall.Signal) error {
	var errs []error
	for _, cmd := range p.cmds {
		err := syscall.Kill(-cmd.Process.Pid, sig)
		if err != nil && !errors.Is(err, syscall.ESRCH) {
			errs = append(errs, fmt.Errorf("signal %s: %w", cmd.Path, err))
		}
	}

	return errors.Join(errs...)
}
