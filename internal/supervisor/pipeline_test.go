package supervisor_test

import (
	"sync"
	"testing"
	"time"

	"github.com/goevery/intercept/internal/broadcaster"
	"github.com/goevery/intercept/internal/ierr"
	"github.com/goevery/intercept/internal/metrics"
	"github.com/goevery/intercept/internal/supervisor"
	"github.com/goevery/intercept/internal/supervisor/fakeproc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLimits = supervisor.Limits{
	MinFrequencyHz: 24_000_000,
	MaxFrequencyHz: 1_766_000_000,
	MaxDeviceIndex: 7,
	MaxGain:        49.6,
	MaxPPM:         1000,
}

type fixture struct {
	pipeline    *supervisor.Pipeline
	launcher    *fakeproc.Launcher
	broadcaster *broadcaster.Broadcaster
	metrics     *metrics.Metrics
}

func newFixture(t *testing.T, launcher *fakeproc.Launcher, configure func(*supervisor.Options)) *fixture {
	t.Helper()

	options := supervisor.Options{
		StartupGrace:        20 * time.Millisecond,
		StopTimeout:         time.Second,
		DeviceBusyExitCodes: []int{1},
		Limits:              testLimits,
	}
	if configure != nil {
		configure(&options)
	}

	m := metrics.New(prometheus.NewRegistry())
	b := broadcaster.New(zap.NewNop(), m, broadcaster.Options{HistoryCapacity: 10, QueueSize: 10})
	p := supervisor.NewPipeline(zap.NewNop(), m, broadcaster.SourcePager, launcher, b, options)

	t.Cleanup(func() { p.ForceReset() })

	return &fixture{
		pipeline:    p,
		launcher:    launcher,
		broadcaster: b,
		metrics:     m,
	}
}

func pagerConfig(mhz float64) supervisor.Config {
	return supervisor.Config{
		FrequencyHz: supervisor.FrequencyMHz(mhz),
		Protocols:   []string{"POCSAG1200"},
	}
}

func receive(t *testing.T, sub *broadcaster.Subscriber) broadcaster.Message {
	t.Helper()

	select {
	case message := <-sub.C():
		return message
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return broadcaster.Message{}
	}
}

func TestPipeline_StopWhenIdle(t *testing.T) {
	f := newFixture(t, &fakeproc.Launcher{}, nil)

	state, stopped, err := f.pipeline.Stop()

	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Equal(t, supervisor.StatusIdle, state.Status)
	assert.Zero(t, f.launcher.Launched())
}

func TestPipeline_Start(t *testing.T) {
	t.Run("delivers decoded pages to subscribers", func(t *testing.T) {
		launcher := &fakeproc.Launcher{
			OnLaunch: func(p *fakeproc.Process) {
				go p.Emit("POCSAG1200|1234567|Test message")
			},
		}
		f := newFixture(t, launcher, func(o *supervisor.Options) {
			o.StartupGrace = 10 * time.Second
		})

		sub := f.broadcaster.Subscribe(broadcaster.SourcePager)
		defer f.broadcaster.Unsubscribe(sub)

		state, err := f.pipeline.Start(pagerConfig(153.350))

		require.NoError(t, err)
		assert.Equal(t, supervisor.StatusRunning, state.Status)
		assert.NotZero(t, state.Pid)
		assert.NotNil(t, state.StartedAt)
		assert.Equal(t, int64(153_350_000), state.Config.FrequencyHz)

		message := receive(t, sub)
		assert.Equal(t, broadcaster.SourcePager, message.Source)
		assert.Equal(t, "POCSAG1200", message.Protocol)
		assert.Equal(t, "1234567", message.Address)
		assert.Equal(t, "Test message", message.Payload.Text())

		configs := f.launcher.Configs()
		require.Len(t, configs, 1)
		assert.Equal(t, []string{"POCSAG1200"}, configs[0].Protocols)
	})

	t.Run("running after startup grace without output", func(t *testing.T) {
		f := newFixture(t, &fakeproc.Launcher{}, nil)

		state, err := f.pipeline.Start(pagerConfig(153.350))

		require.NoError(t, err)
		assert.Equal(t, supervisor.StatusRunning, state.Status)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PipelineStatus.WithLabelValues("pager", "running")))
		assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.PipelineStatus.WithLabelValues("pager", "idle")))
	})

	t.Run("defaults to every protocol", func(t *testing.T) {
		f := newFixture(t, &fakeproc.Launcher{}, nil)

		state, err := f.pipeline.Start(supervisor.Config{})

		require.NoError(t, err)
		assert.Equal(t, supervisor.DefaultPagerFrequencyHz, state.Config.FrequencyHz)
		assert.Equal(t, supervisor.Protocols, state.Config.Protocols)
	})

	t.Run("already running", func(t *testing.T) {
		f := newFixture(t, &fakeproc.Launcher{}, nil)

		_, err := f.pipeline.Start(pagerConfig(153.350))
		require.NoError(t, err)

		state, err := f.pipeline.Start(pagerConfig(152.0))

		assert.Equal(t, ierr.ErrorCodeAlreadyRunning, ierr.CodeOf(err))
		assert.Equal(t, supervisor.StatusRunning, state.Status)
		assert.Equal(t, int64(153_350_000), state.Config.FrequencyHz)
		assert.Equal(t, 1, f.launcher.Launched())
	})
}

func TestPipeline_Start_InvalidConfig(t *testing.T) {
	cases := map[string]supervisor.Config{
		"negative frequency":  {FrequencyHz: -153_350_000},
		"above tuner maximum": {FrequencyHz: 2_400_000_000},
		"below tuner minimum": {FrequencyHz: 1_000_000},
		"missing device":      {FrequencyHz: 153_350_000, Device: 9},
		"gain out of range":   {FrequencyHz: 153_350_000, Gain: 80},
		"unknown protocol":    {FrequencyHz: 153_350_000, Protocols: []string{"GOLAY"}},
		"ppm out of range":    {FrequencyHz: 153_350_000, PPM: -5000},
		"negative squelch":    {FrequencyHz: 153_350_000, Squelch: -1},
	}

	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, &fakeproc.Launcher{}, nil)

			state, err := f.pipeline.Start(cfg)

			assert.Equal(t, ierr.ErrorCodeInvalidConfig, ierr.CodeOf(err))
			assert.Equal(t, supervisor.StatusIdle, state.Status)
			assert.Equal(t, supervisor.StatusIdle, f.pipeline.State().Status)
			assert.Zero(t, f.launcher.Launched())
		})
	}
}

func TestPipeline_Start_Failures(t *testing.T) {
	t.Run("device busy", func(t *testing.T) {
		launcher := &fakeproc.Launcher{
			OnLaunch: func(p *fakeproc.Process) {
				p.Exit(fakeproc.ExitError{Code: 1})
			},
		}
		f := newFixture(t, launcher, func(o *supervisor.Options) {
			o.StartupGrace = 10 * time.Second
		})

		state, err := f.pipeline.Start(pagerConfig(153.350))

		assert.Equal(t, ierr.ErrorCodeDeviceError, ierr.CodeOf(err))
		assert.Equal(t, supervisor.StatusError, state.Status)
		assert.Equal(t, ierr.ErrorCodeDeviceError, state.ReasonCode)
		assert.Contains(t, state.Reason, "busy")
		assert.Zero(t, state.Pid)

		state, stopped, err := f.pipeline.Stop()

		require.NoError(t, err)
		assert.True(t, stopped)
		assert.Equal(t, supervisor.StatusIdle, state.Status)
		assert.Empty(t, state.ReasonCode)
	})

	t.Run("other exit during startup", func(t *testing.T) {
		launcher := &fakeproc.Launcher{
			OnLaunch: func(p *fakeproc.Process) {
				p.Exit(fakeproc.ExitError{Code: 2})
			},
		}
		f := newFixture(t, launcher, func(o *supervisor.Options) {
			o.StartupGrace = 10 * time.Second
		})

		state, err := f.pipeline.Start(pagerConfig(153.350))

		assert.Equal(t, ierr.ErrorCodeProcessCrashed, ierr.CodeOf(err))
		assert.Equal(t, ierr.ErrorCodeProcessCrashed, state.ReasonCode)
	})

	t.Run("spawn failure", func(t *testing.T) {
		launcher := &fakeproc.Launcher{Err: assert.AnError}
		f := newFixture(t, launcher, nil)

		state, err := f.pipeline.Start(pagerConfig(153.350))

		assert.Equal(t, ierr.ErrorCodeSpawnFailed, ierr.CodeOf(err))
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, supervisor.StatusError, state.Status)
		assert.Equal(t, ierr.ErrorCodeSpawnFailed, state.ReasonCode)
	})

	t.Run("restart from error", func(t *testing.T) {
		launcher := &fakeproc.Launcher{Err: assert.AnError}
		f := newFixture(t, launcher, nil)

		_, err := f.pipeline.Start(pagerConfig(153.350))
		require.Error(t, err)

		launcher.Err = nil
		state, err := f.pipeline.Start(pagerConfig(153.350))

		require.NoError(t, err)
		assert.Equal(t, supervisor.StatusRunning, state.Status)
		assert.Empty(t, state.Reason)
	})
}

func TestPipeline_CrashWhileRunning(t *testing.T) {
	f := newFixture(t, &fakeproc.Launcher{}, nil)

	_, err := f.pipeline.Start(pagerConfig(153.350))
	require.NoError(t, err)

	f.launcher.Last().Exit(fakeproc.ExitError{Code: 2})

	assert.Eventually(t, func() bool {
		return f.pipeline.State().Status == supervisor.StatusError
	}, 2*time.Second, 5*time.Millisecond)

	state := f.pipeline.State()
	assert.Equal(t, ierr.ErrorCodeProcessCrashed, state.ReasonCode)
	assert.Contains(t, state.Reason, "exit status 2")
	assert.Zero(t, state.Pid)
	assert.Equal(t, 1, f.launcher.Launched())
}

func TestPipeline_ReadLoop(t *testing.T) {
	emitted := make(chan struct{})
	launcher := &fakeproc.Launcher{
		OnLaunch: func(p *fakeproc.Process) {
			go func() {
				defer close(emitted)

				_ = p.Emit("Enabled demodulators: POCSAG1200")
				_ = p.Emit("POCSAG1200|1|first")
				_ = p.Write("POCSAG1200|2|cut off")
			}()
		},
	}
	f := newFixture(t, launcher, func(o *supervisor.Options) {
		o.StartupGrace = 10 * time.Second
	})

	_, err := f.pipeline.Start(pagerConfig(153.350))
	require.NoError(t, err)

	<-emitted
	f.launcher.Last().Exit(nil)

	assert.Eventually(t, func() bool {
		return f.pipeline.State().Status == supervisor.StatusError
	}, 2*time.Second, 5*time.Millisecond)

	sub := f.broadcaster.Subscribe(broadcaster.SourcePager)
	defer f.broadcaster.Unsubscribe(sub)

	replay := sub.Replay()
	require.Len(t, replay, 1)
	assert.Equal(t, "1", replay[0].Address)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ParseSkipped.WithLabelValues("pager")))
}

func TestPipeline_Stop(t *testing.T) {
	t.Run("terminates gracefully", func(t *testing.T) {
		f := newFixture(t, &fakeproc.Launcher{}, nil)

		_, err := f.pipeline.Start(pagerConfig(153.350))
		require.NoError(t, err)

		state, stopped, err := f.pipeline.Stop()

		require.NoError(t, err)
		assert.True(t, stopped)
		assert.Equal(t, supervisor.StatusIdle, state.Status)
		assert.Zero(t, state.Pid)
		assert.Nil(t, state.StartedAt)
		assert.Zero(t, f.launcher.Live())

		terminates, kills := f.launcher.Last().Signals()
		assert.Equal(t, 1, terminates)
		assert.Zero(t, kills)
		assert.Zero(t, testutil.ToFloat64(f.metrics.TerminationTimeouts.WithLabelValues("pager")))
	})

	t.Run("escalates to kill", func(t *testing.T) {
		f := newFixture(t, &fakeproc.Launcher{IgnoreTerminate: true}, func(o *supervisor.Options) {
			o.StopTimeout = 50 * time.Millisecond
		})

		_, err := f.pipeline.Start(pagerConfig(153.350))
		require.NoError(t, err)

		state, stopped, err := f.pipeline.Stop()

		require.NoError(t, err)
		assert.True(t, stopped)
		assert.Equal(t, supervisor.StatusIdle, state.Status)
		assert.Zero(t, f.launcher.Live())

		terminates, kills := f.launcher.Last().Signals()
		assert.Equal(t, 1, terminates)
		assert.Equal(t, 1, kills)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TerminationTimeouts.WithLabelValues("pager")))
	})

	t.Run("concurrent transition fails fast", func(t *testing.T) {
		f := newFixture(t, &fakeproc.Launcher{IgnoreTerminate: true}, func(o *supervisor.Options) {
			o.StopTimeout = 500 * time.Millisecond
		})

		_, err := f.pipeline.Start(pagerConfig(153.350))
		require.NoError(t, err)

		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			_, _, _ = f.pipeline.Stop()
		}()

		assert.Eventually(t, func() bool {
			return f.pipeline.State().Status == supervisor.StatusStopping
		}, time.Second, time.Millisecond)

		_, err = f.pipeline.Start(pagerConfig(153.350))
		assert.Equal(t, ierr.ErrorCodeTransitionInProgress, ierr.CodeOf(err))

		<-stopped
		assert.Equal(t, supervisor.StatusIdle, f.pipeline.State().Status)
		assert.Equal(t, 1, f.launcher.Launched())
	})
}

func TestPipeline_Restart(t *testing.T) {
	t.Run("replaces the running process", func(t *testing.T) {
		f := newFixture(t, &fakeproc.Launcher{}, nil)

		_, err := f.pipeline.Start(pagerConfig(153.350))
		require.NoError(t, err)
		first := f.launcher.Last()

		state, err := f.pipeline.Restart(pagerConfig(152.480))

		require.NoError(t, err)
		assert.Equal(t, supervisor.StatusRunning, state.Status)
		assert.Equal(t, int64(152_480_000), state.Config.FrequencyHz)
		assert.Equal(t, 2, f.launcher.Launched())
		assert.Equal(t, 1, f.launcher.MaxLive())

		select {
		case <-first.Exited():
		default:
			t.Fatal("previous process still alive")
		}
	})

	t.Run("invalid config keeps the current run", func(t *testing.T) {
		f := newFixture(t, &fakeproc.Launcher{}, nil)

		before, err := f.pipeline.Start(pagerConfig(153.350))
		require.NoError(t, err)

		state, err := f.pipeline.Restart(supervisor.Config{FrequencyHz: -1})

		assert.Equal(t, ierr.ErrorCodeInvalidConfig, ierr.CodeOf(err))
		assert.Equal(t, supervisor.StatusRunning, state.Status)
		assert.Equal(t, before.Pid, state.Pid)
		assert.Equal(t, 1, f.launcher.Launched())
	})

	t.Run("never overlaps processes", func(t *testing.T) {
		f := newFixture(t, &fakeproc.Launcher{}, func(o *supervisor.Options) {
			o.StartupGrace = time.Millisecond
		})

		_, err := f.pipeline.Start(pagerConfig(153.350))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for worker := 0; worker < 8; worker++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				for i := 0; i < 25; i++ {
					switch (worker + i) % 3 {
					case 0:
						_, _ = f.pipeline.Restart(pagerConfig(150 + float64(i)))
					case 1:
						_, _, _ = f.pipeline.Stop()
					default:
						_, _ = f.pipeline.Start(pagerConfig(153.350))
					}
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, f.launcher.MaxLive())
		assert.Greater(t, f.launcher.Launched(), 1)
	})
}

func TestPipeline_ForceReset(t *testing.T) {
	f := newFixture(t, &fakeproc.Launcher{IgnoreTerminate: true}, nil)

	_, err := f.pipeline.Start(pagerConfig(153.350))
	require.NoError(t, err)

	state := f.pipeline.ForceReset()

	assert.Equal(t, supervisor.StatusIdle, state.Status)
	assert.Zero(t, f.launcher.Live())

	_, kills := f.launcher.Last().Signals()
	assert.Equal(t, 1, kills)
}
