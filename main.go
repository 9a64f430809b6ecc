package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/jesseduffield/yaml"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/benfred/py-spy/pkg/config"
	pserrors "github.com/benfred/py-spy/pkg/errors"
	pslog "github.com/benfred/py-spy/pkg/log"
	"github.com/benfred/py-spy/pkg/sampler"
	"github.com/benfred/py-spy/pkg/sampling"
	"github.com/benfred/py-spy/pkg/stream"
	"github.com/benfred/py-spy/pkg/utils"
)

const DEFAULT_VERSION = "unversioned"

var (
	commit      string
	version     = DEFAULT_VERSION
	date        string
	buildSource = "unknown"

	configFlag    = false
	debuggingFlag = false

	targetPid      = 0
	sampleRateHz   = 0.0
	nonblockFlag   = false
	nativeFlag     = false
	subprocessFlag = false
	dumpLocalsFlag = false
	durationSecs   = 0.0
	outputFile     = ""
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf(
		"%s\nDate: %s\nBuildSource: %s\nCommit: %s\nOS: %s\nArch: %s",
		version,
		date,
		buildSource,
		commit,
		runtime.GOOS,
		runtime.GOARCH,
	)

	flaggy.SetName("py-spy")
	flaggy.SetDescription("A sampling profiler for interpreted language processes")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/benfred/py-spy"

	flaggy.Int(&targetPid, "p", "pid", "PID of the process to profile")
	flaggy.Float64(&sampleRateHz, "r", "rate", "Samples to collect per second")
	flaggy.Bool(&nonblockFlag, "b", "nonblocking", "Don't pause the target process while sampling (tolerates torn reads)")
	flaggy.Bool(&nativeFlag, "n", "native", "Fall back to native stack unwinding for non-interpreter frames")
	flaggy.Bool(&subprocessFlag, "s", "subprocess", "Profile child processes as they're spawned")
	flaggy.Bool(&dumpLocalsFlag, "l", "locals", "Set the dumpLocals option (local variables are not read; frames carry no locals)")
	flaggy.Float64(&durationSecs, "d", "duration", "Stop sampling after this many seconds (0 = unbounded)")
	flaggy.String(&outputFile, "o", "output", "Write the raw sample stream to this file instead of stdout")
	flaggy.Bool(&configFlag, "c", "config", "Print the current default config")
	flaggy.Bool(&debuggingFlag, "", "debug", "Write verbose development logs")
	flaggy.SetVersion(info)

	flaggy.Parse()

	if configFlag {
		var buf bytes.Buffer
		encoder := yaml.NewEncoder(&buf)
		if err := encoder.Encode(config.GetDefaultConfig()); err != nil {
			log.Fatal(err.Error())
		}
		fmt.Printf("%v\n", buf.String())
		os.Exit(0)
	}

	if targetPid <= 0 {
		fmt.Fprintln(os.Stderr, "a target --pid is required")
		flaggy.ShowHelpAndExit("")
	}

	appConfig, err := config.NewAppConfig("py-spy", version, commit, debuggingFlag, targetPid)
	if err != nil {
		log.Fatal(err.Error())
	}
	applyFlagOverrides(appConfig.UserConfig)

	logger, logCloser := pslog.NewLogger(appConfig)

	stats, err := run(appConfig, logger, logCloser)
	if err != nil {
		if pserrors.Is(err, pserrors.Permission) {
			fmt.Fprintln(os.Stderr, "permission denied attaching to the target process; try running as root")
			os.Exit(1)
		}
		if pserrors.Is(err, pserrors.TargetGone) {
			fmt.Fprintln(os.Stderr, "target process exited before sampling began")
			os.Exit(1)
		}

		newErr := errors.Wrap(err, 0)
		stackTrace := newErr.ErrorStack()
		logger.Error(stackTrace)
		log.Fatalf("py-spy failed: %s\n\n%s", err.Error(), stackTrace)
	}

	printSummary(stats)
}

// run builds a sampling.Loop from the resolved UserConfig, opens the
// output stream, and blocks until the loop stops on its own (target
// exited, --duration elapsed) or the process receives an interrupt (spec
// §4.7 Termination, §7 "produces a final summary").
func run(appConfig *config.AppConfig, logger *logrus.Entry, logCloser io.Closer) (sampling.Stats, error) {
	uc := appConfig.UserConfig

	closers := []interface{ Close() error }{logCloser}

	w := os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return sampling.Stats{}, err
		}
		closers = append(closers, f)
		w = f
	}
	defer func() {
		if err := utils.CloseMany(closers); err != nil {
			logger.WithError(err).Warn("failed to close one or more output handles")
		}
	}()
	encoder := stream.NewEncoder(w)

	opts := sampling.Options{
		Period:              time.Duration(float64(time.Second) / uc.SampleRateHz),
		JitterFraction:      uc.JitterFraction,
		Nonblocking:         uc.Nonblocking,
		Subprocess:          uc.Subprocess,
		Duration:            uc.Duration,
		LayoutMismatchLimit: uc.LayoutMismatchLimit,
		SamplerOptions: sampler.Options{
			MaxThreads:        uc.MaxThreads,
			MaxFrameDepth:     uc.MaxFrameDepth,
			IdleFunctionNames: idleNameSet(uc.IdleFunctionNames),
			WithLocals:        uc.DumpLocals,
			NativeMode:        uc.NativeUnwind,
		},
	}

	loop := sampling.New(appConfig.TargetPid, opts, logger, encoder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	err := loop.Run(ctx)
	return loop.Stats(), err
}

func idleNameSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// printSummary reports sample counts and the kind of any samples dropped
// along the way (spec §7 "produces a final summary that includes the
// count and kind of dropped samples").
func printSummary(stats sampling.Stats) {
	rows := [][]string{
		{"samples emitted", fmt.Sprintf("%d", stats.SamplesEmitted)},
		{"samples dropped", fmt.Sprintf("%d", stats.SamplesDropped)},
		{"layout relocations", fmt.Sprintf("%d", stats.Relocations)},
		{"ticks behind schedule", fmt.Sprintf("%d", stats.TicksBehind)},
	}
	if stats.LastError != "" {
		rows = append(rows, []string{"last error", utils.ColoredString(stats.LastError, color.FgRed)})
	}

	table, err := utils.RenderTable(rows)
	if err != nil {
		log.Println(err.Error())
		return
	}

	heading := utils.ColoredStringDirect("py-spy summary", color.New(color.FgGreen, color.Bold))
	fmt.Println(heading)
	fmt.Print(table)
}

func updateBuildInfo() {
	if version == DEFAULT_VERSION {
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			revision, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.revision"
			})
			if ok {
				commit = revision.Value
				version = utils.SafeTruncate(revision.Value, 7)
			}

			t, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.time"
			})
			if ok {
				date = t.Value
			}
		}
	}
}

func applyFlagOverrides(uc *config.UserConfig) {
	if sampleRateHz > 0 {
		uc.SampleRateHz = sampleRateHz
	}
	if nonblockFlag {
		uc.Nonblocking = true
	}
	if nativeFlag {
		uc.NativeUnwind = true
	}
	if subprocessFlag {
		uc.Subprocess = true
	}
	if dumpLocalsFlag {
		uc.DumpLocals = true
	}
	if durationSecs > 0 {
		uc.Duration = time.Duration(durationSecs * float64(time.Second))
	}
}
