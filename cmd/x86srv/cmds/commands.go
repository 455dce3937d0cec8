package cmds

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/x86backend/pkg/config"
	"github.com/go-delve/x86backend/pkg/logflags"
	"github.com/go-delve/x86backend/pkg/proc"
	"github.com/go-delve/x86backend/pkg/proc/native"
	"github.com/go-delve/x86backend/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// arch selects the call stub encoding.
	arch string
	// notifyAddr is the notification address of the debugged runtime.
	notifyAddr uint64
	// redZone overrides the red zone of the architecture, negative for
	// the default.
	redZone int

	// breakAddrs, hwBreakAddrs and watchAddrs are the breakpoints set by
	// the attach command.
	breakAddrs   []string
	hwBreakAddrs []string
	watchAddrs   []string

	// invokeString and invokeRuntime select the convention used by the
	// invoke command.
	invokeString  string
	invokeRuntime bool

	// kill makes x86srv kill the process instead of detaching from it.
	kill bool

	conf *config.Config
)

const x86srvCommandLongDesc = `x86srv drives the x86 debugger backend against a running process.

It attaches to the process with ptrace, inserts software and hardware
breakpoints, injects function calls and reports why the process stopped.

Addresses and numeric arguments are parsed like Go integer literals, for
example 0x8048420.`

// New returns an initialized command tree.
func New() *cobra.Command {
	var err error
	conf, err = config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to load configuration file: %v\n", err)
	}

	rootCommand := &cobra.Command{
		Use:           "x86srv",
		Short:         "x86srv is a debugger backend for x86 processes.",
		Long:          x86srvCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging server logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output: backend, breakpoints, fncall, ptrace, stops.`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")
	rootCommand.PersistentFlags().StringVar(&arch, "arch", "", `Architecture of the process, "386" or "amd64" (default: the architecture x86srv was built for).`)
	rootCommand.PersistentFlags().Uint64Var(&notifyAddr, "notify", 0, "Notification address of the debugged runtime.")
	rootCommand.PersistentFlags().IntVar(&redZone, "red-zone", -1, "Bytes below the stack pointer left untouched by injected calls.")
	rootCommand.PersistentFlags().BoolVar(&kill, "kill", false, "Kill the process when x86srv is done with it instead of detaching.")

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to a running process and report its stops.",
		Long: `Attach to an already running process, insert the requested breakpoints
and resume it. Every stop is classified and printed until the process exits
or x86srv is interrupted, in which case breakpoints are removed and the
process is released.

Software breakpoints are disabled after their first hit.`,
		Args: cobra.ExactArgs(1),
		RunE: attachCmd,
	}
	attachCommand.Flags().StringSliceVar(&breakAddrs, "break", nil, "Insert a software breakpoint at this address.")
	attachCommand.Flags().StringSliceVar(&hwBreakAddrs, "hwbreak", nil, "Insert a hardware execution breakpoint at this address.")
	attachCommand.Flags().StringSliceVar(&watchAddrs, "watch", nil, "Insert a hardware write watchpoint at this address.")
	rootCommand.AddCommand(attachCommand)

	// 'invoke' subcommand.
	invokeCommand := &cobra.Command{
		Use:   "invoke pid addr [arg1 [arg2]]",
		Short: "Call a function inside a running process.",
		Long: `Attach to a running process, call the function at addr and print its
return value. The process is released once the call returns.

With --string the function is called as f(arg1, string). With --runtime the
function is called as f(regs, arg1) where regs points to a copy of the
registers of the process.`,
		Args: cobra.RangeArgs(2, 4),
		RunE: invokeCmd,
	}
	invokeCommand.Flags().StringVar(&invokeString, "string", "", "Pass this string as second argument.")
	invokeCommand.Flags().BoolVar(&invokeRuntime, "runtime", false, "Use the runtime invoke convention.")
	rootCommand.AddCommand(invokeCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("x86srv debugger backend\n%s\n", version.BackendVersion)
			if log {
				fmt.Println(version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

// applyConfig fills the flags the user didn't set from the config file.
func applyConfig(flags *pflag.FlagSet) {
	if conf == nil {
		return
	}
	if !flags.Changed("arch") {
		arch = conf.Arch
	}
	if !flags.Changed("notify") {
		notifyAddr = conf.NotificationAddress
	}
	if !flags.Changed("red-zone") && conf.RedZone != nil {
		redZone = *conf.RedZone
	}
	if !flags.Changed("log") {
		log = log || conf.Log
	}
	if !flags.Changed("log-output") && conf.LogOutput != "" {
		logOutput = conf.LogOutput
	}
}

func parseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

func parseAddrs(addrs []string) ([]uint64, error) {
	r := make([]uint64, 0, len(addrs))
	for _, s := range addrs {
		v, err := parseUint(s)
		if err != nil {
			return nil, err
		}
		r = append(r, v)
	}
	return r, nil
}

func selectArch() (*proc.Arch, error) {
	var a *proc.Arch
	if arch == "" {
		a = native.DefaultArch()
	} else {
		a, _ = proc.ArchByName(arch)
	}
	if a == nil {
		return nil, fmt.Errorf("unsupported architecture %q", arch)
	}
	if redZone >= 0 {
		a.SetRedZone(uint64(redZone))
	}
	return a, nil
}

// session is a process attached by x86srv.
type session struct {
	p   *native.Process
	tgt *proc.Target
}

func attachSession(cmd *cobra.Command, pidstr string) (*session, error) {
	applyConfig(cmd.Flags())
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return nil, err
	}
	pid, err := strconv.Atoi(pidstr)
	if err != nil {
		return nil, fmt.Errorf("invalid pid: %s", pidstr)
	}
	a, err := selectArch()
	if err != nil {
		return nil, err
	}
	p, err := native.Attach(pid, notifyAddr)
	if err != nil {
		return nil, fmt.Errorf("could not attach to pid %d: %v", pid, err)
	}
	tgt, err := proc.NewTarget(p, a, proc.NewBreakpointManager(p, a))
	if err != nil {
		p.Detach()
		return nil, err
	}
	return &session{p: p, tgt: tgt}, nil
}

// release removes every breakpoint and detaches from the process, or kills
// it if --kill was passed. A process that already exited is left alone.
func (s *session) release() error {
	if ok, _ := s.p.Valid(); !ok {
		return nil
	}
	if kill {
		return s.p.Kill()
	}
	bpm := s.tgt.Breakpoints()
	if err := bpm.RemoveHardwareBreakpoints(); err != nil {
		logflags.BackendLogger().Warnf("could not clear debug registers: %v", err)
	}
	if err := bpm.RemoveAll(); err != nil {
		logflags.BackendLogger().Warnf("could not remove breakpoints: %v", err)
	}
	return s.p.Detach()
}

// next resumes the process and classifies the following stop.
func (s *session) next() (proc.StopOutcome, error) {
	if err := s.tgt.Continue(); err != nil {
		return proc.StopOutcome{}, err
	}
	return s.wait()
}

func (s *session) wait() (proc.StopOutcome, error) {
	sig, err := s.p.Wait()
	if err != nil {
		return proc.StopOutcome{}, err
	}
	return s.tgt.ClassifyStop(sig)
}

// interruptOnSignal stops the process with SIGSTOP when x86srv receives
// SIGINT.
func (s *session) interruptOnSignal() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sys.SIGINT)
	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			sys.Kill(s.p.Pid(), sys.SIGSTOP)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func attachCmd(cmd *cobra.Command, args []string) error {
	defer logflags.Close()
	swaddrs, err := parseAddrs(breakAddrs)
	if err != nil {
		return err
	}
	hwaddrs, err := parseAddrs(hwBreakAddrs)
	if err != nil {
		return err
	}
	watchaddrs, err := parseAddrs(watchAddrs)
	if err != nil {
		return err
	}

	s, err := attachSession(cmd, args[0])
	if err != nil {
		return err
	}
	if err := s.insertBreakpoints(swaddrs, hwaddrs, watchaddrs); err != nil {
		s.release()
		return err
	}
	stop := s.interruptOnSignal()
	defer stop()

	for {
		out, err := s.next()
		if err != nil {
			var exited proc.ErrProcessExited
			if errors.As(err, &exited) {
				fmt.Println(exited.Error())
				return s.release()
			}
			s.release()
			return err
		}
		fmt.Printf("%#x: %v\n", s.tgt.Frame().PC, out)
		switch out.Action {
		case proc.StopInterrupted:
			return s.release()
		case proc.StopBreakpointHit:
			if err := s.stepOverBreakpoint(out.BreakpointID); err != nil {
				s.release()
				return err
			}
		}
	}
}

func (s *session) insertBreakpoints(swaddrs, hwaddrs, watchaddrs []uint64) error {
	for _, addr := range swaddrs {
		id, err := s.tgt.InsertBreakpoint(addr)
		if err != nil {
			return fmt.Errorf("could not set breakpoint at %#x: %v", addr, err)
		}
		fmt.Printf("Breakpoint %d set at %#x\n", id, addr)
	}
	for _, addr := range hwaddrs {
		idx, id, err := s.tgt.InsertHardwareBreakpoint(proc.WatchExecute, addr)
		if err != nil {
			return fmt.Errorf("could not set hardware breakpoint at %#x: %v", addr, err)
		}
		fmt.Printf("Breakpoint %d set at %#x (DR%d)\n", id, addr, idx)
	}
	for _, addr := range watchaddrs {
		idx, id, err := s.tgt.InsertHardwareBreakpoint(proc.WatchWrite, addr)
		if err != nil {
			return fmt.Errorf("could not set watchpoint at %#x: %v", addr, err)
		}
		fmt.Printf("Watchpoint %d set at %#x (DR%d)\n", id, addr, idx)
	}
	return nil
}

// eflagsRF is the resume flag, it suppresses instruction breakpoints for
// the next instruction.
const eflagsRF = 1 << 16

// stepOverBreakpoint lets the process resume from breakpoint id.
func (s *session) stepOverBreakpoint(id int) error {
	bp, ok := s.tgt.Breakpoints().LookupByID(id)
	if !ok {
		// not one of ours
		return nil
	}
	if bp.Kind == proc.SoftwareBreakpoint {
		return s.tgt.DisableBreakpoint(id)
	}
	if bp.WatchType == proc.WatchExecute {
		rc := s.tgt.Registers()
		return rc.Set(proc.RegFlags, rc.Get(proc.RegFlags)|eflagsRF)
	}
	return nil
}

func invokeCmd(cmd *cobra.Command, args []string) error {
	defer logflags.Close()
	var nums [3]uint64
	for i, arg := range args[1:] {
		v, err := parseUint(arg)
		if err != nil {
			return err
		}
		nums[i] = v
	}
	method, arg1, arg2 := nums[0], nums[1], nums[2]

	s, err := attachSession(cmd, args[0])
	if err != nil {
		return err
	}
	defer s.release()

	const callback = 1
	switch {
	case invokeRuntime:
		err = s.tgt.InvokeRuntime(method, arg1, callback)
	case cmd.Flags().Changed("string"):
		err = s.tgt.InvokeWithString(method, arg1, invokeString, callback)
	default:
		err = s.tgt.Invoke(method, arg1, arg2, callback)
	}
	if err != nil {
		return err
	}

	stop := s.interruptOnSignal()
	defer stop()
	for {
		out, err := s.wait()
		if err != nil {
			return err
		}
		switch out.Action {
		case proc.StopCallback, proc.StopCallbackCompleted:
			if out.Callback == callback {
				fmt.Printf("%#x returned %#x %#x\n", method, out.Value, out.Value2)
				return nil
			}
		case proc.StopInterrupted:
			fmt.Println("interrupted, aborting call")
			return s.tgt.AbortInnermostInvoke()
		default:
			fmt.Printf("%#x: %v\n", s.tgt.Frame().PC, out)
			if out.Action == proc.StopBreakpointHit {
				if err := s.stepOverBreakpoint(out.BreakpointID); err != nil {
					return err
				}
			}
		}
		if err := s.tgt.Continue(); err != nil {
			return err
		}
	}
}
