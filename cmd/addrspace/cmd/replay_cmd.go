package cmd

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sarchlab/addrspace"
	"github.com/sarchlab/addrspace/datarecording"
	"github.com/sarchlab/addrspace/monitoring"
)

var replayCmd = &cobra.Command{
	Use:   "replay <script>",
	Short: "Replay an operation script against a fresh allocator",
	Long: `Replay reads a line-oriented operation script and applies it to a fresh ` +
		`allocator, printing the outcome of every query and allocation. ` +
		`Supported operations: add B S, sub B S, alloc-addr B S, ` +
		`alloc-size S A, check B S, point A, len. Lines starting with # are ` +
		`comments. Numbers accept the 0x prefix.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().String("record", "",
		"record the operation stream into the given SQLite file "+
			"(default $ADDRSPACE_RECORD)")
	replayCmd.Flags().Int("monitor", 0,
		"serve the monitoring API on the given port while replaying "+
			"(default $ADDRSPACE_MONITOR_PORT)")
	replayCmd.Flags().Int("pause-ms", 0,
		"pause between operations, useful together with --monitor")
	replayCmd.Flags().BoolP("verbose", "v", false,
		"log every operation to stderr")

	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	allocator := addrspace.NewRegionAllocator("Replay")

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		allocator.AcceptHook(addrspace.NewOpLogger(
			log.New(cmd.ErrOrStderr(), "", 0)))
	}

	recorder, err := setupRecording(cmd, allocator)
	if err != nil {
		return err
	}
	if recorder != nil {
		defer recorder.Flush()
	}

	if err := setupMonitoring(cmd, allocator); err != nil {
		return err
	}

	pauseMs, _ := cmd.Flags().GetInt("pause-ms")

	file, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if err := applyLine(cmd, allocator, line); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}

		if pauseMs > 0 {
			time.Sleep(time.Duration(pauseMs) * time.Millisecond)
		}
	}

	return scanner.Err()
}

func setupRecording(
	cmd *cobra.Command,
	allocator *addrspace.RegionAllocator,
) (datarecording.DataRecorder, error) {
	recordPath, _ := cmd.Flags().GetString("record")
	if recordPath == "" {
		recordPath = os.Getenv("ADDRSPACE_RECORD")
	}

	if recordPath == "" {
		return nil, nil
	}

	recorder := datarecording.NewDataRecorder(recordPath)
	allocator.AcceptHook(datarecording.NewOpTracer(recorder))

	return recorder, nil
}

func setupMonitoring(
	cmd *cobra.Command,
	allocator *addrspace.RegionAllocator,
) error {
	port, _ := cmd.Flags().GetInt("monitor")
	if port == 0 {
		port, _ = strconv.Atoi(os.Getenv("ADDRSPACE_MONITOR_PORT"))
	}

	if port == 0 {
		return nil
	}

	monitor := monitoring.NewMonitor().WithPortNumber(port)
	monitor.RegisterAllocator(allocator)
	monitor.StartServer()

	return nil
}

func applyLine(
	cmd *cobra.Command,
	allocator *addrspace.RegionAllocator,
	line string,
) error {
	fields := strings.Fields(line)
	op := fields[0]

	switch op {
	case "add", "sub":
		return applyMutation(allocator, op, fields[1:])
	case "alloc-addr":
		args, err := parseArgs(fields[1:], 2)
		if err != nil {
			return err
		}
		ok := allocator.AllocateByAddr(args[0], args[1])
		cmd.Printf("alloc-addr 0x%x 0x%x -> %t\n", args[0], args[1], ok)
	case "alloc-size":
		args, err := parseArgs(fields[1:], 2)
		if err != nil {
			return err
		}
		base, ok := allocator.AllocateBySize(args[0], args[1])
		if ok {
			cmd.Printf("alloc-size 0x%x align 0x%x -> 0x%x\n",
				args[0], args[1], base)
		} else {
			cmd.Printf("alloc-size 0x%x align 0x%x -> no fit\n",
				args[0], args[1])
		}
	case "check":
		args, err := parseArgs(fields[1:], 2)
		if err != nil {
			return err
		}
		cmd.Printf("check 0x%x 0x%x -> %t\n",
			args[0], args[1], allocator.CheckRegion(args[0], args[1]))
	case "point":
		args, err := parseArgs(fields[1:], 1)
		if err != nil {
			return err
		}
		cmd.Printf("point 0x%x -> %t\n", args[0], allocator.CheckPoint(args[0]))
	case "len":
		cmd.Printf("len -> %d\n", allocator.Len())
	default:
		return fmt.Errorf("unknown operation %q", op)
	}

	return nil
}

func applyMutation(
	allocator *addrspace.RegionAllocator,
	op string,
	rawArgs []string,
) error {
	args, err := parseArgs(rawArgs, 2)
	if err != nil {
		return err
	}

	return allocator.AddOrSubtract(args[0], args[1], op == "add")
}

func parseArgs(rawArgs []string, count int) ([]uint64, error) {
	if len(rawArgs) != count {
		return nil, fmt.Errorf("expected %d arguments, got %d",
			count, len(rawArgs))
	}

	args := make([]uint64, count)
	for i, raw := range rawArgs {
		v, err := strconv.ParseUint(raw, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", raw)
		}
		args[i] = v
	}

	return args, nil
}
