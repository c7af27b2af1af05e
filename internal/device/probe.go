package device

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// fallbackMemoryMB is used when system memory cannot be determined. It is
// deliberately small so batch sizing stays conservative.
const fallbackMemoryMB = 8192

// execProber validates backends with real driver/system round-trips.
type execProber struct{}

func (execProber) Probe(ctx context.Context, kind Kind) (Info, error) {
	switch kind {
	case CUDA:
		return probeCUDA(ctx)
	case Metal:
		return probeMetal(ctx)
	case CPU:
		return probeCPU(ctx)
	default:
		return Info{}, fmt.Errorf("unknown device kind %q", kind)
	}
}

// probeCUDA queries the NVIDIA driver for the first GPU. Running the query
// exercises the driver stack end to end, which catches the broken-driver
// states where the binary exists but the device is unusable.
func probeCUDA(ctx context.Context) (Info, error) {
	smiPath, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return Info{}, fmt.Errorf("nvidia-smi not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, smiPath,
		"--query-gpu=name,memory.total",
		"--format=csv,noheader,nounits",
	)
	output, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("nvidia-smi query failed: %w", err)
	}

	line := strings.TrimSpace(strings.SplitN(string(output), "\n", 2)[0])
	if line == "" {
		return Info{}, fmt.Errorf("nvidia-smi reported no GPUs")
	}
	name, memMB := parseSMILine(line)
	if memMB <= 0 {
		return Info{}, fmt.Errorf("could not parse GPU memory from %q", line)
	}

	log.Debug().Str("gpu", name).Int("memoryMB", memMB).Msg("CUDA device validated")
	return Info{Kind: CUDA, Name: name, MemoryMB: memMB}, nil
}

// parseSMILine splits "NVIDIA GeForce RTX 3090, 24576" into name and MB.
func parseSMILine(line string) (string, int) {
	idx := strings.LastIndex(line, ",")
	if idx < 0 {
		return line, 0
	}
	name := strings.TrimSpace(line[:idx])
	mem, err := strconv.Atoi(strings.TrimSpace(line[idx+1:]))
	if err != nil {
		return name, 0
	}
	return name, mem
}

// probeMetal validates the Apple GPU path. Metal shares unified memory
// with the system, so the sysctl round-trip both proves the host responds
// and yields the memory figure batch sizing needs.
func probeMetal(ctx context.Context) (Info, error) {
	if runtime.GOOS != "darwin" || runtime.GOARCH != "arm64" {
		return Info{}, fmt.Errorf("metal requires darwin/arm64, running on %s/%s", runtime.GOOS, runtime.GOARCH)
	}

	memMB, err := sysctlMemoryMB(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("memory query failed: %w", err)
	}

	return Info{Kind: Metal, Name: "Apple Silicon (unified memory)", MemoryMB: memMB}, nil
}

// probeCPU is the terminal fallback and never fails; an undetermined
// memory size degrades to a conservative default.
func probeCPU(ctx context.Context) (Info, error) {
	memMB := systemMemoryMB(ctx)
	name := fmt.Sprintf("%s/%s (%d threads)", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
	return Info{Kind: CPU, Name: name, MemoryMB: memMB}, nil
}

// systemMemoryMB reports available system memory, preferring the
// platform-native source and falling back to a fixed conservative figure.
func systemMemoryMB(ctx context.Context) int {
	if runtime.GOOS == "linux" {
		if mb, err := procMeminfoMB(); err == nil {
			return mb
		}
	}
	if runtime.GOOS == "darwin" {
		if mb, err := sysctlMemoryMB(ctx); err == nil {
			return mb
		}
	}
	log.Debug().Int("memoryMB", fallbackMemoryMB).Msg("System memory unknown, using fallback")
	return fallbackMemoryMB
}

// procMeminfoMB reads MemAvailable (preferred) or MemTotal from
// /proc/meminfo. Values there are in kB.
func procMeminfoMB() (int, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	total := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemAvailable:":
			return kb / 1024, nil
		case "MemTotal:":
			total = kb / 1024
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if total > 0 {
		return total, nil
	}
	return 0, fmt.Errorf("no memory fields in /proc/meminfo")
}

// sysctlMemoryMB queries hw.memsize (bytes) on darwin.
func sysctlMemoryMB(ctx context.Context) (int, error) {
	sysctlPath, err := exec.LookPath("sysctl")
	if err != nil {
		return 0, fmt.Errorf("sysctl not found in PATH: %w", err)
	}
	cmd := exec.CommandContext(ctx, sysctlPath, "-n", "hw.memsize")
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("sysctl hw.memsize failed: %w", err)
	}
	bytes, err := strconv.ParseInt(strings.TrimSpace(string(output)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse hw.memsize output: %w", err)
	}
	return int(bytes / (1024 * 1024)), nil
}
