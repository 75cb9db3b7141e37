package bridge

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// EnvChecker is the default pre-flight check. It verifies interpreter presence, runtime libraries
// (via an arbitrary check command), the accelerator and host resources. The first failed check
// is returned as error and becomes the unavailable reason.
type EnvChecker struct {
	Interpreter   string   // binary which must be on PATH
	LibsCheck     []string // command exiting with 0 if required libraries are importable, optional
	Accelerator   bool     // require a GPU reported by nvidia-smi
	SMICommand    string   // nvidia-smi binary, default "nvidia-smi"
	MinVRAMMB     int      // minimal total VRAM of the first GPU
	MinFreeMemMB  uint64   // minimal available host memory
	MinFreeDiskMB uint64   // minimal free space on DiskPath
	DiskPath      string   // output location checked for free space, default "/"
	Timeout       time.Duration
}

// GPUInfo is a parsed nvidia-smi row
type GPUInfo struct {
	Name       string
	MemoryMB   int
	Driver     string
	ComputeCap string
}

// Check runs all configured checks
func (c EnvChecker) Check(ctx context.Context) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.Interpreter != "" {
		path, err := exec.LookPath(c.Interpreter)
		if err != nil {
			return fmt.Errorf("interpreter %s not found: %w", c.Interpreter, err)
		}
		log.Printf("[DEBUG] pre-flight: interpreter %s", path)
	}

	if len(c.LibsCheck) > 0 {
		out, err := exec.CommandContext(ctx, c.LibsCheck[0], c.LibsCheck[1:]...).CombinedOutput() //nolint:gosec
		if err != nil {
			return fmt.Errorf("required libraries check failed: %v, %s", err, lastLine(string(out)))
		}
	}

	if c.Accelerator {
		gpu, err := c.gpu(ctx)
		if err != nil {
			return err
		}
		if c.MinVRAMMB > 0 && gpu.MemoryMB < c.MinVRAMMB {
			return fmt.Errorf("gpu %s has %d MB VRAM, need %d MB", gpu.Name, gpu.MemoryMB, c.MinVRAMMB)
		}
		log.Printf("[DEBUG] pre-flight: gpu %s, %d MB, driver %s", gpu.Name, gpu.MemoryMB, gpu.Driver)
	}

	if c.MinFreeMemMB > 0 {
		v, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to get memory: %w", err)
		}
		if avail := v.Available / 1024 / 1024; avail < c.MinFreeMemMB {
			return fmt.Errorf("available memory %d MB, need %d MB", avail, c.MinFreeMemMB)
		}
	}

	if c.MinFreeDiskMB > 0 {
		path := c.DiskPath
		if path == "" {
			path = "/"
		}
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to get disk usage for %s: %w", path, err)
		}
		if free := usage.Free / 1024 / 1024; free < c.MinFreeDiskMB {
			return fmt.Errorf("free disk on %s is %d MB, need %d MB", path, free, c.MinFreeDiskMB)
		}
	}
	return nil
}

func (c EnvChecker) gpu(ctx context.Context) (GPUInfo, error) {
	smi := c.SMICommand
	if smi == "" {
		smi = "nvidia-smi"
	}
	out, err := exec.CommandContext(ctx, smi, "--query-gpu=name,memory.total,driver_version,compute_cap", //nolint:gosec
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return GPUInfo{}, fmt.Errorf("no accelerator, %s failed: %w", smi, err)
	}
	return ParseGPU(string(out))
}

// ParseGPU parses the first row of nvidia-smi csv output
func ParseGPU(out string) (GPUInfo, error) {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), "\n", 2)[0])
	if line == "" {
		return GPUInfo{}, fmt.Errorf("no accelerator reported")
	}
	fields := strings.Split(line, ",")
	if len(fields) < 2 {
		return GPUInfo{}, fmt.Errorf("unexpected gpu info %q", line)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	memMB, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return GPUInfo{}, fmt.Errorf("unexpected gpu memory %q: %w", fields[1], err)
	}
	res := GPUInfo{Name: fields[0], MemoryMB: int(memMB)}
	if len(fields) > 2 {
		res.Driver = fields[2]
	}
	if len(fields) > 3 {
		res.ComputeCap = fields[3]
	}
	return res, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
