package workerpool

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"
)

// SampleCPUUtil reports fractional CPU utilization (0..1) over window by
// diffing the aggregate "cpu" line in /proc/stat before and after
// sleeping for window. On platforms without /proc/stat it returns 0,
// false so callers fall back to treating load as unknown (no resize).
func SampleCPUUtil(window time.Duration) (float64, bool) {
	before, ok := readCPUTimes()
	if !ok {
		return 0, false
	}
	time.Sleep(window)
	after, ok := readCPUTimes()
	if !ok {
		return 0, false
	}

	totalDelta := after.total() - before.total()
	if totalDelta <= 0 {
		return 0, false
	}
	idleDelta := after.idleTotal() - before.idleTotal()
	busy := float64(totalDelta-idleDelta) / float64(totalDelta)
	if busy < 0 {
		busy = 0
	}
	if busy > 1 {
		busy = 1
	}
	return busy, true
}

type cpuTimes struct {
	user, nice, system, idle, iowait, irq, softirq, steal int64
}

func (c cpuTimes) total() int64 {
	return c.user + c.nice + c.system + c.idle + c.iowait + c.irq + c.softirq + c.steal
}

func (c cpuTimes) idleTotal() int64 { return c.idle + c.iowait }

func readCPUTimes() (cpuTimes, bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuTimes{}, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		var vals [8]int64
		for i := 0; i < len(fields) && i < len(vals); i++ {
			v, err := strconv.ParseInt(fields[i], 10, 64)
			if err != nil {
				return cpuTimes{}, false
			}
			vals[i] = v
		}
		return cpuTimes{
			user: vals[0], nice: vals[1], system: vals[2], idle: vals[3],
			iowait: vals[4], irq: vals[5], softirq: vals[6], steal: vals[7],
		}, true
	}
	return cpuTimes{}, false
}
