package kube

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/p-arndt/werkstatt/internal/runtime"
)

// usageScript prints key=value lines. CPU is sampled twice, 500ms apart,
// from cgroup v2 with a v1 fallback.
const usageScript = `
read_cpu() {
  if [ -f /sys/fs/cgroup/cpu.stat ]; then
    awk '/^usage_usec/ {printf "%d\n", $2*1000}' /sys/fs/cgroup/cpu.stat
  else
    cat /sys/fs/cgroup/cpuacct/cpuacct.usage
  fi
}
c1=$(read_cpu); sleep 0.5; c2=$(read_cpu)
echo "cpu_ns_1=$c1"
echo "cpu_ns_2=$c2"
echo "interval_ms=500"
echo "mem_bytes=$(cat /sys/fs/cgroup/memory.current 2>/dev/null || cat /sys/fs/cgroup/memory/memory.usage_in_bytes)"
awk 'NR>2 {sub(/:/, " "); if ($1 != "lo") {rx+=$2; tx+=$10}} END {printf "net_rx=%d\nnet_tx=%d\n", rx, tx}' /proc/net/dev
`

func parseUsage(out string, memLimitMB float64) (*runtime.ResourceUsage, error) {
	vals := make(map[string]float64)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("usage probe: bad value for %s: %q", k, v)
		}
		vals[k] = f
	}
	if _, ok := vals["mem_bytes"]; !ok {
		return nil, fmt.Errorf("usage probe: no memory reading in %q", out)
	}

	const mb = 1 << 20
	u := &runtime.ResourceUsage{
		MemUsedMB:  vals["mem_bytes"] / mb,
		MemLimitMB: memLimitMB,
		NetRxMB:    vals["net_rx"] / mb,
		NetTxMB:    vals["net_tx"] / mb,
	}
	if interval := vals["interval_ms"]; interval > 0 {
		delta := vals["cpu_ns_2"] - vals["cpu_ns_1"]
		if delta > 0 {
			u.CPUPercent = delta / (interval * 1e6) * 100
		}
	}
	return u, nil
}
