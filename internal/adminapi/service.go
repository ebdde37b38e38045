package adminapi

import (
	"os"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/talkincode/wabridge/internal/webserver"
	"github.com/talkincode/wabridge/pkg/metrics"
)

type memoryUsage struct {
	Rss       uint64 `json:"rss"`
	HeapAlloc uint64 `json:"heapAlloc"`
	HeapSys   uint64 `json:"heapSys"`
	Sys       uint64 `json:"sys"`
}

func (a *Api) registerServiceRoutes() {
	webserver.ApiGET("/", a.serviceInfo)
	webserver.ApiGET("/health", a.health)
}

func (a *Api) uptime() float64 {
	return time.Since(a.started).Seconds()
}

func (a *Api) serviceInfo(c echo.Context) error {
	return ok(c, map[string]interface{}{
		"service":        ServiceName,
		"status":         "running",
		"version":        Version,
		"uptime":         a.uptime(),
		"activeSessions": a.sessions.Stats().Total,
	})
}

func (a *Api) health(c echo.Context) error {
	return ok(c, map[string]interface{}{
		"status":    "healthy",
		"uptime":    a.uptime(),
		"memory":    readMemory(),
		"sessions":  a.sessions.Stats(),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// readMemory prefers a live RSS reading and falls back to the value the
// monitor job last recorded.
func readMemory() memoryUsage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m := memoryUsage{HeapAlloc: ms.HeapAlloc, HeapSys: ms.HeapSys, Sys: ms.Sys}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil { //nolint:gosec // G115: PID fits in int32
		if info, err := p.MemoryInfo(); err == nil {
			m.Rss = info.RSS
			return m
		}
	}
	if rss := metrics.GetGauge(metrics.GaugeProcessRSS); rss > 0 {
		m.Rss = uint64(rss)
	}
	return m
}
