package api

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostStats: состояние процесса и машины для /api/stats
type HostStats struct {
	Uptime        string  `json:"uptime"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	RSSMB         float64 `json:"rss_mb"`
	HeapAllocMB   float64 `json:"heap_alloc_mb"`
	SystemMemUsed float64 `json:"system_mem_used_percent"`
	Goroutines    int     `json:"goroutines"`
	NumGC         uint32  `json:"num_gc"`
	ServerTime    int64   `json:"server_time"`
}

// ServerMetrics снимает метрики процесса через gopsutil
type ServerMetrics struct {
	StartTime time.Time
	proc      *process.Process
}

// NewServerMetrics создает метрики для текущего процесса
func NewServerMetrics() *ServerMetrics {
	sm := &ServerMetrics{StartTime: time.Now()}
	// без proc отдаём только runtime-метрики
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		sm.proc = p
	}
	return sm
}

// Uptime возвращает время работы, округлённое до секунды
func (sm *ServerMetrics) Uptime() time.Duration {
	return time.Since(sm.StartTime).Truncate(time.Second)
}

// Sample собирает снимок. Ошибки gopsutil обнуляют соответствующие поля.
func (sm *ServerMetrics) Sample() HostStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	up := sm.Uptime()
	hs := HostStats{
		Uptime:        up.String(),
		UptimeSeconds: int64(up.Seconds()),
		HeapAllocMB:   float64(m.HeapAlloc) / 1024 / 1024,
		Goroutines:    runtime.NumGoroutine(),
		NumGC:         m.NumGC,
		ServerTime:    time.Now().Unix(),
	}

	if sm.proc != nil {
		if pct, err := sm.proc.CPUPercent(); err == nil {
			hs.CPUPercent = pct
		}
		if info, err := sm.proc.MemoryInfo(); err == nil {
			hs.RSSMB = float64(info.RSS) / 1024 / 1024
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hs.SystemMemUsed = vm.UsedPercent
	}
	return hs
}
