package models

// CachedInfo holds host facts that rarely change.
type CachedInfo struct {
	OSVersion          string `json:"os_version"`
	Processor          string `json:"processor"`
	TotalRAM           uint64 `json:"total_ram"`
	DiskCapacity       uint64 `json:"disk_capacity"`
	DiskUsage          uint64 `json:"disk_usage"`
	BootTime           uint64 `json:"boot_time"`
	AverageCPUSpeedMHz uint64 `json:"average_cpu_speed_mhz"`
	MaxCPUSpeedMHz     uint64 `json:"max_cpu_speed_mhz"`
}

// LoadAverage mirrors the classic 1/5/15 minute load figures.
type LoadAverage struct {
	One     float64 `json:"one"`
	Five    float64 `json:"five"`
	Fifteen float64 `json:"fifteen"`
}

// ProcessInfo describes one entry of the top processes list.
type ProcessInfo struct {
	PID    int32  `json:"pid"`
	Name   string `json:"name"`
	Memory uint64 `json:"memory"`
}

// PolledMetrics holds the frequently refreshed host metrics.
type PolledMetrics struct {
	CPUUsage           float64       `json:"cpu_usage"`
	UsedRAM            uint64        `json:"used_ram"`
	AvailableRAM       uint64        `json:"available_ram"`
	NetworkReceived    uint64        `json:"network_received"`
	NetworkTransmitted uint64        `json:"network_transmitted"`
	Uptime             uint64        `json:"uptime"`
	LoadAverage        LoadAverage   `json:"load_average"`
	SwapUsed           uint64        `json:"swap_used"`
	SwapTotal          uint64        `json:"swap_total"`
	DiskFree           uint64        `json:"disk_free"`
	DiskUsagePercent   float64       `json:"disk_usage_percent"`
	TopProcesses       []ProcessInfo `json:"top_processes"`
}

// SystemData is the local metrics snapshot included in the self-description.
type SystemData struct {
	Cached CachedInfo    `json:"cached"`
	Polled PolledMetrics `json:"polled"`
}
