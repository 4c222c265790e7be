// Package metrics defines the Prometheus collectors of the storage backend.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Key constants are exported primarily for documentation reasons. Typically,
// they will not be used programmatically outside of defining the collectors.

// Keys for hostvfs metrics.
const (
	VFSOpsTotalKey           = "hostvfs_vfs_ops_total"
	VFSBytesTotalKey         = "hostvfs_vfs_bytes_total"
	VFSOpenFilesKey          = "hostvfs_vfs_open_files"
	VFSReadOnlyRegisteredKey = "hostvfs_vfs_readonly_registered"
	AllocBytesInUseKey       = "hostvfs_alloc_bytes_in_use"
	AllocTotalKey            = "hostvfs_alloc_total"
	MutexDynamicLiveKey      = "hostvfs_mutex_dynamic_live"
	MutexContendedTotalKey   = "hostvfs_mutex_contended_total"
	MutexBusyTotalKey        = "hostvfs_mutex_busy_total"
	HostFsCallsTotalKey      = "hostvfs_host_fs_calls_total"
	HostFsBytesTotalKey      = "hostvfs_host_fs_bytes_total"
	SQLDBConnectionsTotalKey = "hostvfs_sqldb_connections_total"
	BackupBytesTotalKey      = "hostvfs_backup_bytes_total"
	BackupDurationSecondsKey = "hostvfs_backup_duration_seconds"

	Fail = "fail"
	Ok   = "ok"
)

// Collectors for the vfs package.
var (
	VFSOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: VFSOpsTotalKey,
		Help: "Cumulative number of VFS operations, by operation and result code.",
	}, []string{"op", "status"})
	VFSBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: VFSBytesTotalKey,
		Help: "Cumulative number of bytes read or written through VFS file handles.",
	}, []string{"op"})
	VFSOpenFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: VFSOpenFilesKey,
		Help: "Number of open VFS file handles.",
	})
	VFSReadOnlyRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: VFSReadOnlyRegisteredKey,
		Help: "Number of paths currently held open read-only.",
	})
)

// Collectors for the alloc package.
var (
	AllocBytesInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: AllocBytesInUseKey,
		Help: "Bytes currently allocated on behalf of the engine.",
	})
	AllocTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: AllocTotalKey,
		Help: "Cumulative number of engine allocation requests.",
	}, []string{"status"})
)

// Collectors for the mutex package.
var (
	MutexDynamicLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: MutexDynamicLiveKey,
		Help: "Number of allocated and not yet freed dynamic mutexes.",
	})
	MutexContendedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: MutexContendedTotalKey,
		Help: "Cumulative number of mutex enters which had to wait.",
	})
	MutexBusyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: MutexBusyTotalKey,
		Help: "Cumulative number of mutex try-enters which reported busy.",
	})
)

// Collectors for the host package.
var (
	HostFsCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: HostFsCallsTotalKey,
		Help: "Cumulative number of host filesystem calls.",
	}, []string{"op", "status"})
	HostFsBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: HostFsBytesTotalKey,
		Help: "Cumulative number of bytes moved through host files.",
	}, []string{"op"})
)

// Collectors for the sqldb and backup packages.
var (
	SQLDBConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: SQLDBConnectionsTotalKey,
		Help: "Cumulative number of engine connections opened.",
	})
	BackupBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: BackupBytesTotalKey,
		Help: "Cumulative number of database bytes snapshotted or restored.",
	}, []string{"op"})
	BackupDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    BackupDurationSecondsKey,
		Help:    "Duration of snapshot and restore operations.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"op", "status"})
)

// HostVFSCollectors returns all metrics collectors of the storage backend.
func HostVFSCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		VFSOpsTotal,
		VFSBytesTotal,
		VFSOpenFiles,
		VFSReadOnlyRegistered,
		AllocBytesInUse,
		AllocTotal,
		MutexDynamicLive,
		MutexContendedTotal,
		MutexBusyTotal,
		HostFsCallsTotal,
		HostFsBytesTotal,
		SQLDBConnectionsTotal,
		BackupBytesTotal,
		BackupDurationSeconds,
	}
}
