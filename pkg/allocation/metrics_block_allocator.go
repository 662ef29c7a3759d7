package allocation

import (
	"sync"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/status"
)

var (
	blockAllocatorPrometheusMetrics sync.Once

	blockAllocatorAllocationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buildbarn",
			Subsystem: "cpmfs",
			Name:      "block_allocator_allocation_duration_seconds",
			Help:      "Amount of time spent allocating blocks, in seconds.",
			Buckets:   util.DecimalExponentialBuckets(-9, 6, 2),
		},
		[]string{"status_code"})
	blockAllocatorBlocksFreed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "cpmfs",
			Name:      "block_allocator_blocks_freed_total",
			Help:      "Number of blocks that were released by files.",
		})
)

type metricsBlockAllocator struct {
	base  BlockAllocator
	clock clock.Clock

	allocationOK      prometheus.Observer
	allocationFailure prometheus.ObserverVec
}

// NewMetricsBlockAllocator creates a decorator for BlockAllocator that
// exposes Prometheus metrics on how many blocks are allocated and
// freed.
func NewMetricsBlockAllocator(base BlockAllocator, clock clock.Clock) BlockAllocator {
	blockAllocatorPrometheusMetrics.Do(func() {
		prometheus.MustRegister(blockAllocatorAllocationDurationSeconds)
		prometheus.MustRegister(blockAllocatorBlocksFreed)
	})

	return &metricsBlockAllocator{
		base:  base,
		clock: clock,

		allocationOK:      blockAllocatorAllocationDurationSeconds.WithLabelValues("OK"),
		allocationFailure: blockAllocatorAllocationDurationSeconds,
	}
}

func (ba *metricsBlockAllocator) AllocateBlock() (uint16, error) {
	timeStart := ba.clock.Now()
	block, err := ba.base.AllocateBlock()
	duration := ba.clock.Now().Sub(timeStart).Seconds()
	if err == nil {
		ba.allocationOK.Observe(duration)
	} else {
		ba.allocationFailure.WithLabelValues(status.Code(err).String()).Observe(duration)
	}
	return block, err
}

func (ba *metricsBlockAllocator) FreeBlock(block uint16) {
	ba.base.FreeBlock(block)
	blockAllocatorBlocksFreed.Inc()
}

func (ba *metricsBlockAllocator) FreeBlockCount() int {
	return ba.base.FreeBlockCount()
}
