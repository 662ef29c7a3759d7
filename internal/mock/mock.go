// Package mock contains GoMock implementations of the interfaces used
// throughout this repository, so that components can be tested in
// isolation.
package mock

//go:generate mockgen -package mock -destination allocation.go github.com/buildbarn/bb-cpmfs/pkg/allocation BlockAllocator
//go:generate mockgen -package mock -destination blockdevice.go github.com/buildbarn/bb-storage/pkg/blockdevice BlockDevice
//go:generate mockgen -package mock -destination clock.go github.com/buildbarn/bb-storage/pkg/clock Clock
//go:generate mockgen -package mock -destination util.go github.com/buildbarn/bb-storage/pkg/util ErrorLogger
