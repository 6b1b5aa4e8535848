package uring

import (
	"github.com/docker/docker/pkg/parsers/kernel"

	"github.com/blitzio/blitzio/internal/logging"
)

var (
	minSQE128CQE32 = kernel.VersionInfo{Kernel: 5, Major: 19, Minor: 0}
	minMultishot    = kernel.VersionInfo{Kernel: 5, Major: 19, Minor: 0}
	minSQPOLL       = kernel.VersionInfo{Kernel: 5, Major: 11, Minor: 0}
)

// SupportsFeatures reports an error only if the running kernel's version
// cannot be determined; it does not compare that version against any
// minimum.
func SupportsFeatures() error {
	_, err := GetFeatures()
	return err
}

// GetFeatures probes the running kernel version and returns which optional
// io_uring features it supports.
func GetFeatures() (Features, error) {
	v, err := kernel.GetKernelVersion()
	if err != nil {
		return Features{}, err
	}

	f := Features{
		SQE128:    kernel.CompareKernelVersion(*v, minSQE128CQE32) >= 0,
		CQE32:     kernel.CompareKernelVersion(*v, minSQE128CQE32) >= 0,
		SQPOLL:    kernel.CompareKernelVersion(*v, minSQPOLL) >= 0,
		Multishot: kernel.CompareKernelVersion(*v, minMultishot) >= 0,
	}

	logging.Default().With("uring").Debug("probed kernel io_uring features",
		"kernel", v.String(), "sqpoll", f.SQPOLL)

	return f, nil
}
