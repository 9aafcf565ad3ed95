//go:build !(linux || darwin || freebsd)

package cli

import "errors"

var errDiskUnsupported = errors.New("disk usage unsupported")

func freeSpace(string) (uint64, uint64, error) { return 0, 0, errDiskUnsupported }
