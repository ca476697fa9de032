package sourcecache

import "runtime"

func numCPU() int {
	return runtime.NumCPU()
}
