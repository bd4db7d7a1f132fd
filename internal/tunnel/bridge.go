package tunnel

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/sammck-go/boardhub/internal/blog"
)

var lastBridgeNum int64

// Bridge copies bidirectionally between caller and service until both
// directions reach EOF, calling CloseWrite on the destination as each
// direction finishes (so a half-duplex protocol like HTTP/1.0 still
// works), then closing both Conns. It returns the byte counts in each
// direction and the first error encountered, if any. This is the core
// data-plane primitive for every TCP CONNECT tunnel this repository
// bridges; USB/IP connections are handed to the kernel, not bridged.
func Bridge(logger blog.Logger, caller, service Conn) (callerToService int64, serviceToCaller int64, err error) {
	bridgeNum := atomic.AddInt64(&lastBridgeNum, 1)
	logger = logger.Fork("bridge#%d (%s<->%s)", bridgeNum, caller, service)
	logger.DLogf("starting")

	var callerErr, serviceErr error
	var wg sync.WaitGroup
	wg.Add(2)

	copyFunc := func(src, dst Conn, n *int64, copyErr *error) {
		*n, *copyErr = io.Copy(dst, src)
		if *copyErr != nil {
			logger.DLogf("io.Copy(%s->%s) returned: %s", src, dst, *copyErr)
		}
		dst.CloseWrite()
		wg.Done()
	}

	go copyFunc(caller, service, &callerToService, &callerErr)
	go copyFunc(service, caller, &serviceToCaller, &serviceErr)
	wg.Wait()

	service.Close()
	caller.Close()

	err = callerErr
	if err == nil {
		err = serviceErr
	}
	logger.DLogf("done: caller->service=%d service->caller=%d err=%v", callerToService, serviceToCaller, err)
	return callerToService, serviceToCaller, err
}
