// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libfieldsync.so (Android) / fieldsync.framework (iOS).
// Every call returns a JSON envelope string that must be released with FreeString.
package main

/*
#cgo CFLAGS: -Wall -Wextra
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"

	"github.com/kimhsiao/fieldsync/internal/bridge"
)

//export Init
// Init starts the sync core from a JSON config document.
func Init(configJSON *C.char) *C.char {
	return C.CString(bridge.Init(C.GoString(configJSON)))
}

//export Shutdown
// Shutdown stops the sync core and releases storage.
func Shutdown() *C.char {
	return C.CString(bridge.Shutdown())
}

//export SetConnectivity
// SetConnectivity forwards the platform network callback; non-zero means online.
func SetConnectivity(online C.int) *C.char {
	return C.CString(bridge.SetConnectivity(online != 0))
}

// =====================================================
// Queue Operations
// =====================================================

//export QueueAdd
func QueueAdd(requestJSON *C.char) *C.char {
	return C.CString(bridge.QueueAdd(C.GoString(requestJSON)))
}

//export QueueList
func QueueList() *C.char {
	return C.CString(bridge.QueueList())
}

//export QueueProcess
// QueueProcess drains the queue and blocks until the drain finishes.
func QueueProcess() *C.char {
	return C.CString(bridge.QueueProcess())
}

//export QueueClear
func QueueClear() *C.char {
	return C.CString(bridge.QueueClear())
}

//export Submit
// Submit sends a mutating request now, or queues it while offline.
func Submit(requestJSON *C.char) *C.char {
	return C.CString(bridge.Submit(C.GoString(requestJSON)))
}

// =====================================================
// Reads, Session and Status
// =====================================================

//export Fetch
func Fetch(url, paramsJSON *C.char) *C.char {
	return C.CString(bridge.Fetch(C.GoString(url), C.GoString(paramsJSON)))
}

//export SignIn
func SignIn(token, owner *C.char) *C.char {
	return C.CString(bridge.SignIn(C.GoString(token), C.GoString(owner)))
}

//export Logout
func Logout() *C.char {
	return C.CString(bridge.Logout())
}

//export Status
func Status() *C.char {
	return C.CString(bridge.Status())
}

//export PollEvents
// PollEvents returns sync, queue and connectivity events buffered since the last call.
func PollEvents() *C.char {
	return C.CString(bridge.PollEvents())
}

//export FreeString
// FreeString releases a string returned by any export.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func main() {
	// Main function is required for c-shared build mode
	// but is not actually executed when used as shared library
}
