// Package eventlog writes per-machine, human-readable event logs.
//
// Every record becomes one block delimited by rules of '=' characters:
//
//	==============
//	Received Message: 7
//	Logical Clock After Receive: 8
//	Queue Size Before Receive: 2
//	Global Time: 1704067200
//	==============
package eventlog
