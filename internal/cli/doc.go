// Package cli implements the perfci command line.
//
// The commands map onto the execution lifecycle:
//
//	run      start, workload, stop and report in one go
//	start    start the monitors and exit
//	stop     stop, collect and report a started execution
//	check    verify reachability and required tools
//	init     write a sample .perfci.yaml
//	enable   re-enable monitors
//	disable  disable monitors in the config
//	version  print version information
//
// Errors from internal/errors print with their suggestion; failed
// executions print the summary and exit with status 1.
package cli
