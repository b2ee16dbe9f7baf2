// Command mediaforge is the command line client for the mediaforge daemon.
//
// Source, job, and status commands talk to a running daemon over its HTTP
// API (paths.api_bind, or --api). "mediaforge daemon run" runs the daemon in
// the foreground; config subcommands work without one.
package main
