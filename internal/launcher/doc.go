// Package launcher owns the daemon process on behalf of a host.
//
// Guard is the lifecycle manager: it spawns at most one daemon per socket,
// notices when the child exits so the next Ensure respawns it, and runs a
// cleanup list on Close so the daemon never outlives its host. The control
// helpers in this package start, probe, and stop daemons that were launched
// detached by the CLI.
package launcher
