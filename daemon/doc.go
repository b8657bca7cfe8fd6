/*
Package daemon manages the lifecycle of the servers making up a daemon
process: Listen, Serve until told to exit, Shutdown, cleanup.

The daemon is started with Run(), giving it a Configurator option whose
ConfigFunc instantiates the servers to serve and any cleanup functions to
call once they are completely done. Calling Exit() (typically from a
signal handler) cancels the context passed to every Serve() and makes
Run() return after shutdown and cleanup.

Listeners are acquired before any serving starts, so binding errors are
returned from Run() before the process commits to running.
*/
package daemon
