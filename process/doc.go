/*
Package process supervises a single long-running interactive child process and bridges its pipes to the rest of the program.

The Supervisor spawns the child with its stdin and stdout piped and hands each pipe to a dedicated goroutine:

  - The CommandWriter is the only consumer of the command queue. It writes each command to the child's stdin verbatim, exactly once, and in queue order.
  - The OutputReader turns every line the child writes to stdout into an info log record, and offers it to Tail subscribers.

Neither goroutine exits the program. A failure that breaks the pipeline (the writer cannot write, the queue's producer is closed, or the output keeps erroring) is delivered once on Supervisor.Failed, and the owner of the Supervisor decides how to shut down.

There is no correlation between a command and the output it produces.
*/
package process
