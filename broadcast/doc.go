/*
Package broadcast fans lines of process output out to a dynamic set of viewers, and keeps a bounded history of
recent lines to replay to viewers as they join.

All state lives behind one lock in the Registry. That lock is held for the whole fan-out of a line, and for the whole
replay of history to a joining viewer, which is what guarantees that a viewer sees every line from the moment it
joins exactly once. The cost is that one slow viewer delays everyone else for up to the send timeout.

Viewers whose sends fail are dropped after the fan-out pass that observed the failure, never during it.
*/
package broadcast
