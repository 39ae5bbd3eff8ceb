// Package congestion implements per-tunnel reliability and congestion
// control.
//
// # Overview
//
// A Controller owns the shared state of one tunnel's send path: the
// congestion window, the in-flight map keyed by sequence number, and a FIFO
// of packets waiting for window space. A Policy decides how the window
// reacts to acks and drops. Policies hold no state of their own; they
// mutate the Window handed to them while the controller's lock is held.
//
// # Policies
//
//   - NoCongestion: packets go straight to the sender and are never
//     tracked, acked or retransmitted.
//   - Simple: a window of one packet. Drops are reported but the window
//     never changes.
//   - AIMD: doubles the window per ack while it is below the slow start
//     threshold, then grows it by one per ack up to MaxWindow. A drop
//     halves the window (never below one) and moves the threshold to the
//     new size.
//
// # Retransmission
//
// Tick drains the queue, then resends every in-flight packet whose last
// transmission is older than RetransmitTimeout. A packet that has already
// been resent MaxRetransmissions times is marked TimedOut, removed, passed
// to Policy.OnPacketsDropped and reported to the DropHandler. The
// controller never closes the tunnel itself.
//
// Start runs Tick on a ticker until Stop is called.
package congestion
