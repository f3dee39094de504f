// Package clustering groups segments that capture the same moment.
//
// Segments from aligned cameras share one global lane; each unaligned camera
// is clustered alone on its local clock. Within a lane a single sweep ordered
// by start time keeps a heap of open clusters keyed by their latest end, and
// a segment joins the open cluster it overlaps most whose seed fingerprint it
// matches. Segments without audio, or without a qualifying partner, become
// singleton clusters, so the result always partitions the input.
package clustering
