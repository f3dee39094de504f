// Package selection scores the members of a moment cluster and picks the
// best audio and best video segment.
//
// Audio is rated from SNR, clipping and dropouts. Video blends visual quality
// with speaker-centricity, the share of the segment in which the cluster's
// dominant speaker talks on camera. Ties fall to the camera with the better
// run-wide average, then to the lowest camera id, so identical inputs always
// produce identical picks.
package selection
