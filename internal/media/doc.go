// Package media defines the immutable segment and feature vector types shared
// by discovery, extraction and the alignment, clustering and selection engines.
package media
