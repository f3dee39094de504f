// Package featurestore persists extracted feature vectors in a SQLite cache.
//
// Keys are (segment identity, extraction parameter hash). Because segment
// identity already covers path, size and modification time, a hit means the
// exact same bytes were analysed with the exact same parameters, and the
// extract stage skips the external collaborator entirely.
package featurestore
