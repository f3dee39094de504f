// Package extractor mediates access to the external feature extraction
// collaborator.
//
// The collaborator is any executable that accepts a segment reference on its
// command line and prints a JSON FeatureVector on stdout. Exit code 65
// (EX_DATAERR) or a payload carrying "fatal": true marks the media as
// unreadable; every other failure is treated as recoverable and retried by the
// coordinator.
package extractor
