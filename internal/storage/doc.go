// Package storage is the run-history sink.
//
// It records one Run per finished job for operators. Nothing here is read
// back into the job manager; jobs never survive a restart.
package storage
