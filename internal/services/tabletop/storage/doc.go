// Package storage defines persistence contracts for tabletop sessions,
// documents, encounters and the patch log.
package storage
