// Package vault defines the document-store collaborator interface and a
// filesystem implementation of it.
//
// The retrieval engine never owns note storage. It consumes a Vault as a
// read-only source: enumerate documents, read content, and subscribe to
// change notifications. It never calls back into document-mutation APIs.
//
// FSVault implements Vault over a directory tree of markdown files, using
// fsnotify for change notifications. Raw filesystem events are debounced per
// path before being forwarded, since editors typically produce bursts of
// writes for a single logical save.
package vault
