// Package tls keeps the data listener's certificate current. The key pair is
// loaded at startup and reloaded when either file changes on disk, so
// certificate rotation does not need a restart.
package tls
