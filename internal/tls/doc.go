// Package tls builds TLS configurations for the gateway's data listener and for
// upstream connections.
//
// Server certificates are served through a CertReloader so that rotated
// certificate files take effect without restarting the listener.
package tls
