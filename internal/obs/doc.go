// Package obs sets up logging and exposes the relay's usage metrics.
package obs
