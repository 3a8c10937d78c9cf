// Package archive provides sinks that receive audit entries copied out of
// the live log before a retention purge.
package archive
