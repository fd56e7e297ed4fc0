// Package client is a Go client of the vpiped control surface, used by
// pipectl. Reads are retried on server errors; commands are sent once.
package client
