/*
Pipectl drives a running vpiped daemon over its HTTP control surface.

Usage:

	pipectl [-addr URL] <command> [args]

The daemon address defaults to PIPECTL_ADDR, or http://localhost:8080.

	pipectl init 0 -in-width 3840 -in-height 2160 -buffers 4
	pipectl trigger 0
	pipectl display 0
	pipectl reconfigure 0 -in-width 2560 -in-height 1440
	pipectl apply profiles/wall.yaml
	pipectl export -path 0 -o events.ndjson
*/
package main
