/*
	Package pix provides types, constants and functions that have no other dependencies
	and can be used by all packages within remotetiles: leveled logging, pixel encodings,
	channel plans, resolution level bookkeeping and the shared error taxonomy.
*/
package pix
