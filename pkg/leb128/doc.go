// Package leb128 provides an encoder and a decoder for the unsigned Little
// Endian Base 128 format. DEX files use it for the counts and index
// deltas of class_data_item and for the utf16 length that prefixes every
// string_data_item.
package leb128
