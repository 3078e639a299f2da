// Package tsfeed adapts an MPEG-TS byte stream into a demuxcache.Producer,
// turning PAT/PMT/PES units from package mpegts into demuxcache.Packets
// using the H.264/H.265/AAC parsers in package demux, CEA-608/708 caption
// decoding from github.com/zsiec/ccx, and SCTE-35 splice parsing from
// package scte35.
package tsfeed
