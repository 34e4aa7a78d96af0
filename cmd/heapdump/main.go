// Command heapdump is a host-side companion tool: it reads a serialized
// kernel heap snapshot (JSON-encoded []kheap.Segment, as produced by
// internal/kheap.Dump over the kernel's debug console) and converts it
// into a pprof heap profile, so `go tool pprof` can visualize kernel heap
// fragmentation and the largest live allocations (SPEC_FULL §3.2).
//
// Grounded on Oichkatzelesfrettschen-biscuit's go.mod requiring
// github.com/google/pprof directly; there is no other pack dependency for
// profile.proto encoding.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/pprof/profile"

	"corvus/internal/kheap"
)

// segmentFunction is the synthetic pprof.Function each allocation's call
// site (spec §4.4's heap tag, set via AllocateTagged) is attributed to,
// since this kernel has no real call-stack unwinder to source from.
func segmentFunction(id uint64, tag string) *profile.Function {
	name := tag
	if name == "" {
		name = "untagged"
	}
	return &profile.Function{ID: id, Name: name, SystemName: name, Filename: "kernel-heap"}
}

// ToProfile converts a heap dump into a pprof Profile with one sample per
// live (non-free) segment, valued in bytes. Free segments are omitted:
// pprof profiles represent live allocations, not free-list bookkeeping.
func ToProfile(segments []kheap.Segment) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "alloc_space", Unit: "bytes"},
			{Type: "alloc_objects", Unit: "count"},
		},
		DefaultSampleType: "alloc_space",
	}

	var nextID uint64 = 1
	for _, seg := range segments {
		if seg.Free {
			continue
		}
		fn := segmentFunction(nextID, seg.Tag)
		nextID++
		loc := &profile.Location{
			ID:      uint64(len(p.Location)) + 1,
			Address: uint64(seg.Addr),
			Line:    []profile.Line{{Function: fn, Line: 0}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(seg.Size), 1},
		})
	}
	return p
}

// readSnapshot decodes a JSON-encoded []kheap.Segment from r: the JSON
// encoding of the slice kheap.Dump returns.
func readSnapshot(r io.Reader) ([]kheap.Segment, error) {
	var segments []kheap.Segment
	if err := json.NewDecoder(r).Decode(&segments); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return segments, nil
}

func main() {
	in := flag.String("in", "-", "heap snapshot JSON file, or - for stdin")
	out := flag.String("out", "-", "pprof profile output path, or - for stdout")
	flag.Parse()

	src := os.Stdin
	if *in != "-" {
		f, err := os.Open(*in)
		if err != nil {
			fmt.Fprintln(os.Stderr, "heapdump:", err)
			os.Exit(1)
		}
		defer f.Close()
		src = f
	}

	segments, err := readSnapshot(src)
	if err != nil {
		fmt.Fprintln(os.Stderr, "heapdump:", err)
		os.Exit(1)
	}

	p := ToProfile(segments)

	dst := os.Stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintln(os.Stderr, "heapdump:", err)
			os.Exit(1)
		}
		defer f.Close()
		dst = f
	}
	if err := p.Write(dst); err != nil {
		fmt.Fprintln(os.Stderr, "heapdump:", err)
		os.Exit(1)
	}
}
