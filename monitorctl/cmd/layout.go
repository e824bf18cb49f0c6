// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"gvisor.dev/objsync/monitorctl/flag"
	"github.com/google/subcommands"
	"gvisor.dev/objsync/pkg/lockword"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	output string
}

// LayoutInfo is the output of the layout command.
type LayoutInfo struct {
	Fields []FieldDoc `json:"fields"`
	Words  []WordDoc  `json:"words,omitempty"`
}

// FieldDoc describes one bit field of the lock word.
type FieldDoc struct {
	Name  string `json:"name"`
	Shift int    `json:"shift"`
	Size  int    `json:"size"`
}

// WordDoc is a decoded lock word.
type WordDoc struct {
	Value   uint32 `json:"value"`
	State   string `json:"state"`
	Payload string `json:"payload,omitempty"`
	Marked  bool   `json:"gc_marked"`
}

type layoutOutputFunc func(io.Writer, *LayoutInfo) error

var layoutOutputMap = map[string]layoutOutputFunc{
	"table": layoutTable,
	"json":  layoutJSON,
	"csv":   layoutCSV,
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "Print the lock word layout and decode lock words."
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [options] [word...] - Print the lock word layout. Each word
argument (decimal or 0x-prefixed hex) is decoded.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.output, "o", "table", "Output format (table, csv, json).")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	out, ok := layoutOutputMap[l.output]
	if !ok {
		Fatalf("Unsupported output format %q", l.output)
	}

	info := &LayoutInfo{}
	for _, field := range lockword.Layout() {
		info.Fields = append(info.Fields, FieldDoc{Name: field.Name, Shift: field.Shift, Size: field.Size})
	}
	for _, arg := range f.Args() {
		v, err := strconv.ParseUint(arg, 0, 32)
		if err != nil {
			f.Usage()
			return Errorf("invalid lock word %q: %v", arg, err)
		}
		info.Words = append(info.Words, decodeWord(lockword.Word(v)))
	}

	if err := out(os.Stdout, info); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func decodeWord(w lockword.Word) WordDoc {
	d := WordDoc{
		Value:  uint32(w),
		State:  w.State().String(),
		Marked: w.MarkedForGC(),
	}
	switch w.State() {
	case lockword.LightLocked:
		d.Payload = fmt.Sprintf("thread=%d count=%d", w.ThreadID(), w.LockCount())
	case lockword.HeavyLocked:
		d.Payload = fmt.Sprintf("monitor=%d", w.MonitorID())
	case lockword.Hashed:
		d.Payload = fmt.Sprintf("hash=%#x", w.Hash())
	case lockword.Gc:
		d.Payload = fmt.Sprintf("forwarding=%#x", w.ForwardingAddress())
	}
	return d
}

func layoutTable(w io.Writer, info *LayoutInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tSHIFT\tSIZE\tMASK")
	for _, f := range info.Fields {
		mask := (uint64(1)<<f.Size - 1) << f.Shift
		fmt.Fprintf(tw, "%s\t%d\t%d\t%#010x\n", f.Name, f.Shift, f.Size, mask)
	}
	if len(info.Words) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "WORD\tSTATE\tPAYLOAD\tGC MARK")
		for _, d := range info.Words {
			fmt.Fprintf(tw, "%#010x\t%s\t%s\t%t\n", d.Value, d.State, d.Payload, d.Marked)
		}
	}
	return tw.Flush()
}

func layoutJSON(w io.Writer, info *LayoutInfo) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(info)
}

func layoutCSV(w io.Writer, info *LayoutInfo) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"kind", "name", "shift", "size"}); err != nil {
		return err
	}
	for _, f := range info.Fields {
		if err := cw.Write([]string{"field", f.Name, strconv.Itoa(f.Shift), strconv.Itoa(f.Size)}); err != nil {
			return err
		}
	}
	for _, d := range info.Words {
		if err := cw.Write([]string{"word", fmt.Sprintf("%#x", d.Value), d.State, d.Payload}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
